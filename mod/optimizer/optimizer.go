package optimizer

import (
	"context"

	"imuslab.com/offlinegw/mod/cache"
)

// Transform rewrites a cache entry before it is stored (or after it is
// read). Transforms must not modify their input and return a new entry
// when they change anything.
type Transform func(ctx context.Context, entry *cache.Entry) (*cache.Entry, error)

// Pipeline represents a series of transforms to apply to an entry
type Pipeline struct {
	transforms []Transform
}

// NewPipeline creates a new optimization pipeline
func NewPipeline(transforms ...Transform) *Pipeline {
	return &Pipeline{
		transforms: transforms,
	}
}

// AddTransform adds a transform to the pipeline
func (p *Pipeline) AddTransform(t Transform) {
	p.transforms = append(p.transforms, t)
}

// Len returns the number of transforms
func (p *Pipeline) Len() int {
	if p == nil {
		return 0
	}
	return len(p.transforms)
}

// Apply applies all transforms in the pipeline sequentially. A nil pipeline
// returns the entry unchanged.
func (p *Pipeline) Apply(ctx context.Context, entry *cache.Entry) (*cache.Entry, error) {
	if p == nil {
		return entry, nil
	}

	current := entry
	for _, transform := range p.transforms {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		next, err := transform(ctx, current)
		if err != nil {
			return nil, err
		}
		current = next
	}

	return current, nil
}
