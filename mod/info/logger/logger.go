package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

/*
	System wide logger

	Writes structured JSON lines into <logFolder>/<prefix>_<yyyy-mm>.log
	and a human readable copy to stdout.
*/

type Logger struct {
	Prefix         string
	LogFolder      string
	CurrentLogFile string

	zl   *zap.Logger
	file *os.File
	mu   sync.Mutex
}

// NewLogger creates a logger that writes into logFolder. An empty logFolder
// logs to stdout only.
func NewLogger(prefix string, logFolder string, level string) (*Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05")
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stdout), zapLevel),
	}

	l := &Logger{
		Prefix:    prefix,
		LogFolder: logFolder,
	}

	if logFolder != "" {
		if err := os.MkdirAll(logFolder, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log folder: %w", err)
		}
		logFile := filepath.Join(logFolder, prefix+"_"+time.Now().Format("2006-01")+".log")
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = f
		l.CurrentLogFile = logFile
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(f),
			zapLevel,
		))
	}

	l.zl = zap.New(zapcore.NewTee(cores...)).Named(prefix)
	return l, nil
}

// NewNopLogger returns a logger that discards everything. Used by tests and
// by components constructed without a logger.
func NewNopLogger() *Logger {
	return &Logger{zl: zap.NewNop()}
}

// PrintAndLog logs a titled message. A non-nil originalError raises the
// entry to error level.
func (l *Logger) PrintAndLog(title string, message string, originalError error) {
	if originalError != nil {
		l.zl.Error(message, zap.String("title", title), zap.Error(originalError))
		return
	}
	l.zl.Info(message, zap.String("title", title))
}

// Println logs the operands as a single info line
func (l *Logger) Println(v ...interface{}) {
	l.zl.Info(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

// Printf logs a formatted info line
func (l *Logger) Printf(format string, v ...interface{}) {
	l.zl.Info(fmt.Sprintf(format, v...))
}

// Warn logs a titled warning
func (l *Logger) Warn(title string, message string, fields ...zap.Field) {
	l.zl.Warn(message, append([]zap.Field{zap.String("title", title)}, fields...)...)
}

// With returns a child logger annotated with a module name
func (l *Logger) With(module string) *Logger {
	return &Logger{
		Prefix:         l.Prefix,
		LogFolder:      l.LogFolder,
		CurrentLogFile: l.CurrentLogFile,
		zl:             l.zl.With(zap.String("module", module)),
	}
}

// Zap exposes the underlying structured logger
func (l *Logger) Zap() *zap.Logger {
	return l.zl
}

// Close flushes buffered entries and closes the log file
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.zl.Sync()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
