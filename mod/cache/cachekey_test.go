package cache

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestKeyGenerator_GenerateKey(t *testing.T) {
	kg := NewKeyGenerator("v1")

	req1 := httptest.NewRequest("GET", "http://erp.local/api/resource/Item?a=1&b=2", nil)
	req2 := httptest.NewRequest("GET", "http://erp.local/api/resource/Item?b=2&a=1", nil)

	key1 := kg.GenerateKey(req1)
	key2 := kg.GenerateKey(req2)
	if key1 != key2 {
		t.Errorf("Expected same key for different query order, got %s and %s", key1, key2)
	}
	if key1 != "v1|GET|/api/resource/Item|a=1&b=2" {
		t.Errorf("Unexpected key layout %s", key1)
	}

	req3 := httptest.NewRequest("GET", "http://erp.local/api/resource/Customer", nil)
	if key1 == kg.GenerateKey(req3) {
		t.Error("Expected different keys for different paths")
	}

	req4 := httptest.NewRequest("HEAD", "http://erp.local/api/resource/Item?a=1&b=2", nil)
	if key1 == kg.GenerateKey(req4) {
		t.Error("Expected different keys for different methods")
	}
}

func TestKeyGenerator_HostIgnored(t *testing.T) {
	kg := NewKeyGenerator("v1")

	req1 := httptest.NewRequest("GET", "http://10.0.0.5:8080/assets/app.css", nil)
	req2 := httptest.NewRequest("GET", "http://erp.local/assets/app.css", nil)
	if kg.GenerateKey(req1) != kg.GenerateKey(req2) {
		t.Error("Expected the key to depend on method, path and query only")
	}
}

func TestKeyGenerator_Namespace(t *testing.T) {
	req := httptest.NewRequest("GET", "http://erp.local/api/resource/Item", nil)

	v1 := NewKeyGenerator("v1")
	v2 := NewKeyGenerator("v2")
	if v1.GenerateKey(req) == v2.GenerateKey(req) {
		t.Error("Expected namespaces to separate keys")
	}
	if !strings.HasPrefix(v1.GenerateKey(req), v1.NamespacePrefix()) {
		t.Error("Expected key to carry its namespace prefix")
	}
}

func TestKeyGenerator_CaseInsensitive(t *testing.T) {
	kg := NewKeyGenerator("v1")
	kg.CaseSensitive = false

	req1 := httptest.NewRequest("GET", "http://erp.local/Assets/App.css", nil)
	req2 := httptest.NewRequest("GET", "http://erp.local/assets/app.css", nil)
	if kg.GenerateKey(req1) != kg.GenerateKey(req2) {
		t.Error("Expected case-insensitive keys to match")
	}
}

func TestIsCacheable(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		headers map[string]string
		want    bool
	}{
		{name: "GET request", method: "GET", want: true},
		{name: "HEAD request", method: "HEAD", want: true},
		{name: "POST request", method: "POST", want: false},
		{name: "PUT request", method: "PUT", want: false},
		{
			name:    "GET with Authorization",
			method:  "GET",
			headers: map[string]string{"Authorization": "token abc:def"},
			want:    true,
		},
		{
			name:    "GET with Cache-Control: no-store",
			method:  "GET",
			headers: map[string]string{"Cache-Control": "no-store"},
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://erp.local/path", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			if got := IsCacheable(req); got != tt.want {
				t.Errorf("IsCacheable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsResponseCacheable(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		headers    http.Header
		honor      bool
		want       bool
	}{
		{"200 OK", 200, http.Header{}, true, true},
		{"404 Not Found", 404, http.Header{}, true, false},
		{"500 from API", 500, http.Header{}, false, false},
		{"200 with no-store honoured", 200, http.Header{"Cache-Control": []string{"no-store"}}, true, false},
		{"200 with no-store ignored for API", 200, http.Header{"Cache-Control": []string{"no-store"}}, false, true},
		{"200 with private", 200, http.Header{"Cache-Control": []string{"private"}}, true, false},
		{"301 Moved Permanently", 301, http.Header{}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsResponseCacheable(tt.statusCode, tt.headers, tt.honor); got != tt.want {
				t.Errorf("IsResponseCacheable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPreserveHeaders(t *testing.T) {
	src := http.Header{}
	src.Set("Content-Type", "application/json")
	src.Set("Set-Cookie", "sid=abc")
	src.Set("Connection", "keep-alive")
	src.Set("ETag", `"x"`)

	got := PreserveHeaders(src)
	if got.Get("Content-Type") != "application/json" || got.Get("ETag") != `"x"` {
		t.Errorf("Expected content headers to be preserved, got %v", got)
	}
	if got.Get("Set-Cookie") != "" || got.Get("Connection") != "" {
		t.Errorf("Expected cookies and hop-by-hop headers to be dropped, got %v", got)
	}
}
