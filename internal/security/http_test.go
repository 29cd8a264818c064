package security

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestHTTPClientSameInstance(t *testing.T) {
	v := NewHTTP()

	client1 := v.Client()
	client2 := v.Client()
	if client1 != client2 {
		t.Error("expected same client instance from same validator")
	}

	if NewHTTP().Client() == v.Client() {
		t.Error("expected different client instances for different validators")
	}
}

func TestHTTPClientConcurrentAccess(t *testing.T) {
	v := NewHTTP()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := v.Client()
			if client == nil {
				t.Error("got nil client")
				return
			}
			_ = client.Timeout
		}()
	}
	wg.Wait()
}

func TestHTTPURLValidation(t *testing.T) {
	v := NewHTTP()

	tests := []struct {
		name      string
		url       string
		shouldErr bool
	}{
		{"valid HTTPS URL", "https://example.com", false},
		{"valid HTTP URL", "http://example.com", false},
		{"localhost blocked", "http://localhost:8080", true},
		{"127.0.0.1 blocked", "http://127.0.0.1:8080", true},
		{"private IP 192.168.x.x blocked", "http://192.168.1.1", true},
		{"private IP 10.x.x.x blocked", "http://10.0.0.1", true},
		{"private IP 172.16.x.x blocked", "http://172.16.0.1", true},
		{"metadata endpoint blocked", "http://169.254.169.254/latest/meta-data/", true},
		{"multicast IP blocked", "http://224.0.0.1", true},
		{"reserved IP blocked", "http://240.0.0.1", true},
		{"file protocol blocked", "file:///etc/passwd", true},
		{"ftp protocol blocked", "ftp://example.com", true},
		{"no host", "http://", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateURL(tt.url)
			if tt.shouldErr && err == nil {
				t.Errorf("ValidateURL(%q) = nil, want error", tt.url)
			}
			if !tt.shouldErr && err != nil {
				t.Errorf("ValidateURL(%q) = %v, want nil", tt.url, err)
			}
		})
	}
}

func TestMaxResponseSize(t *testing.T) {
	v := NewHTTP()

	want := int64(5 * 1024 * 1024)
	if got := v.MaxResponseSize(); got != want {
		t.Errorf("MaxResponseSize() = %d, want %d", got, want)
	}
}

func TestHTTPRedirectExcessive(t *testing.T) {
	v := NewHTTP()

	redirects := 0
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		redirects++
		if redirects <= 5 {
			http.Redirect(w, r, server.URL, http.StatusFound)
			return
		}
		fmt.Fprintln(w, "OK")
	}))
	defer server.Close()

	resp, err := v.Client().Get(server.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected error for excessive redirects, but got none")
	}
	// httptest serves on 127.0.0.1, so either the redirect limit or the
	// redirect validation can fire first; both are rejections.
	if !strings.Contains(err.Error(), "redirect") {
		t.Errorf("expected redirect error, got: %v", err)
	}
}

func TestHTTPRedirectToUnsafeURL(t *testing.T) {
	v := NewHTTP()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/latest/meta-data/", http.StatusFound)
	}))
	defer server.Close()

	resp, err := v.Client().Get(server.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected error for unsafe redirect, but got none")
	}
	if !strings.Contains(err.Error(), "redirect to unsafe URL") {
		t.Errorf("expected unsafe redirect error, got: %v", err)
	}
}

func BenchmarkHTTPValidation(b *testing.B) {
	v := NewHTTP()

	b.ResetTimer()
	for b.Loop() {
		_ = v.ValidateURL("https://example.com")
	}
}
