package main

import "testing"

func TestHealthzURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"", "http://localhost:8080/healthz"},
		{":9090", "http://localhost:9090/healthz"},
		{"0.0.0.0:8080", "http://0.0.0.0:8080/healthz"},
	}
	for _, tt := range tests {
		if got := healthzURL(tt.addr); got != tt.want {
			t.Errorf("healthzURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}
