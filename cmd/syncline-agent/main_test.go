package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nivael/syncline/pkg/gateway"
)

func TestWriteGatewayError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"auth required", &gateway.Error{Kind: gateway.KindAuthRequired}, http.StatusUnauthorized},
		{"permission denied", &gateway.Error{Kind: gateway.KindPermissionDenied}, http.StatusForbidden},
		{"timeout", &gateway.Error{Kind: gateway.KindTimeout}, http.StatusGatewayTimeout},
		{"http passthrough", &gateway.Error{Kind: gateway.KindHTTP, Status: 422}, 422},
		{"network", &gateway.Error{Kind: gateway.KindNetwork}, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeGatewayError(w, tt.err)
			if got := w.Result().StatusCode; got != tt.want {
				t.Errorf("writeGatewayError(%v) status = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
