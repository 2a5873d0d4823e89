package cache

import (
	"net/url"
	"testing"
)

func TestKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want string
	}{
		{
			name: "endpoint only",
			key:  Key{Endpoint: "/v1/dashboard"},
			want: "req:v1/dashboard",
		},
		{
			name: "query params sorted",
			key: Key{
				Endpoint: "/v1/results",
				Query:    url.Values{"page": {"2"}, "filter": {"open"}},
			},
			want: "req:v1/results:filter=open:page=2",
		},
		{
			name: "caller scoped",
			key:  Key{Endpoint: "/v1/dashboard", Caller: "user-1"},
			want: "req:v1/dashboard:caller=user-1",
		},
		{
			name: "empty endpoint",
			key:  Key{Endpoint: "/"},
			want: "req",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKey_Deterministic(t *testing.T) {
	k1 := Key{Endpoint: "/v1/x", Query: url.Values{"a": {"1"}, "b": {"2"}, "c": {"3"}}}
	k2 := Key{Endpoint: "/v1/x", Query: url.Values{"c": {"3"}, "b": {"2"}, "a": {"1"}}}

	for i := 0; i < 20; i++ {
		if k1.String() != k2.String() {
			t.Fatalf("same logical key produced different strings: %q vs %q", k1.String(), k2.String())
		}
	}
}

func TestKey_CallerScopeDistinguishes(t *testing.T) {
	base := Key{Endpoint: "/v1/dashboard"}
	scoped := Key{Endpoint: "/v1/dashboard", Caller: "user-1"}
	other := Key{Endpoint: "/v1/dashboard", Caller: "user-2"}

	if base.String() == scoped.String() {
		t.Error("caller-scoped key should differ from unscoped key")
	}
	if scoped.String() == other.String() {
		t.Error("different callers should produce different keys")
	}
}
