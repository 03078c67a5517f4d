package types

import (
	"context"
	"slices"
	"testing"
)

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ctx = WithTraceID(ctx, "t1")
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithTenantID(ctx, "tenant")
	ctx = WithUserID(ctx, "user")
	ctx = WithExecutionID(ctx, "exec-1")
	ctx = WithRoles(ctx, []string{"admin", "operator"})

	cases := []struct {
		name string
		get  func(context.Context) (string, bool)
		want string
	}{
		{"trace", TraceID, "t1"},
		{"request", RequestID, "req-1"},
		{"tenant", TenantID, "tenant"},
		{"user", UserID, "user"},
		{"execution", ExecutionID, "exec-1"},
	}
	for _, tc := range cases {
		if got, ok := tc.get(ctx); !ok || got != tc.want {
			t.Fatalf("%s: got %q %v, want %q", tc.name, got, ok, tc.want)
		}
	}
	if got, ok := Roles(ctx); !ok || !slices.Equal(got, []string{"admin", "operator"}) {
		t.Fatalf("roles: got %v %v", got, ok)
	}
}

func TestContextHelpers_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	ctx := WithTenantID(context.Background(), "acme")
	if _, ok := UserID(ctx); ok {
		t.Fatalf("tenant ID leaked into user ID")
	}
	ctx = WithUserID(ctx, "u1")
	if got, _ := TenantID(ctx); got != "acme" {
		t.Fatalf("tenant ID overwritten: %q", got)
	}
}

func TestContextHelpers_Empty(t *testing.T) {
	t.Parallel()

	if _, ok := RequestID(WithRequestID(context.Background(), "")); ok {
		t.Fatalf("empty request ID should not be reported")
	}
	if _, ok := Roles(WithRoles(context.Background(), nil)); ok {
		t.Fatalf("empty roles should not be reported")
	}
	if _, ok := ExecutionID(context.Background()); ok {
		t.Fatalf("missing execution ID should not be reported")
	}
}
