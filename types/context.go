package types

import "context"

// ctxKey 是带类型的上下文键，取值时不需要再做类型断言
type ctxKey[T any] struct{ name string }

func (k ctxKey[T]) set(ctx context.Context, v T) context.Context {
	return context.WithValue(ctx, k, v)
}

// get 取值；零长度字符串或空切片视为不存在
func (k ctxKey[T]) get(ctx context.Context) (T, bool) {
	v, ok := ctx.Value(k).(T)
	if !ok {
		return v, false
	}
	switch x := any(v).(type) {
	case string:
		return v, x != ""
	case []string:
		return v, len(x) > 0
	}
	return v, true
}

var (
	traceIDKey     = ctxKey[string]{"trace_id"}
	requestIDKey   = ctxKey[string]{"request_id"}
	tenantIDKey    = ctxKey[string]{"tenant_id"}
	userIDKey      = ctxKey[string]{"user_id"}
	rolesKey       = ctxKey[[]string]{"roles"}
	executionIDKey = ctxKey[string]{"execution_id"}
)

// WithTraceID 记录当前请求所属的 OTel trace
func WithTraceID(ctx context.Context, id string) context.Context { return traceIDKey.set(ctx, id) }

func TraceID(ctx context.Context) (string, bool) { return traceIDKey.get(ctx) }

// WithRequestID 记录 X-Request-ID
func WithRequestID(ctx context.Context, id string) context.Context { return requestIDKey.set(ctx, id) }

func RequestID(ctx context.Context) (string, bool) { return requestIDKey.get(ctx) }

// WithTenantID 记录调用方租户，来自 JWT 的 tenant_id 声明
func WithTenantID(ctx context.Context, id string) context.Context { return tenantIDKey.set(ctx, id) }

func TenantID(ctx context.Context) (string, bool) { return tenantIDKey.get(ctx) }

// WithUserID 记录调用方用户
func WithUserID(ctx context.Context, id string) context.Context { return userIDKey.set(ctx, id) }

func UserID(ctx context.Context) (string, bool) { return userIDKey.get(ctx) }

// WithRoles 记录调用方角色
func WithRoles(ctx context.Context, roles []string) context.Context { return rolesKey.set(ctx, roles) }

func Roles(ctx context.Context) ([]string, bool) { return rolesKey.get(ctx) }

// WithExecutionID 记录工作流执行 ID；步骤处理器每次尝试都能取到
func WithExecutionID(ctx context.Context, id string) context.Context {
	return executionIDKey.set(ctx, id)
}

func ExecutionID(ctx context.Context) (string, bool) { return executionIDKey.get(ctx) }
