package main

import (
	"net/http"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/BaSui01/dagflow/api/handlers"
	"github.com/BaSui01/dagflow/types"
)

// OTelTracing 每个请求一个 server span，延续请求头中的 trace 上下文；
// 处理器里启动的引擎 span 都挂在它下面
func OTelTracing() Middleware {
	tracer := otel.Tracer("dagflow/http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			parent := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(parent, r.Method+" "+normalizePath(r.URL.Path),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				))
			defer span.End()

			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(types.WithTraceID(ctx, span.SpanContext().TraceID().String())))

			span.SetAttributes(attribute.Int("http.response.status_code", rw.StatusCode))
			if rw.StatusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.StatusCode))
			}
		})
	}
}

// 形如 UUID、长十六进制串或纯数字的路径段
var idSegment = regexp.MustCompile(`^[0-9a-fA-F]{8,}(-[0-9a-fA-F]{4,}){0,4}$|^[0-9]+$`)

// 这些集合后面紧跟的一段总是 ID
var idCollections = map[string]bool{
	"definitions": true,
	"executions":  true,
}

// normalizePath 把路径中的 ID 段替换成 :id
//
//	/api/v1/executions/3f0c.../steps -> /api/v1/executions/:id/steps
//	/api/v1/definitions/order-flow   -> /api/v1/definitions/:id
func normalizePath(path string) string {
	segments := strings.Split(path, "/")
	changed := false
	prev := ""
	for i, seg := range segments {
		if seg != "" && (idCollections[prev] || idSegment.MatchString(seg)) {
			segments[i] = ":id"
			changed = true
		}
		prev = seg
	}
	if !changed {
		return path
	}
	return strings.Join(segments, "/")
}
