package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/BaSui01/dagflow/api/handlers"
	"github.com/BaSui01/dagflow/config"
	"github.com/BaSui01/dagflow/types"
)

// =============================================================================
// 🔐 认证：API Key 或 HS256 Bearer Token
// =============================================================================

var errNoCredentials = errors.New("missing or invalid credentials")

type authenticator struct {
	keys       [][]byte
	allowQuery bool
	secret     []byte
	parser     *jwt.Parser
	skip       map[string]bool
	logger     *zap.Logger
}

// Authenticate 接受已配置的 API Key 或合法的 Bearer Token。
// 两者都未配置时不做认证；skipPaths 中的路径始终放行。
func Authenticate(apiKeys []string, jwtCfg config.JWTConfig, skipPaths []string, allowQueryAPIKey bool, logger *zap.Logger) Middleware {
	a := &authenticator{
		allowQuery: allowQueryAPIKey,
		skip:       make(map[string]bool, len(skipPaths)),
		logger:     logger.With(zap.String("component", "auth")),
	}
	for _, k := range apiKeys {
		a.keys = append(a.keys, []byte(k))
	}
	for _, p := range skipPaths {
		a.skip[p] = true
	}
	if jwtCfg.Secret != "" {
		a.secret = []byte(jwtCfg.Secret)
		opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired()}
		if jwtCfg.Issuer != "" {
			opts = append(opts, jwt.WithIssuer(jwtCfg.Issuer))
		}
		if jwtCfg.Audience != "" {
			opts = append(opts, jwt.WithAudience(jwtCfg.Audience))
		}
		a.parser = jwt.NewParser(opts...)
	}

	return func(next http.Handler) http.Handler {
		if len(a.keys) == 0 && a.parser == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			ctx, err := a.authenticate(r)
			if err != nil {
				a.logger.Debug("request rejected", zap.String("path", r.URL.Path), zap.Error(err))
				handlers.WriteErrorMessage(w, http.StatusUnauthorized, types.ErrUnauthorized, errNoCredentials.Error(), nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// authenticate 先看 API Key，再看 Bearer Token；通过时返回带身份信息的上下文
func (a *authenticator) authenticate(r *http.Request) (context.Context, error) {
	key := r.Header.Get("X-API-Key")
	if key == "" && a.allowQuery {
		key = r.URL.Query().Get("api_key")
	}
	if key != "" && a.validKey(key) {
		return r.Context(), nil
	}

	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || a.parser == nil {
		return nil, errNoCredentials
	}
	claims := jwt.MapClaims{}
	if _, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return a.secret, nil }); err != nil {
		return nil, err
	}
	return withClaims(r.Context(), claims), nil
}

func (a *authenticator) validKey(key string) bool {
	match := 0
	for _, k := range a.keys {
		match |= subtle.ConstantTimeCompare(k, []byte(key))
	}
	return match == 1
}

// withClaims 把 tenant_id、sub/user_id 与 roles 声明放进上下文；user_id 优先于 sub
func withClaims(ctx context.Context, claims jwt.MapClaims) context.Context {
	if tenant, _ := claims["tenant_id"].(string); tenant != "" {
		ctx = types.WithTenantID(ctx, tenant)
	}
	user, _ := claims["user_id"].(string)
	if user == "" {
		user, _ = claims.GetSubject()
	}
	if user != "" {
		ctx = types.WithUserID(ctx, user)
	}

	raw, _ := claims["roles"].([]any)
	var roles []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			roles = append(roles, s)
		}
	}
	if len(roles) > 0 {
		ctx = types.WithRoles(ctx, roles)
	}
	return ctx
}
