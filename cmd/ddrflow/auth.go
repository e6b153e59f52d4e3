package main

import (
	"errors"
	"net/http"
	"strings"

	"github.com/BaSui01/ddrflow/api/handlers"
	"github.com/BaSui01/ddrflow/config"
	"github.com/BaSui01/ddrflow/types"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var errNoSecret = errors.New("HMAC secret not configured")

// newJWTParser 只接受 HS256，且必须带 exp；issuer 与 audience 配置了才校验
func newJWTParser(cfg config.JWTConfig) *jwt.Parser {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return jwt.NewParser(opts...)
}

// JWTAuth 校验 Bearer token，成功后把 sub 写入 context。publicPaths 直接放行。
func JWTAuth(cfg config.JWTConfig, publicPaths []string, logger *zap.Logger) Middleware {
	public := make(map[string]bool, len(publicPaths))
	for _, p := range publicPaths {
		public[p] = true
	}
	parser := newJWTParser(cfg)
	secret := []byte(cfg.Secret)
	key := func(*jwt.Token) (any, error) {
		if len(secret) == 0 {
			return nil, errNoSecret
		}
		return secret, nil
	}

	deny := func(w http.ResponseWriter, r *http.Request, msg string) {
		handlers.WriteErrorMessage(w, r, http.StatusUnauthorized, types.ErrUnauthorized, msg, nil)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if public[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			raw, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !found || raw == "" {
				deny(w, r, "missing or malformed Authorization header")
				return
			}
			var claims jwt.RegisteredClaims
			if _, err := parser.ParseWithClaims(raw, &claims, key); err != nil {
				logger.Debug("JWT validation failed", zap.Error(err))
				deny(w, r, "invalid or expired token")
				return
			}
			ctx := r.Context()
			if claims.Subject != "" {
				ctx = types.WithSubject(ctx, claims.Subject)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
