package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"roomivo-gateway/config"
	"roomivo-gateway/middleware/ratelimit"
)

type identityKey struct{}

// Identity is who a function call is accounted to.
type Identity struct {
	Kind string // config.IdentifyByUser or config.IdentifyByIP
	ID   string
}

func (i Identity) String() string { return i.Kind + ":" + i.ID }

func withIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity resolved for the request, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

var errNoBearer = errors.New("missing bearer token")

// identify resolves the caller before rate limiting: the JWT subject for
// identify_by=user (401 when absent or invalid), the client IP otherwise.
func (s *Server) identify(fn config.FunctionConfig) func(http.Handler) http.Handler {
	ipKey := ratelimit.DefaultKeyFunc("", s.cfg.Rate.TrustXFF)
	secret := []byte(s.cfg.Auth.JWTSecret)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := Identity{Kind: config.IdentifyByIP, ID: ipKey(r)}

			if fn.IdentifyBy == config.IdentifyByUser {
				sub, err := subjectFromRequest(r, secret)
				if err != nil {
					s.logger.Debug("rejecting unauthenticated call",
						zap.String("function", fn.Name), zap.Error(err))
					writeError(w, http.StatusUnauthorized, "Authentication required")
					return
				}
				id = Identity{Kind: config.IdentifyByUser, ID: sub}
			}

			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
		})
	}
}

func subjectFromRequest(r *http.Request, secret []byte) (string, error) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, raw, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
		return "", errNoBearer
	}

	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if !tok.Valid || claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}
