package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	app_errors "alma/backend/internal/errors"
	"alma/backend/internal/metrics"
)

// Owner scopes. Exactly one is active per deployment.
const (
	ScopeClient = "client"
	ScopeUser   = "user"
)

const (
	ClientIDHeader = "X-Client-Id"
	clientIDQuery  = "clientId"
	maxClientIDLen = 128
)

type ownerKey struct{}

// WithOwner returns a copy of ctx carrying owner.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext returns the owner resolved by OwnerMiddleware.
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey{}).(string)
	return owner, ok && owner != ""
}

// OwnerMiddleware resolves the scoping identity of the request. In client
// scope it is the anonymous client id from the X-Client-Id header or the
// clientId query parameter; in user scope it is the userId claim of an
// HMAC-signed bearer token. The credential of the other scope is ignored,
// so the two never share storage keys.
func OwnerMiddleware(scope string, jwtSecret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				owner string
				err   error
			)
			switch scope {
			case ScopeUser:
				owner, err = userFromToken(r, jwtSecret)
			default:
				owner, err = clientFromRequest(r)
			}
			if err != nil {
				respondWithError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}

func clientFromRequest(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(ClientIDHeader))
	if id == "" {
		id = strings.TrimSpace(r.URL.Query().Get(clientIDQuery))
	}
	if id == "" {
		return "", fmt.Errorf("%w: missing %s header", app_errors.ErrUnauthenticated, ClientIDHeader)
	}
	if len(id) > maxClientIDLen {
		return "", fmt.Errorf("%w: client id is too long", app_errors.ErrValidation)
	}
	return "client:" + id, nil
}

func userFromToken(r *http.Request, secret []byte) (string, error) {
	header := r.Header.Get("Authorization")
	raw, found := strings.CutPrefix(header, "Bearer ")
	if !found || strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: missing bearer token", app_errors.ErrUnauthenticated)
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: token expired", app_errors.ErrUnauthenticated)
		}
		return "", fmt.Errorf("%w: invalid token", app_errors.ErrUnauthenticated)
	}

	userID, _ := claims["userId"].(string)
	if userID == "" {
		userID, _ = claims.GetSubject()
	}
	if userID == "" {
		return "", fmt.Errorf("%w: token carries no user id", app_errors.ErrUnauthenticated)
	}
	return "user:" + userID, nil
}

// MetricsMiddleware records request counts and latencies by route pattern.
func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveHTTP(r.Method, route, status, time.Since(start))
		})
	}
}
