package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/pario-ai/tenantgate/pkg/models"
	"github.com/pario-ai/tenantgate/pkg/tenant"
)

// Claims are the JWT claims a caller presents. The subject is the user.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

var (
	errMissingToken = errors.New("missing authorization header")
	errBearerScheme = errors.New("authorization header must use Bearer scheme")
	errTokenExpired = errors.New("token expired")
	errTokenInvalid = errors.New("invalid token")
	errNoTenant     = errors.New("token has no tenant_id claim")
)

type claimKey struct{}

func withClaim(ctx context.Context, c tenant.Claim) context.Context {
	return context.WithValue(ctx, claimKey{}, c)
}

func claimFrom(ctx context.Context) tenant.Claim {
	c, _ := ctx.Value(claimKey{}).(tenant.Claim)
	return c
}

// authenticator extracts tenant claims. With no secret the X-Tenant-ID and
// X-User-ID headers are trusted.
type authenticator struct {
	secret []byte
}

func (a authenticator) claim(r *http.Request) (tenant.Claim, error) {
	if len(a.secret) == 0 {
		return tenant.Claim{
			TenantID: strings.TrimSpace(r.Header.Get("X-Tenant-ID")),
			UserID:   strings.TrimSpace(r.Header.Get("X-User-ID")),
		}, nil
	}

	raw, err := bearer(r)
	if err != nil {
		return tenant.Claim{}, err
	}
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return tenant.Claim{}, errTokenExpired
		}
		return tenant.Claim{}, errTokenInvalid
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return tenant.Claim{}, errTokenInvalid
	}
	if claims.TenantID == "" {
		return tenant.Claim{}, errNoTenant
	}
	return tenant.Claim{TenantID: claims.TenantID, UserID: claims.Subject}, nil
}

// middleware rejects unauthenticated callers and stores the claim in the
// request context.
func (a authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := a.claim(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, models.ClassBudgetAccess, "unauthorized", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(withClaim(r.Context(), c)))
	})
}

// adminMiddleware guards the admin routes with a static bearer token. With
// no token configured the admin API is disabled.
func adminMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, http.StatusForbidden, models.ClassBudgetAccess, "admin_disabled", "admin API is disabled")
				return
			}
			got, err := bearer(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, models.ClassBudgetAccess, "unauthorized", err.Error())
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, models.ClassBudgetAccess, "unauthorized", "invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearer(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errMissingToken
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", errBearerScheme
	}
	return strings.TrimSpace(auth[len(prefix):]), nil
}
