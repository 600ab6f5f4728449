package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles issued by the marketplace identity provider. A gateway relays positions
// for many suppliers.
const (
	RoleSupplier = "supplier"
	RoleBuyer    = "buyer"
	RoleFarmer   = "farmer"
	RoleAdmin    = "admin"
	RoleGateway  = "gateway"
)

// ErrUnauthenticated rejects a connection before it reaches the presence channel.
var ErrUnauthenticated = errors.New("unauthenticated")

// Claims extends standard registered claims with role information.
// The subject carries the supplier id for supplier tokens.
type Claims struct {
	Role     string `json:"role"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Identity is the trusted caller handed to the presence core after authentication.
type Identity struct {
	Subject       string
	Username      string
	Role          string
	Authenticated bool
}

// CanPublishFor reports whether the caller may emit presence events for supplierID.
// Unauthenticated identities only exist when auth is disabled and are trusted as-is.
func (i Identity) CanPublishFor(supplierID string) bool {
	if !i.Authenticated {
		return true
	}
	switch i.Role {
	case RoleGateway:
		return true
	case RoleSupplier:
		return i.Subject == supplierID
	default:
		return false
	}
}

// Parse validates an HMAC-signed token and returns its claims.
func Parse(secret, tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return claims, nil
}

// Issue signs a token for subject. Used by dev tooling and tests.
func Issue(secret, subject, username, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:     role,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// IdentityFromClaims converts verified claims.
func IdentityFromClaims(c *Claims) Identity {
	return Identity{Subject: c.Subject, Username: c.Username, Role: c.Role, Authenticated: true}
}

// Middleware validates JWT tokens and injects the identity into context.
// An empty secret disables authentication and every request gets an anonymous identity.
func Middleware(secret string, roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), Identity{})))
				return
			}
			claims, err := Parse(secret, TokenFromRequest(r))
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			if len(allowed) > 0 {
				if _, ok := allowed[claims.Role]; !ok {
					http.Error(w, "forbidden", http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), IdentityFromClaims(claims))))
		})
	}
}

// WithIdentity stores the identity in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext retrieves the identity from context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

type identityKey struct{}

// TokenFromRequest reads a bearer token from the Authorization header, falling back to the
// access_token query parameter since browser websocket clients cannot set headers.
func TokenFromRequest(r *http.Request) string {
	if tok := TokenFromHeader(r.Header.Get("Authorization")); tok != "" {
		return tok
	}
	return r.URL.Query().Get("access_token")
}

// TokenFromHeader extracts the token from a "Bearer <token>" header value.
func TokenFromHeader(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
