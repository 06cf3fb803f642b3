package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"roadside/internal/dispatch-service/adapters/driver/myhttp/handle"
	"roadside/internal/dispatch-service/core/domain/model"

	"github.com/golang-jwt/jwt"
)

// AuthMiddleware validates the bearer token of the external identity
// provider and forwards the principal to handlers via headers. The core
// never sees tokens, only Actors.
type AuthMiddleware struct {
	accessSecret string
}

func NewAuthMiddleware(accessSecret string) *AuthMiddleware {
	return &AuthMiddleware{
		accessSecret: accessSecret,
	}
}

// ParsePrincipal extracts (id, role) from a raw bearer token.
func (am *AuthMiddleware) ParsePrincipal(tokenString string) (model.Actor, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return []byte(am.accessSecret), nil
	})
	if err != nil {
		return model.Actor{}, fmt.Errorf("failed to parse token")
	}
	if !token.Valid {
		return model.Actor{}, fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return model.Actor{}, fmt.Errorf("invalid claims")
	}
	userId, ok := claims["user_id"].(string)
	if !ok {
		return model.Actor{}, fmt.Errorf("user_id not found in token")
	}
	role, ok := claims["role"].(string)
	if !ok {
		return model.Actor{}, fmt.Errorf("role not found in token")
	}
	switch model.Role(role) {
	case model.RoleUser, model.RoleMechanic, model.RoleAdmin:
	default:
		return model.Actor{}, fmt.Errorf("unknown role %q", role)
	}
	return model.Actor{ID: userId, Role: model.Role(role)}, nil
}

// Wrap enforces a valid token and, when roles are given, one of those
// roles.
func (am *AuthMiddleware) Wrap(next http.Handler, roles ...model.Role) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			handle.JsonError(w, http.StatusUnauthorized, fmt.Errorf("empty bearer token"))
			return
		}
		actor, err := am.ParsePrincipal(tokenString)
		if err != nil {
			handle.JsonError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 {
			allowed := false
			for _, role := range roles {
				if actor.Role == role {
					allowed = true
					break
				}
			}
			if !allowed {
				handle.JsonError(w, http.StatusForbidden, fmt.Errorf("role %s not allowed here", actor.Role))
				return
			}
		}

		r.Header.Set("X-UserId", actor.ID)
		r.Header.Set("X-Role", string(actor.Role))
		next.ServeHTTP(w, r)
	})
}
