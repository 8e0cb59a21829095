package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-bookclub/internal/types"
)

var defaultJwtExpiration = time.Hour * 24

const (
	tokenCookieKey = "token"

	subjectClaim = "sub"
	nameClaim    = "name"
	pictureClaim = "picture"
	emailClaim   = "email"
	expClaim     = "exp"
)

type contextKey string

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, ident types.Identity) context.Context {
	return context.WithValue(ctx, identityKey, ident)
}

func IdentityFrom(ctx context.Context) (types.Identity, bool) {
	ident, ok := ctx.Value(identityKey).(types.Identity)
	return ident, ok
}

// tokenFromRequest reads the bearer token, falling back to the token cookie
// for browsers opening a WebSocket.
func tokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || token == "" {
			return "", errors.New("malformed authorization header")
		}
		return token, nil
	}

	cookie, err := r.Cookie(tokenCookieKey)
	if err != nil {
		return "", fmt.Errorf("get cookie: %w", err)
	}
	return cookie.Value, nil
}

func (s *BookClubApp) extractIdentityFromToken(tokenString string) (types.Identity, error) {
	token, err := s.verifyToken(tokenString)
	if err != nil {
		return types.Identity{}, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return types.Identity{}, fmt.Errorf("invalid token claims")
	}

	uid, _ := claims[subjectClaim].(string)
	if uid == "" {
		return types.Identity{}, fmt.Errorf("invalid subject claim")
	}

	ident := types.Identity{UserId: uid}
	ident.DisplayName, _ = claims[nameClaim].(string)
	ident.PhotoURL, _ = claims[pictureClaim].(string)
	ident.Email, _ = claims[emailClaim].(string)
	if ident.DisplayName == "" {
		ident.DisplayName = uid
	}
	return ident, nil
}

// createJwtForIdentity signs a token the way the identity provider does.
// Only tests and local tooling issue tokens.
func (s *BookClubApp) createJwtForIdentity(ident types.Identity, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		subjectClaim: ident.UserId,
		nameClaim:    ident.DisplayName,
		pictureClaim: ident.PhotoURL,
		emailClaim:   ident.Email,
		expClaim:     time.Now().Add(exp).Unix(),
	})

	return token.SignedString(s.signingKey)
}

func (s *BookClubApp) verifyToken(tokenString string) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return token, nil
}
