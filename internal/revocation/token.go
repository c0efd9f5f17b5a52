package revocation

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"warden.org/internal/authz"
)

// TokenClaims carries the identifiers the blacklist keys on. Signature
// verification belongs to the caller's auth middleware; the registry only
// needs jti and sub.
type TokenClaims struct {
	TokenID string
	UserID  string
}

// ExtractClaims pulls jti and sub out of a serialized JWT without verifying
// its signature. A token without a jti cannot be individually revoked, so it
// is rejected here.
func ExtractClaims(raw string) (TokenClaims, error) {
	var claims jwt.RegisteredClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, &claims); err != nil {
		return TokenClaims{}, fmt.Errorf("%w: parse token: %v", authz.ErrInvalidInput, err)
	}
	if claims.ID == "" {
		return TokenClaims{}, fmt.Errorf("%w: token has no jti claim", authz.ErrInvalidInput)
	}
	return TokenClaims{TokenID: claims.ID, UserID: claims.Subject}, nil
}

// CheckBearer reports whether the serialized token is revoked, either
// individually or through its user's emergency sentinel. Tokens that cannot
// be parsed are treated as revoked.
func (r *Registry) CheckBearer(ctx context.Context, raw string) (bool, error) {
	claims, err := ExtractClaims(raw)
	if err != nil {
		return true, err
	}
	return r.CheckToken(ctx, claims.TokenID, claims.UserID)
}
