package relay

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("relay: registration not authorized")

// TokenVerifier checks HS256 registration tokens. The token subject must equal the
// user id being registered.
type TokenVerifier struct {
	secret []byte
	issuer string
}

func NewTokenVerifier(secret, issuer string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), issuer: issuer}
}

// Verify returns nil when token is valid for userID.
func (v *TokenVerifier) Verify(token, userID string) error {
	if v == nil {
		return nil
	}
	if token == "" {
		return fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject != userID {
		return fmt.Errorf("%w: subject mismatch", ErrUnauthorized)
	}
	return nil
}

// IssueToken signs a registration token for userID.
func IssueToken(secret, issuer, userID string) (string, error) {
	claims := jwt.RegisteredClaims{Subject: userID, Issuer: issuer}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
