package authz

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("authz: invalid operator token")

// Tokens issues and verifies HS256 operator tokens. A token names the subject and the actions
// it was granted.
type Tokens struct {
	secret []byte
	now    func() time.Time
}

func NewTokens(secret string) *Tokens {
	return &Tokens{secret: []byte(secret), now: time.Now}
}

func (t *Tokens) WithClock(now func() time.Time) *Tokens {
	t.now = now
	return t
}

type claims struct {
	Actions []Action `json:"actions"`
	jwt.RegisteredClaims
}

func (t *Tokens) Issue(sub Subject, ttl time.Duration, actions ...Action) (string, error) {
	if len(t.secret) == 0 {
		return "", fmt.Errorf("authz: empty token secret")
	}
	now := t.now()
	c := claims{
		Actions: actions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(sub),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("authz: sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry and returns an Authorizer limited to the token's grants
// together with its subject.
func (t *Tokens) Verify(token string) (Subject, *Static, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if c.Subject == "" {
		return "", nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	sub := Subject(c.Subject)
	grants := NewStatic().Grant(sub, c.Actions...)
	grants.now = t.now
	return sub, grants, nil
}
