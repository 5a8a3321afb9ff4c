package chat

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// StaticIdentity is a fixed signed-in user. The empty string means signed
// out.
type StaticIdentity string

func (s StaticIdentity) CurrentUserID() (string, bool) {
	return string(s), s != ""
}

// TokenIdentity resolves the user from the subject of a JWT access token and
// reports signed out once the token expires.
type TokenIdentity struct {
	userID  string
	expires time.Time
	now     func() time.Time
}

// NewTokenIdentity parses token. With a key the HS256 signature is verified;
// without one the claims are trusted as issued by the server.
func NewTokenIdentity(token string, key []byte) (*TokenIdentity, error) {
	claims := &jwt.RegisteredClaims{}
	var err error
	if len(key) > 0 {
		_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	} else {
		_, _, err = jwt.NewParser().ParseUnverified(token, claims)
	}
	if err != nil {
		return nil, errors.Wrap(err, "parse access token")
	}
	if claims.Subject == "" {
		return nil, errors.New("access token has no subject")
	}

	id := &TokenIdentity{userID: claims.Subject, now: time.Now}
	if claims.ExpiresAt != nil {
		id.expires = claims.ExpiresAt.Time
	}
	return id, nil
}

func (t *TokenIdentity) CurrentUserID() (string, bool) {
	if !t.expires.IsZero() && !t.now().Before(t.expires) {
		return "", false
	}
	return t.userID, true
}

// IssueToken signs an HS256 access token for userID valid for ttl.
func IssueToken(userID string, key []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(key)
}
