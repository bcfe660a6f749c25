package roomapi

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoIdentity = errors.New("token carries no member identity")

// Identity is who this client plays as.
type Identity struct {
	MemberID int64
	Nickname string
}

// IdentityFromToken reads memberId and nickname from an access token's claims.
// The signature is not checked here; the server verifies every request.
func IdentityFromToken(token string) (Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}

	var id Identity
	switch v := claims["memberId"].(type) {
	case float64:
		id.MemberID = int64(v)
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Identity{}, fmt.Errorf("memberId claim %q: %w", v, err)
		}
		id.MemberID = n
	}
	if nick, ok := claims["nickname"].(string); ok {
		id.Nickname = nick
	} else if sub, err := claims.GetSubject(); err == nil {
		id.Nickname = sub
	}

	if id.MemberID == 0 || id.Nickname == "" {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}
