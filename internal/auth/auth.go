package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-relay/internal/types"
)

const (
	idClaim       = "id"
	usernameClaim = "username"
	expClaim      = "exp"
	iatClaim      = "iat"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Validator turns a bearer token into the identity it was issued for.
// Implementations must be safe for concurrent use.
type Validator interface {
	Verify(token string) (types.UserIdentity, error)
}

// JWTValidator verifies HS256 tokens minted by the identity service.
type JWTValidator struct {
	signingKey []byte
}

func NewJWTValidator(signingKey []byte) *JWTValidator {
	return &JWTValidator{signingKey: signingKey}
}

func (v *JWTValidator) Verify(tokenString string) (types.UserIdentity, error) {
	if tokenString == "" {
		return types.UserIdentity{}, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		return types.UserIdentity{}, fmt.Errorf("%w: parse token: %v", ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return types.UserIdentity{}, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}

	id, ok := claims[idClaim].(string)
	if !ok || id == "" {
		return types.UserIdentity{}, fmt.Errorf("%w: invalid id claim", ErrUnauthenticated)
	}

	// a non-string username is ignored rather than rejected
	name, _ := claims[usernameClaim].(string)

	return types.UserIdentity{
		Id:          id,
		DisplayName: name,
	}, nil
}

// NewToken mints a token the JWTValidator accepts. The relay never calls this
// itself; it backs the development token tool and tests.
func NewToken(signingKey []byte, user types.UserIdentity, exp time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		idClaim:       user.Id,
		usernameClaim: user.DisplayName,
		iatClaim:      now.Unix(),
		expClaim:      now.Add(exp).Unix(),
	})

	return token.SignedString(signingKey)
}
