package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-livechat/internal/database"
)

const (
	userIdClaim   = "user-id"
	usernameClaim = "username"
	expClaim      = "exp"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrMissingToken    = fmt.Errorf("%w: missing token", ErrUnauthenticated)
	ErrInvalidToken    = fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	ErrExpiredToken    = fmt.Errorf("%w: token expired", ErrUnauthenticated)
)

// Identity is the user a bearer credential resolves to.
type Identity struct {
	UserId   int
	Username string
}

type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

type JWTVerifier struct {
	signingKey []byte
	users      database.UserStore
}

// NewJWTVerifier returns a verifier for HS256 tokens. users may be nil, in
// which case tokens must carry a username claim.
func NewJWTVerifier(signingKey []byte, users database.UserStore) *JWTVerifier {
	return &JWTVerifier{signingKey: signingKey, users: users}
}

func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrMissingToken
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		var vErr *jwt.ValidationError
		if errors.As(err, &vErr) && vErr.Errors&jwt.ValidationErrorExpired != 0 {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	if _, ok := claims[expClaim]; !ok {
		return Identity{}, fmt.Errorf("%w: no expiry", ErrInvalidToken)
	}

	userId, ok := claims[userIdClaim].(float64)
	if !ok || userId <= 0 {
		return Identity{}, fmt.Errorf("%w: invalid user id claim", ErrInvalidToken)
	}

	id := Identity{UserId: int(userId)}
	if username, ok := claims[usernameClaim].(string); ok && username != "" {
		id.Username = username
		return id, nil
	}

	if v.users == nil {
		return Identity{}, fmt.Errorf("%w: missing username claim", ErrInvalidToken)
	}

	user, err := v.users.GetUser(ctx, id.UserId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return Identity{}, fmt.Errorf("%w: unknown user", ErrInvalidToken)
		}
		return Identity{}, fmt.Errorf("get user: %w", err)
	}
	id.Username = user.Username

	return id, nil
}

// Sign issues a token for id that expires after exp.
func Sign(signingKey []byte, id Identity, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim:   id.UserId,
		usernameClaim: id.Username,
		expClaim:      time.Now().Add(exp).Unix(),
	})

	return token.SignedString(signingKey)
}
