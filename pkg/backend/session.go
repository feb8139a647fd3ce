package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gregtusar/tradedesk/pkg/models"
)

// TokenExpiry returns the exp claim of an access token. The signature is
// not verified; the backend does that on every call. ok is false when the
// token carries no exp.
func TokenExpiry(token string) (exp time.Time, ok bool, err error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse token: %w", err)
	}
	date, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read exp: %w", err)
	}
	if date == nil {
		return time.Time{}, false, nil
	}
	return date.Time, true, nil
}

// Expired reports whether token carries an exp that has passed. Tokens that
// are not JWTs are left for the backend to judge.
func Expired(token string, now time.Time) bool {
	exp, ok, err := TokenExpiry(token)
	if err != nil || !ok {
		return false
	}
	return !now.Before(exp)
}

// Session binds one user's token to the client.
type Session struct {
	client *Client
	token  string
}

func (c *Client) Session(token string) *Session {
	return &Session{client: c, token: token}
}

func (s *Session) Token() string { return s.token }

func (s *Session) Profile(ctx context.Context) (models.Account, error) {
	return s.client.Profile(ctx, s.token)
}

func (s *Session) Transactions(ctx context.Context, page int) (models.TransactionsPage, error) {
	return s.client.Transactions(ctx, s.token, page)
}

func (s *Session) CloseTrade(ctx context.Context, req models.CloseTradeRequest) error {
	return s.client.CloseTrade(ctx, s.token, req)
}

// IsUnauthorized reports whether err means the session's token is no
// longer accepted.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
