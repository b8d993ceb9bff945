package user

import (
	"errors"
	"time"

	"github.com/samber/mo"
)

// ErrNotFound is returned when a user does not exist.
var ErrNotFound = errors.New("user not found")

// Metadata keys read by the metering subsystem.
const (
	MetaDailyMessageLimit = "daily_message_limit"
	MetaCreditExempt      = "credit_exempt"
)

// User is an account as seen by metering. Identity is owned by the
// authentication provider; this is a local mirror.
type User struct {
	ID          string         `json:"id"`
	Email       string         `json:"email,omitempty"`
	IsAnonymous bool           `json:"is_anonymous"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
}

// DailyMessageLimit returns the per-user limit override, if one is set to a
// positive whole number.
func (u *User) DailyMessageLimit() mo.Option[int] {
	switch v := u.Metadata[MetaDailyMessageLimit].(type) {
	case float64:
		if v > 0 && v == float64(int(v)) {
			return mo.Some(int(v))
		}
	case int:
		if v > 0 {
			return mo.Some(v)
		}
	}
	return mo.None[int]()
}

// CreditExempt reports whether the user is excluded from remote billing.
func (u *User) CreditExempt() bool {
	v, _ := u.Metadata[MetaCreditExempt].(bool)
	return v
}

// UpsertInput holds the fields mirrored from the authentication provider.
type UpsertInput struct {
	ID          string         `json:"id"`
	Email       string         `json:"email"`
	IsAnonymous bool           `json:"is_anonymous"`
	Metadata    map[string]any `json:"metadata"`
}
