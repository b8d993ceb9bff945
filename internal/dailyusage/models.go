package dailyusage

import "time"

// Default daily message limits.
const (
	DefaultAnonymousLimit     = 10
	DefaultAuthenticatedLimit = 50
)

// dateLayout formats usage dates in API responses.
const dateLayout = "2006-01-02"

// Counter is one (user, UTC day) row.
type Counter struct {
	UserID       string    `json:"user_id"`
	UsageDate    time.Time `json:"usage_date"`
	MessageCount int       `json:"message_count"`
	LastActivity time.Time `json:"last_activity"`
	IsAnonymous  bool      `json:"is_anonymous"`
}

// Limits configures the per-day message caps.
type Limits struct {
	Anonymous     int `yaml:"anonymous_daily"`
	Authenticated int `yaml:"authenticated_daily"`
}

// Status is a user's standing against today's limit.
type Status struct {
	UserID          string `json:"user_id"`
	Date            string `json:"date"`
	MessageCount    int    `json:"message_count"`
	Limit           int    `json:"limit"`
	Remaining       int    `json:"remaining"`
	HasReachedLimit bool   `json:"has_reached_limit"`
	IsAnonymous     bool   `json:"is_anonymous"`
}

// IncrementResult is the outcome of one increment.
type IncrementResult struct {
	UserID   string `json:"user_id"`
	NewCount int    `json:"new_count"`
	Date     string `json:"date"`
}
