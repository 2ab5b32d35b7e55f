package guard

import (
	"encoding/json"
	"fmt"
	"time"

	"firestige.xyz/flowguard/internal/core"
)

// Default limits.
const (
	DefaultMaxEvents   = 7
	DefaultBanDuration = 60 * time.Second
)

// Limits are the runtime-tunable guard thresholds.
type Limits struct {
	// MaxEvents is the number of events a key may produce inside the window
	// before the next one triggers a ban.
	MaxEvents int `json:"max_events"`
	// BanDuration is both the decay window of a counted event and the
	// lifetime of a ban.
	BanDuration time.Duration `json:"ban_duration"`
}

// DefaultLimits returns the stock limits.
func DefaultLimits() Limits {
	return Limits{MaxEvents: DefaultMaxEvents, BanDuration: DefaultBanDuration}
}

// Validate rejects limits that would disable the guard.
func (l Limits) Validate() error {
	if l.MaxEvents < 1 {
		return fmt.Errorf("%w: max events must be >= 1, got %d", core.ErrInvalidLimits, l.MaxEvents)
	}
	if l.BanDuration <= 0 {
		return fmt.Errorf("%w: ban duration must be > 0, got %s", core.ErrInvalidLimits, l.BanDuration)
	}
	return nil
}

type limitsJSON struct {
	MaxEvents   int    `json:"max_events"`
	BanDuration string `json:"ban_duration"`
}

// MarshalJSON writes the ban duration in time.Duration notation ("60s").
func (l Limits) MarshalJSON() ([]byte, error) {
	return json.Marshal(limitsJSON{MaxEvents: l.MaxEvents, BanDuration: l.BanDuration.String()})
}

// UnmarshalJSON is the inverse of MarshalJSON. It does not validate.
func (l *Limits) UnmarshalJSON(b []byte) error {
	var v limitsJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	d, err := time.ParseDuration(v.BanDuration)
	if err != nil {
		return fmt.Errorf("%w: ban duration: %v", core.ErrInvalidLimits, err)
	}
	*l = Limits{MaxEvents: v.MaxEvents, BanDuration: d}
	return nil
}
