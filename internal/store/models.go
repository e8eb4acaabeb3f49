package store

import "time"

const (
	// RelaysPerUser is the fixed number of relay channels provisioned for every user.
	RelaysPerUser = 8

	// MaxTimerDuration bounds a timer to one year, in seconds.
	MaxTimerDuration = 365 * 24 * 60 * 60

	StateOn  = "on"
	StateOff = "off"
)

// ValidState reports whether s is a relay state the store accepts.
func ValidState(s string) bool { return s == StateOn || s == StateOff }

type User struct {
	Username     string    `json:"username" gorm:"primaryKey;size:64"`
	PasswordHash string    `json:"-" gorm:"not null"`
	CreatedAt    time.Time `json:"created_at"`
}

func (User) TableName() string { return "relay_users" }

type Relay struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	Username   string    `json:"-" gorm:"size:64;not null;uniqueIndex:idx_relay_user_index"`
	RelayIndex int       `json:"relay_index" gorm:"not null;uniqueIndex:idx_relay_user_index"`
	Name       string    `json:"name" gorm:"not null"`
	Status     string    `json:"status" gorm:"size:8;not null"`
	UpdatedAt  time.Time `json:"-"`
}

func (Relay) TableName() string { return "relay_relays" }

// Timer is a scheduled off-command. ExpiresAtMs is unix milliseconds so that
// expiry comparisons behave the same on every SQL driver.
type Timer struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	Username    string    `json:"-" gorm:"size:64;not null;index"`
	RelayID     uint      `json:"-" gorm:"not null;index"`
	RelayIndex  int       `json:"relayId" gorm:"not null"`
	Duration    int       `json:"duration" gorm:"not null"`
	ExpiresAtMs int64     `json:"-" gorm:"not null;index"`
	CreatedAt   time.Time `json:"-"`
}

func (Timer) TableName() string { return "relay_timers" }

func (t Timer) ExpiresAt() time.Time { return time.UnixMilli(t.ExpiresAtMs).UTC() }

// Remaining returns whole seconds left at now, floored and clamped at zero.
func (t Timer) Remaining(now time.Time) int {
	ms := t.ExpiresAtMs - now.UnixMilli()
	if ms <= 0 {
		return 0
	}
	return int(ms / 1000)
}
