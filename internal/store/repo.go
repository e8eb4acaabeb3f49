package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrUserExists      = errors.New("user already exists")
	ErrInvalidState    = errors.New("invalid relay state")
	ErrInvalidDuration = errors.New("invalid timer duration")
)

// Repo is the durable user → relays/timers mapping.
//
// Compound mutations run in a single transaction that writes the relay row first,
// so concurrent writers touching the same relay are ordered by its row lock. mu
// additionally serializes them inside the process, which is what keeps SQLite
// (no row locks) consistent.
type Repo struct {
	db *gorm.DB
	mu sync.Mutex
}

func New(db *gorm.DB) (*Repo, error) {
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

func ensureSchema(db *gorm.DB) error {
	m := db.Migrator()
	if !m.HasTable(&User{}) {
		if err := m.CreateTable(&User{}); err != nil {
			return fmt.Errorf("create table users: %w", err)
		}
	}
	if !m.HasTable(&Relay{}) {
		if err := m.CreateTable(&Relay{}); err != nil {
			return fmt.Errorf("create table relays: %w", err)
		}
	}
	if !m.HasTable(&Timer{}) {
		if err := m.CreateTable(&Timer{}); err != nil {
			return fmt.Errorf("create table timers: %w", err)
		}
	}

	// Indexes (names come from struct tags)
	if !m.HasIndex(&Relay{}, "idx_relay_user_index") {
		_ = m.CreateIndex(&Relay{}, "idx_relay_user_index")
	}
	if !m.HasIndex(&Timer{}, "Username") {
		_ = m.CreateIndex(&Timer{}, "Username")
	}
	if !m.HasIndex(&Timer{}, "RelayID") {
		_ = m.CreateIndex(&Timer{}, "RelayID")
	}
	if !m.HasIndex(&Timer{}, "ExpiresAtMs") {
		_ = m.CreateIndex(&Timer{}, "ExpiresAtMs")
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// --- Users ---

// CreateUser stores the user and provisions RelaysPerUser relays, all off.
func (r *Repo) CreateUser(ctx context.Context, username, passwordHash string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" || passwordHash == "" {
		return nil, errors.New("username and password hash are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	user := &User{Username: username, PasswordHash: passwordHash, CreatedAt: time.Now().UTC()}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&User{}).Where("username = ?", username).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrUserExists
		}
		if err := tx.Create(user).Error; err != nil {
			return err
		}
		relays := make([]Relay, 0, RelaysPerUser)
		for i := 0; i < RelaysPerUser; i++ {
			relays = append(relays, Relay{
				Username:   username,
				RelayIndex: i,
				Name:       fmt.Sprintf("Relay %d", i+1),
				Status:     StateOff,
				UpdatedAt:  user.CreatedAt,
			})
		}
		return tx.Create(&relays).Error
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (r *Repo) GetUser(ctx context.Context, username string) (*User, error) {
	var row User
	if err := r.db.WithContext(ctx).First(&row, "username = ?", username).Error; err != nil {
		return nil, notFound(err)
	}
	return &row, nil
}

func (r *Repo) UserExists(ctx context.Context, username string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// --- Relays ---

func (r *Repo) GetRelays(ctx context.Context, username string) ([]Relay, error) {
	var rows []Relay
	if err := r.db.WithContext(ctx).Where("username = ?", username).Order("relay_index asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) GetRelay(ctx context.Context, username string, index int) (*Relay, error) {
	var row Relay
	if err := r.db.WithContext(ctx).First(&row, "username = ? AND relay_index = ?", username, index).Error; err != nil {
		return nil, notFound(err)
	}
	return &row, nil
}

func setStatus(tx *gorm.DB, username string, index int, state string) error {
	res := tx.Model(&Relay{}).
		Where("username = ? AND relay_index = ?", username, index).
		Updates(map[string]any{"status": state, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRelayState writes state to the relay. Turning a relay off deletes every timer
// that targets it in the same transaction.
func (r *Repo) SetRelayState(ctx context.Context, username string, index int, state string) error {
	if !ValidState(state) {
		return ErrInvalidState
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := setStatus(tx, username, index, state); err != nil {
			return err
		}
		if state == StateOff {
			_, err := deleteRelayTimers(tx, username, index)
			return err
		}
		return nil
	})
}

func (r *Repo) RenameRelay(ctx context.Context, username string, index int, name string) (*Relay, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("relay name is required")
	}
	res := r.db.WithContext(ctx).Model(&Relay{}).
		Where("username = ? AND relay_index = ?", username, index).
		Updates(map[string]any{"name": name, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return r.GetRelay(ctx, username, index)
}

// ApplyReportedStates writes device-reported states keyed by relay index. Timers are
// left untouched. Indexes the user does not own are ignored; the number of relays
// written is returned.
func (r *Repo) ApplyReportedStates(ctx context.Context, username string, states map[int]string) (int, error) {
	if len(states) == 0 {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	written := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for index, state := range states {
			if !ValidState(state) {
				continue
			}
			err := setStatus(tx, username, index, state)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// --- Timers ---

func (r *Repo) GetTimers(ctx context.Context, username string) ([]Timer, error) {
	var rows []Timer
	if err := r.db.WithContext(ctx).Where("username = ?", username).Order("expires_at_ms asc, id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// CreateTimer turns the relay on and schedules its off-command duration seconds
// after now. Existing timers for the relay are kept.
func (r *Repo) CreateTimer(ctx context.Context, username string, index, duration int, now time.Time) (*Timer, error) {
	if duration <= 0 || duration > MaxTimerDuration {
		return nil, ErrInvalidDuration
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var timer *Timer
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := setStatus(tx, username, index, StateOn); err != nil {
			return err
		}
		var relay Relay
		if err := tx.First(&relay, "username = ? AND relay_index = ?", username, index).Error; err != nil {
			return notFound(err)
		}
		timer = &Timer{
			ID:          uuid.NewString(),
			Username:    username,
			RelayID:     relay.ID,
			RelayIndex:  index,
			Duration:    duration,
			ExpiresAtMs: now.UnixMilli() + int64(duration)*1000,
			CreatedAt:   now.UTC(),
		}
		return tx.Create(timer).Error
	})
	if err != nil {
		return nil, err
	}
	return timer, nil
}

func (r *Repo) DeleteTimer(ctx context.Context, username, timerID string) error {
	res := r.db.WithContext(ctx).Where("id = ? AND username = ?", timerID, username).Delete(&Timer{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func deleteRelayTimers(tx *gorm.DB, username string, index int) (int64, error) {
	res := tx.Where("username = ? AND relay_index = ?", username, index).Delete(&Timer{})
	return res.RowsAffected, res.Error
}

// DeleteTimersForRelay removes every timer on one relay and leaves its state alone.
func (r *Repo) DeleteTimersForRelay(ctx context.Context, username string, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := deleteRelayTimers(r.db.WithContext(ctx), username, index)
	return err
}

// ExpireTimers fires the given expired timers of one relay. The rows are deleted
// and, only when at least one of them still existed, the relay is switched off and
// its remaining timers are removed, all in one transaction. It reports whether the
// relay was switched, so a timer cancelled after it was listed never turns a relay
// off.
func (r *Repo) ExpireTimers(ctx context.Context, username string, index int, ids []string) (bool, error) {
	if len(ids) == 0 {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switched := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id IN ? AND username = ? AND relay_index = ?", ids, username, index).Delete(&Timer{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := setStatus(tx, username, index, StateOff); err != nil {
			return err
		}
		if _, err := deleteRelayTimers(tx, username, index); err != nil {
			return err
		}
		switched = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return switched, nil
}

// ListExpiredTimers returns timers of every user whose expiry is at or before now.
func (r *Repo) ListExpiredTimers(ctx context.Context, now time.Time) ([]Timer, error) {
	var rows []Timer
	if err := r.db.WithContext(ctx).Where("expires_at_ms <= ?", now.UnixMilli()).Order("expires_at_ms asc, id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ReadState returns a user's relays and timers as one consistent view: no compound
// mutation can interleave between the two reads.
func (r *Repo) ReadState(ctx context.Context, username string) ([]Relay, []Timer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var relays []Relay
	var timers []Timer
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("username = ?", username).Order("relay_index asc").Find(&relays).Error; err != nil {
			return err
		}
		return tx.Where("username = ?", username).Order("expires_at_ms asc, id asc").Find(&timers).Error
	})
	if err != nil {
		return nil, nil, err
	}
	return relays, timers, nil
}
