package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const reportTTL = 24 * time.Hour

// Report is the last status payload a user's device published.
type Report struct {
	States     json.RawMessage `json:"states"`
	ReceivedAt time.Time       `json:"received_at"`
}

// ReportCache keeps the latest device report per user. A nil cache is valid and
// stores nothing.
type ReportCache struct{ rdb *redis.Client }

func NewReportCache(rdb *redis.Client) *ReportCache { return &ReportCache{rdb: rdb} }

func reportKey(username string) string { return "relay:report:" + username }

func (c *ReportCache) Set(ctx context.Context, username string, rep Report) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	b, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, reportKey(username), b, reportTTL).Err()
}

// Get returns nil without error when nothing is cached.
func (c *ReportCache) Get(ctx context.Context, username string) (*Report, error) {
	if c == nil || c.rdb == nil {
		return nil, nil
	}
	b, err := c.rdb.Get(ctx, reportKey(username)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rep Report
	if err := json.Unmarshal(b, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}
