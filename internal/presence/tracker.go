// Package presence tracks which collaborators are live on a document and
// where their cursors are. State is ephemeral and lives in Redis; entries
// carry a TTL so a crashed client disappears on its own without any
// cleanup job.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultFreshness is how long a presence entry stays live without a
// heartbeat before it is considered stale.
const DefaultFreshness = 30 * time.Second

// State is one collaborator's presence on a document.
type State struct {
	UserID        string `json:"user_id"`
	DisplayName   string `json:"display_name,omitempty"`
	CursorPos     int    `json:"cursor_pos"`
	SelectionFrom *int   `json:"selection_from,omitempty"`
	SelectionTo   *int   `json:"selection_to,omitempty"`
	UpdatedAtUnix int64  `json:"updated_at_ms"`
}

// Tracker stores presence state in Redis keyed per document and user.
type Tracker struct {
	client    *redis.Client
	freshness time.Duration
	now       func() time.Time
}

// NewTracker connects to Redis and returns a tracker using the given
// freshness window. A zero window falls back to DefaultFreshness.
func NewTracker(redisURL string, freshness time.Duration) (*Tracker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewTrackerWithClient(client, freshness), nil
}

// NewTrackerWithClient builds a tracker from an existing Redis client.
func NewTrackerWithClient(client *redis.Client, freshness time.Duration) *Tracker {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Tracker{
		client:    client,
		freshness: freshness,
		now:       time.Now,
	}
}

func (t *Tracker) key(documentID, userID string) string {
	return "presence:" + documentID + ":" + userID
}

// Join registers a collaborator on a document with an initial cursor
// position.
func (t *Tracker) Join(ctx context.Context, documentID, userID, displayName string) error {
	state := State{
		UserID:        userID,
		DisplayName:   displayName,
		CursorPos:     0,
		UpdatedAtUnix: t.now().UnixMilli(),
	}
	return t.write(ctx, documentID, state)
}

// Update records a cursor move or selection change. Updates carry the
// sender's timestamp; an update older than the stored state is dropped
// so late-arriving packets cannot roll a cursor backwards. The check
// and the write run under WATCH, so the guard holds even when two
// relay instances handle updates for the same user.
func (t *Tracker) Update(ctx context.Context, documentID string, state State) error {
	if state.UserID == "" {
		return fmt.Errorf("presence update missing user id")
	}
	if state.UpdatedAtUnix == 0 {
		state.UpdatedAtUnix = t.now().UnixMilli()
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	key := t.key(documentID, state.UserID)

	for attempt := 0; attempt < 3; attempt++ {
		err := t.client.Watch(ctx, func(tx *redis.Tx) error {
			stored, err := tx.Get(ctx, key).Result()
			if err != nil && err != redis.Nil {
				return fmt.Errorf("read presence: %w", err)
			}
			if err == nil {
				var current State
				if jsonErr := json.Unmarshal([]byte(stored), &current); jsonErr == nil && current.UpdatedAtUnix > state.UpdatedAtUnix {
					return nil
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, raw, t.freshness)
				return nil
			})
			return err
		}, key)
		if err == redis.TxFailedErr {
			continue // key changed under us, retry the compare
		}
		if err != nil {
			return fmt.Errorf("save presence: %w", err)
		}
		return nil
	}
	return fmt.Errorf("save presence %s: key kept changing", key)
}

// Leave removes a collaborator's presence entry immediately.
func (t *Tracker) Leave(ctx context.Context, documentID, userID string) error {
	if err := t.client.Del(ctx, t.key(documentID, userID)).Err(); err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	return nil
}

// ListActive returns every collaborator on the document whose last update
// is within the freshness window. Staleness is evaluated here, at query
// time, so the list is accurate even between TTL sweeps.
func (t *Tracker) ListActive(ctx context.Context, documentID string) ([]State, error) {
	pattern := "presence:" + documentID + ":*"
	cutoff := t.now().Add(-t.freshness).UnixMilli()

	var states []State
	var cursor uint64
	for {
		keys, next, err := t.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan presence keys: %w", err)
		}
		for _, key := range keys {
			raw, err := t.client.Get(ctx, key).Result()
			if err == redis.Nil {
				continue // expired between scan and get
			}
			if err != nil {
				return nil, fmt.Errorf("read presence %s: %w", key, err)
			}
			var state State
			if err := json.Unmarshal([]byte(raw), &state); err != nil {
				log.Printf("WARNING: dropping malformed presence entry %s: %v", key, err)
				continue
			}
			if state.UpdatedAtUnix < cutoff {
				continue
			}
			states = append(states, state)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return states, nil
}

// Close releases the Redis connection.
func (t *Tracker) Close() error {
	return t.client.Close()
}

func (t *Tracker) write(ctx context.Context, documentID string, state State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	key := t.key(documentID, state.UserID)
	if err := t.client.Set(ctx, key, raw, t.freshness).Err(); err != nil {
		return fmt.Errorf("save presence: %w", err)
	}
	return nil
}
