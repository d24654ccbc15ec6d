package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the Postgres-backed implementation of UserStore, MessageStore
// and KV. It is safe for concurrent use; every method is a single
// parameterized statement or a short read-modify cycle on one row.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an open connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanUser(row pgx.Row) (*User, error) {
	var (
		u        User
		blocked  int
		topicID  sql.NullInt64
		infoJSON []byte
	)
	if err := row.Scan(&u.ID, &u.State, &blocked, &u.BlockCount, &topicID, &infoJSON); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	u.Blocked = blocked != 0
	if topicID.Valid {
		u.TopicID = topicID.Int64
	}
	if len(infoJSON) > 0 {
		// A corrupt blob degrades to empty info rather than failing the read.
		_ = json.Unmarshal(infoJSON, &u.Info)
	}
	return &u, nil
}

const userColumns = `user_id, user_state, is_blocked, block_count, topic_id, user_info_json`

// EnsureUser inserts the row if missing and merges info into it either way.
func (s *Store) EnsureUser(ctx context.Context, id string, info UserInfoPatch) (*User, error) {
	patch, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("marshal user info patch: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (user_id, user_state, user_info_json)
		VALUES ($1, 'new', $2)
		ON CONFLICT (user_id) DO UPDATE SET
			user_info_json = users.user_info_json || EXCLUDED.user_info_json
		RETURNING `+userColumns,
		id, patch)
	return scanUser(row)
}

// GetUser returns the row for id, or (nil, nil) when absent.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = $1`, id)
	return scanUser(row)
}

// GetUserByTopic resolves the user bound to a forum topic.
func (s *Store) GetUserByTopic(ctx context.Context, topicID int64) (*User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE topic_id = $1`, topicID)
	return scanUser(row)
}

// SetState updates the admission phase.
func (s *Store) SetState(ctx context.Context, id string, state UserState) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET user_state = $2 WHERE user_id = $1`, id, state)
	return err
}

// SetBlocked flips the blocked overlay without touching the counter.
func (s *Store) SetBlocked(ctx context.Context, id string, blocked bool) error {
	v := 0
	if blocked {
		v = 1
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET is_blocked = $2 WHERE user_id = $1`, id, v)
	return err
}

// ClearBlock resets both the blocked flag and the violation counter, the
// self-unblock path of /start.
func (s *Store) ClearBlock(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET is_blocked = 0, block_count = 0 WHERE user_id = $1`, id)
	return err
}

// SetTopicID binds the user to a forum topic.
func (s *Store) SetTopicID(ctx context.Context, id string, topicID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET topic_id = $2 WHERE user_id = $1`, id, topicID)
	return err
}

// ClearTopic drops a lost topic binding; the next inbound message
// provisions a fresh one.
func (s *Store) ClearTopic(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET topic_id = NULL WHERE user_id = $1`, id)
	return err
}

// MergeUserInfo applies a partial update to the info blob. The merge runs
// server-side (jsonb ||) so concurrent patches to different fields never
// clobber each other.
func (s *Store) MergeUserInfo(ctx context.Context, id string, patch UserInfoPatch) error {
	b, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal user info patch: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE users SET user_info_json = user_info_json || $2 WHERE user_id = $1`,
		id, b)
	return err
}

// IncrementBlockCount bumps the violation counter and flips is_blocked in
// the same statement once the threshold is reached.
func (s *Store) IncrementBlockCount(ctx context.Context, id string, threshold int) (int, bool, error) {
	var (
		count   int
		blocked int
	)
	err := s.pool.QueryRow(ctx, `
		UPDATE users SET
			block_count = block_count + 1,
			is_blocked  = CASE WHEN block_count + 1 >= $2 THEN 1 ELSE is_blocked END
		WHERE user_id = $1
		RETURNING block_count, is_blocked`,
		id, threshold).Scan(&count, &blocked)
	if err != nil {
		return 0, false, err
	}
	return count, blocked != 0, nil
}

// RecordMessage stores the text of a relayed message for later edit diffs.
func (s *Store) RecordMessage(ctx context.Context, userID string, messageID int64, text string, date int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (user_id, message_id, text, date)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, message_id) DO UPDATE SET text = EXCLUDED.text`,
		userID, messageID, text, date)
	return err
}

// GetMessageText returns the recorded text for (userID, messageID).
func (s *Store) GetMessageText(ctx context.Context, userID string, messageID int64) (string, bool, error) {
	var text sql.NullString
	err := s.pool.QueryRow(ctx,
		`SELECT text FROM messages WHERE user_id = $1 AND message_id = $2`,
		userID, messageID).Scan(&text)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return text.String, true, nil
}

// UpdateMessageText replaces the recorded text after an edit was relayed.
func (s *Store) UpdateMessageText(ctx context.Context, userID string, messageID int64, text string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE messages SET text = $3 WHERE user_id = $1 AND message_id = $2`,
		userID, messageID, text)
	return err
}

// LoadConfig reads the whole config table in one query; Config caches the
// result for its TTL.
func (s *Store) LoadConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// PutConfig upserts one config entry.
func (s *Store) PutConfig(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO config (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	return err
}

// DeleteConfig removes one config entry.
func (s *Store) DeleteConfig(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM config WHERE key = $1`, key)
	return err
}
