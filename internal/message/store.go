// Package message persists relayed messages. The relay only ever sees
// ciphertext: payloads are opaque base64 blobs encrypted container-to-
// container, stored just long enough to survive recipient downtime.
package message

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Delivery statuses. Rows only ever move forward: pending → delivered or
// pending → expired, enforced by conditional updates.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusExpired   = "expired"
)

// Message is one row of relay_messages.
type Message struct {
	ID            string    `json:"messageId"`
	FromContainer string    `json:"from"`
	ToContainer   string    `json:"to"`
	Payload       string    `json:"payload"` // base64 ciphertext, opaque to the relay
	Size          int       `json:"size"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	DeliveredAt   time.Time `json:"deliveredAt,omitempty"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create persists a new pending message and returns its assigned id.
func (s *Store) Create(ctx context.Context, from, to, payload string) (*Message, error) {
	msg := &Message{
		ID:            uuid.NewString(),
		FromContainer: from,
		ToContainer:   to,
		Payload:       payload,
		Size:          len(payload),
		Status:        StatusPending,
		CreatedAt:     time.Now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_messages (id, from_container, to_container, payload, size, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.FromContainer, msg.ToContainer, msg.Payload, msg.Size, msg.Status, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return msg, nil
}

// ListPending returns the recipient's undelivered messages, oldest first, so
// a reconnecting container replays them in send order.
func (s *Store) ListPending(ctx context.Context, toContainer string, limit int) ([]*Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_container, to_container, payload, size, status, created_at
		FROM relay_messages
		WHERE to_container = $1 AND status = 'pending'
		ORDER BY created_at ASC
		LIMIT $2`, toContainer, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.FromContainer, &m.ToContainer, &m.Payload,
			&m.Size, &m.Status, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkDelivered flips one message to delivered. The WHERE clause keeps the
// transition monotone: a message acked twice, or expired concurrently, is a
// no-op rather than a regression.
func (s *Store) MarkDelivered(ctx context.Context, messageID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE relay_messages SET status = 'delivered', delivered_at = NOW()
		WHERE id = $1 AND status = 'pending'`, messageID)
	if err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AckBatch marks up to 100 messages delivered, but only those addressed to
// the acking container. Returns how many rows actually transitioned.
func (s *Store) AckBatch(ctx context.Context, toContainer string, messageIDs []string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE relay_messages SET status = 'delivered', delivered_at = NOW()
		WHERE id = ANY($1) AND to_container = $2 AND status = 'pending'`,
		pq.Array(messageIDs), toContainer)
	if err != nil {
		return 0, fmt.Errorf("ack batch: %w", err)
	}
	return res.RowsAffected()
}

// ExpireOlderThan retires pending messages past the retention cutoff.
func (s *Store) ExpireOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE relay_messages SET status = 'expired'
		WHERE status = 'pending' AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire messages: %w", err)
	}
	return res.RowsAffected()
}

// PendingCount reports the recipient's queue depth.
func (s *Store) PendingCount(ctx context.Context, toContainer string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM relay_messages WHERE to_container = $1 AND status = 'pending'`,
		toContainer).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

// Counts returns message totals by status for the health endpoint.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM relay_messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("message counts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
