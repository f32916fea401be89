// Package audit writes the relay's two audit trails. relay_audit_log records
// delivery metadata (never payload bytes, which are ciphertext anyway);
// mesh_audit_log carries capability lifecycle events shared with the rest of
// the mesh.
package audit

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/google/uuid"
)

// Delivery outcomes recorded per relayed message. Exactly one row is written
// per send attempt.
const (
	OutcomeDeliveredWS        = "delivered_ws"
	OutcomeDeliveredCallback  = "delivered_callback"
	OutcomeQueued             = "queued"
	OutcomeRateLimited        = "rate_limited"
	OutcomeInvalidCapability  = "invalid_capability"
	OutcomeInvalidDestination = "invalid_destination"
	OutcomeError              = "error"
)

// Mesh event types.
const (
	EventCapabilityUsed    = "CAPABILITY_USED"
	EventCapabilityDenied  = "CAPABILITY_DENIED"
	EventCapabilityRevoked = "CAPABILITY_REVOKED"
	EventMessageForwarded  = "RELAY_MESSAGE_FORWARDED"
)

const meshSource = "relay-server"

// Logger writes audit rows. Audit failures are logged and swallowed: an
// unavailable audit table must not block message delivery.
type Logger struct {
	db     *sql.DB
	logger *log.Logger
}

func NewLogger(db *sql.DB) *Logger {
	return &Logger{
		db:     db,
		logger: log.New(log.Writer(), "[AUDIT] ", log.LstdFlags),
	}
}

// Delivery records one relayed message: who, to whom, how it left the relay,
// and how big the ciphertext was. The payload itself is never stored here.
// Rejections that never produced a message row pass an empty messageID.
func (l *Logger) Delivery(ctx context.Context, messageID, from, to, outcome string, size int) {
	var mid interface{}
	if messageID != "" {
		mid = messageID
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO relay_audit_log (id, message_id, from_container, to_container, outcome, size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), mid, from, to, outcome, size, time.Now())
	if err != nil {
		l.logger.Printf("delivery audit write failed (message=%s): %v", messageID, err)
	}
}

// MeshEvent records a capability lifecycle event on the shared stream.
func (l *Logger) MeshEvent(ctx context.Context, eventType, capabilityID, actor, detail string) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO mesh_audit_log (id, event_type, capability_id, actor, detail, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), eventType, capabilityID, actor, detail, meshSource, time.Now())
	if err != nil {
		l.logger.Printf("mesh audit write failed (event=%s cap=%s): %v", eventType, capabilityID, err)
	}
}

// CapabilityRevoked satisfies the revocation service's audit hook.
func (l *Logger) CapabilityRevoked(ctx context.Context, capabilityID, revokedBy, reason string) {
	l.MeshEvent(ctx, EventCapabilityRevoked, capabilityID, revokedBy, reason)
}
