// Package delivery runs the multi-mode pipeline shared by send and forward:
// persist, try live push, try callback, wake if hibernated, otherwise leave
// queued. At-least-once: a message only leaves pending on an ack or a
// callback 2xx.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ocmt/relay/internal/agentclient"
	"github.com/ocmt/relay/internal/callback"
	"github.com/ocmt/relay/internal/capability"
	"github.com/ocmt/relay/internal/message"
	"github.com/ocmt/relay/internal/revocation"
)

var (
	// ErrUnknownRecipient means the target container never registered.
	ErrUnknownRecipient = errors.New("recipient not registered")

	// ErrInvalidCapability covers malformed, expired, and revoked capability
	// tokens on the forward path.
	ErrInvalidCapability = errors.New("invalid capability")
)

// Delivery method names reported in responses and audit rows.
const (
	MethodWebSocket = "websocket"
	MethodCallback  = "callback"
)

// Result is the outcome of one send or forward.
type Result struct {
	MessageID      string `json:"messageId"`
	Status         string `json:"status"` // delivered | queued
	DeliveryMethod string `json:"deliveryMethod,omitempty"`
	WakeTriggered  bool   `json:"wakeTriggered"`
}

// Registry is the slice of the container registry the engine needs.
type Registry interface {
	Exists(ctx context.Context, containerID string) (bool, error)
	CallbackURL(ctx context.Context, containerID string) (string, error)
}

// MessageStore persists messages and their status transitions.
type MessageStore interface {
	Create(ctx context.Context, from, to, payload string) (*message.Message, error)
	MarkDelivered(ctx context.Context, messageID string) (bool, error)
}

// LivePusher pushes frames to open WebSocket connections.
type LivePusher interface {
	Push(containerID string, msg *message.Message) bool
}

// CallbackForwarder posts messages to registered callback URLs.
type CallbackForwarder interface {
	Deliver(ctx context.Context, url string, d callback.Delivery) error
}

// AgentServer reports container lifecycle state and wakes containers.
type AgentServer interface {
	Status(ctx context.Context, containerID string) (string, error)
	Wake(ctx context.Context, containerID string) error
}

// Auditor records delivery and capability events.
type Auditor interface {
	Delivery(ctx context.Context, messageID, from, to, outcome string, size int)
	MeshEvent(ctx context.Context, eventType, capabilityID, actor, detail string)
}

// RevocationChecker is the interactive (fail-open) revocation check.
type RevocationChecker interface {
	Check(ctx context.Context, capabilityID string) revocation.CheckResult
}

// Audit outcome and mesh event names, mirrored from the audit package so the
// engine depends only on its own interfaces.
const (
	outcomeWebSocket   = "delivered_ws"
	outcomeCallback    = "delivered_callback"
	outcomeQueued      = "queued"
	outcomeInvalidCap  = "invalid_capability"
	outcomeInvalidDest = "invalid_destination"
	outcomeError       = "error"

	eventCapabilityUsed   = "CAPABILITY_USED"
	eventCapabilityDenied = "CAPABILITY_DENIED"
	eventForwarded        = "RELAY_MESSAGE_FORWARDED"
)

// Engine wires the pipeline stages together.
type Engine struct {
	registry    Registry
	messages    MessageStore
	pusher      LivePusher
	forwarder   CallbackForwarder
	agents      AgentServer
	audit       Auditor
	revocations RevocationChecker
	logger      *log.Logger
	now         func() time.Time
}

func NewEngine(registry Registry, messages MessageStore, pusher LivePusher,
	forwarder CallbackForwarder, agents AgentServer, audit Auditor,
	revocations RevocationChecker) *Engine {
	return &Engine{
		registry:    registry,
		messages:    messages,
		pusher:      pusher,
		forwarder:   forwarder,
		agents:      agents,
		audit:       audit,
		revocations: revocations,
		logger:      log.New(log.Writer(), "[DELIVERY] ", log.LstdFlags),
		now:         time.Now,
	}
}

// Send relays an opaque payload from one container to another.
func (e *Engine) Send(ctx context.Context, from, to, payload string) (*Result, error) {
	exists, err := e.registry.Exists(ctx, to)
	if err != nil {
		return nil, fmt.Errorf("recipient lookup: %w", err)
	}
	if !exists {
		e.audit.Delivery(ctx, "", from, to, outcomeInvalidDest, len(payload))
		return nil, ErrUnknownRecipient
	}

	msg, err := e.messages.Create(ctx, from, to, payload)
	if err != nil {
		e.audit.Delivery(ctx, "", from, to, outcomeError, len(payload))
		return nil, fmt.Errorf("persist message: %w", err)
	}

	return e.deliver(ctx, msg), nil
}

// forwardEnvelope is the payload shape relayed on the capability path. The
// recipient decrypts and acts on it; the relay only fills the routing fields.
type forwardEnvelope struct {
	Type             string `json:"type"` // always capability_execution
	CapabilityID     string `json:"capabilityId"`
	CapabilityToken  string `json:"capabilityToken"`
	EncryptedPayload string `json:"encryptedPayload"`
	Nonce            string `json:"nonce,omitempty"`
	Signature        string `json:"signature,omitempty"`
	From             string `json:"from"`
	Timestamp        string `json:"timestamp"`
}

// ForwardRequest carries the capability-authorized variant of Send.
type ForwardRequest struct {
	From             string
	To               string
	CapabilityToken  string
	EncryptedPayload string
	Nonce            string
	Signature        string
}

// Forward verifies the capability token (signature and expiry; resource and
// scope stay opaque to the relay), checks revocation, and relays a
// capability_execution envelope. Rejections produce one relay-audit row and
// one mesh-audit event.
func (e *Engine) Forward(ctx context.Context, req *ForwardRequest) (*Result, error) {
	c := capability.Decode(req.CapabilityToken, e.now())
	if c == nil {
		e.audit.Delivery(ctx, "", req.From, req.To, outcomeInvalidCap, len(req.EncryptedPayload))
		e.audit.MeshEvent(ctx, eventCapabilityDenied, "", req.From, "malformed or expired capability token")
		return nil, ErrInvalidCapability
	}

	// Fail open: if the revocation backend is down the capability's own
	// signature and expiry still gate the forward.
	check := e.revocations.Check(ctx, c.ID)
	if check.Revoked {
		e.audit.Delivery(ctx, "", req.From, req.To, outcomeInvalidCap, len(req.EncryptedPayload))
		e.audit.MeshEvent(ctx, eventCapabilityDenied, c.ID, req.From, "capability revoked: "+check.Reason)
		return nil, ErrInvalidCapability
	}
	if check.Warning != "" {
		e.logger.Printf("revocation check degraded for %s: %s", c.ID, check.Warning)
	}

	envelope, err := json.Marshal(forwardEnvelope{
		Type:             "capability_execution",
		CapabilityID:     c.ID,
		CapabilityToken:  req.CapabilityToken,
		EncryptedPayload: req.EncryptedPayload,
		Nonce:            req.Nonce,
		Signature:        req.Signature,
		From:             req.From,
		Timestamp:        e.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("build envelope: %w", err)
	}

	res, err := e.Send(ctx, req.From, req.To, string(envelope))
	if err != nil {
		return nil, err
	}

	e.audit.MeshEvent(ctx, eventCapabilityUsed, c.ID, req.From, "forwarded to "+req.To)
	e.audit.MeshEvent(ctx, eventForwarded, c.ID, req.From, res.MessageID)
	return res, nil
}

// deliver walks the mode chain for a persisted message and writes exactly
// one relay-audit row for the outcome.
func (e *Engine) deliver(ctx context.Context, msg *message.Message) *Result {
	res := &Result{MessageID: msg.ID, Status: "queued"}

	// Live push. The row stays pending; only a client ack settles it, so a
	// crashed client replays the message on reconnect.
	if e.pusher.Push(msg.ToContainer, msg) {
		res.Status = "delivered"
		res.DeliveryMethod = MethodWebSocket
		e.audit.Delivery(ctx, msg.ID, msg.FromContainer, msg.ToContainer, outcomeWebSocket, msg.Size)
		return res
	}

	// Callback. A 2xx is a durable handoff, so the row flips to delivered.
	if url := e.callbackURL(ctx, msg.ToContainer); url != "" {
		err := e.forwarder.Deliver(ctx, url, callback.Delivery{
			MessageID: msg.ID,
			From:      msg.FromContainer,
			Payload:   msg.Payload,
			Timestamp: msg.CreatedAt,
		})
		if err == nil {
			if _, err := e.messages.MarkDelivered(ctx, msg.ID); err != nil {
				e.logger.Printf("mark delivered failed for %s: %v", msg.ID, err)
			}
			res.Status = "delivered"
			res.DeliveryMethod = MethodCallback
			e.audit.Delivery(ctx, msg.ID, msg.FromContainer, msg.ToContainer, outcomeCallback, msg.Size)
			return res
		}
		e.logger.Printf("callback delivery failed for %s: %v", msg.ID, err)
	}

	// Wake. Failures here never fail the request; the message is already
	// safely queued. A successful wake does not change the outcome: the row
	// is still queued, the response just notes the wake.
	state, err := e.agents.Status(ctx, msg.ToContainer)
	if err != nil {
		e.logger.Printf("status check failed for %s: %v", msg.ToContainer, err)
	}
	if state == agentclient.StateHibernated || state == agentclient.StateStopped {
		if err := e.agents.Wake(ctx, msg.ToContainer); err != nil {
			e.logger.Printf("wake failed for %s: %v", msg.ToContainer, err)
		} else {
			res.WakeTriggered = true
		}
	}

	e.audit.Delivery(ctx, msg.ID, msg.FromContainer, msg.ToContainer, outcomeQueued, msg.Size)
	return res
}

func (e *Engine) callbackURL(ctx context.Context, containerID string) string {
	url, err := e.registry.CallbackURL(ctx, containerID)
	if err != nil {
		e.logger.Printf("callback URL lookup failed for %s: %v", containerID, err)
		return ""
	}
	return url
}
