package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ocmt/relay/internal/auth"
	"github.com/ocmt/relay/internal/delivery"
	"github.com/ocmt/relay/internal/metrics"
)

type sendRequest struct {
	ToContainerID string `json:"toContainerId"`
	Payload       string `json:"payload"`
}

type forwardRequest struct {
	ToContainerID    string `json:"toContainerId"`
	CapabilityToken  string `json:"capabilityToken"`
	EncryptedPayload string `json:"encryptedPayload"`
	Nonce            string `json:"nonce,omitempty"`
	Signature        string `json:"signature,omitempty"`
}

// rateLimitInfo mirrors the RateLimit-* headers into the response body.
type rateLimitInfo struct {
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	Reset     int64 `json:"reset"`
}

type sendResponse struct {
	*delivery.Result
	RateLimit *rateLimitInfo `json:"rateLimit,omitempty"`
}

func rateLimitFromHeaders(h http.Header) *rateLimitInfo {
	limit, err := strconv.Atoi(h.Get("RateLimit-Limit"))
	if err != nil {
		return nil
	}
	remaining, _ := strconv.Atoi(h.Get("RateLimit-Remaining"))
	reset, _ := strconv.ParseInt(h.Get("RateLimit-Reset"), 10, 64)
	return &rateLimitInfo{Limit: limit, Remaining: remaining, Reset: reset}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "body must be {toContainerId, payload}")
		return
	}
	if req.ToContainerID == "" || req.Payload == "" {
		badRequest(w, "toContainerId and payload are required")
		return
	}
	if len(req.Payload) > maxPayloadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "payload exceeds 1 MiB")
		return
	}

	res, err := s.engine.Send(r.Context(), auth.ContainerID(r), req.ToContainerID, req.Payload)
	if err != nil {
		s.sendError(w, err)
		return
	}
	metrics.MessagesTotal.WithLabelValues(res.Status).Inc()
	writeJSON(w, http.StatusOK, sendResponse{Result: res, RateLimit: rateLimitFromHeaders(w.Header())})
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	var req forwardRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "body must be {toContainerId, capabilityToken, encryptedPayload, nonce?, signature?}")
		return
	}
	if req.ToContainerID == "" || req.CapabilityToken == "" || req.EncryptedPayload == "" {
		badRequest(w, "toContainerId, capabilityToken and encryptedPayload are required")
		return
	}
	if len(req.EncryptedPayload) > maxPayloadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "encryptedPayload exceeds 1 MiB")
		return
	}

	res, err := s.engine.Forward(r.Context(), &delivery.ForwardRequest{
		From:             auth.ContainerID(r),
		To:               req.ToContainerID,
		CapabilityToken:  req.CapabilityToken,
		EncryptedPayload: req.EncryptedPayload,
		Nonce:            req.Nonce,
		Signature:        req.Signature,
	})
	if err != nil {
		s.sendError(w, err)
		return
	}
	metrics.MessagesTotal.WithLabelValues(res.Status).Inc()
	writeJSON(w, http.StatusOK, sendResponse{Result: res, RateLimit: rateLimitFromHeaders(w.Header())})
}

func (s *Server) sendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, delivery.ErrUnknownRecipient):
		notFound(w, "recipient container is not registered")
	case errors.Is(err, delivery.ErrInvalidCapability):
		// No distinction between malformed, expired, and revoked.
		writeError(w, http.StatusForbidden, "invalid_capability", "")
	default:
		s.logger.Printf("delivery failed: %v", err)
		internalError(w)
	}
}

type pendingMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Payload   string `json:"payload"`
	Size      int    `json:"size"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	containerID := auth.ContainerID(r)

	// ?ack=id1,id2 settles the previous batch in the same round trip.
	if ack := r.URL.Query().Get("ack"); ack != "" {
		ids := strings.Split(ack, ",")
		if len(ids) > ackBatchMax {
			badRequest(w, "ack accepts at most 100 ids")
			return
		}
		if _, err := s.messages.AckBatch(r.Context(), containerID, ids); err != nil {
			s.logger.Printf("inline ack failed for %s: %v", containerID, err)
			internalError(w)
			return
		}
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	msgs, err := s.messages.ListPending(r.Context(), containerID, limit)
	if err != nil {
		s.logger.Printf("list pending failed for %s: %v", containerID, err)
		internalError(w)
		return
	}

	out := make([]pendingMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, pendingMessage{
			ID:        m.ID,
			From:      m.FromContainer,
			Payload:   m.Payload,
			Size:      m.Size,
			Timestamp: m.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(out), "messages": out})
}

type ackRequest struct {
	MessageIDs []string `json:"messageIds"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "body must be {messageIds}")
		return
	}
	if len(req.MessageIDs) == 0 || len(req.MessageIDs) > ackBatchMax {
		badRequest(w, "messageIds must contain 1-100 ids")
		return
	}

	n, err := s.messages.AckBatch(r.Context(), auth.ContainerID(r), req.MessageIDs)
	if err != nil {
		s.logger.Printf("ack failed: %v", err)
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"acknowledged": n})
}
