// Package agentclient talks to the container orchestrator: it reports
// whether a recipient is running and wakes hibernated containers so a queued
// message eventually lands.
package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

// Container lifecycle states the orchestrator reports.
const (
	StateRunning    = "running"
	StateHibernated = "hibernated"
	StateStopped    = "stopped"
	StateUnknown    = "unknown"
)

// Client calls the orchestrator's internal API. Status checks get a short
// timeout because they sit on the delivery path; wakes are slow by nature
// (a container may take tens of seconds to come up).
type Client struct {
	baseURL     string
	authToken   string
	statusHTTP  *http.Client
	wakeHTTP    *http.Client
	logger      *log.Logger
}

func New(baseURL, authToken string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authToken:  authToken,
		statusHTTP: &http.Client{Timeout: 5 * time.Second},
		wakeHTTP:   &http.Client{Timeout: 30 * time.Second},
		logger:     log.New(log.Writer(), "[AGENT] ", log.LstdFlags),
	}
}

type statusResponse struct {
	Status string `json:"status"`
}

// Status returns the container's lifecycle state. Errors degrade to
// StateUnknown with the error attached; the delivery engine treats unknown
// as "leave the message queued".
func (c *Client) Status(ctx context.Context, containerID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/containers/%s/status", c.baseURL, containerID), nil)
	if err != nil {
		return StateUnknown, err
	}
	req.Header.Set("X-Auth-Token", c.authToken)

	resp, err := c.statusHTTP.Do(req)
	if err != nil {
		return StateUnknown, fmt.Errorf("container status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return StateUnknown, fmt.Errorf("container %s not found", containerID)
	}
	if resp.StatusCode != http.StatusOK {
		return StateUnknown, fmt.Errorf("container status: unexpected %d", resp.StatusCode)
	}

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return StateUnknown, fmt.Errorf("container status: decode: %w", err)
	}
	return body.Status, nil
}

// Wake asks the orchestrator to start a hibernated or stopped container.
// Fire-and-forget from the delivery engine's point of view: the queued
// message is picked up when the container reconnects and polls.
func (c *Client) Wake(ctx context.Context, containerID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/containers/%s/wake", c.baseURL, containerID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Auth-Token", c.authToken)

	resp, err := c.wakeHTTP.Do(req)
	if err != nil {
		return fmt.Errorf("wake container: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("wake container: unexpected %d", resp.StatusCode)
	}
	c.logger.Printf("Wake requested for container %s", containerID)
	return nil
}
