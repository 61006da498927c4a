package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/protocol"
)

var (
	// ErrCookieMismatch means the server no longer recognises this process's
	// cookie; the agent must ping again before asking for work.
	ErrCookieMismatch   = errors.New("server rejected agent cookie")
	ErrIdentityRejected = errors.New("server rejected agent identity")
)

const defaultRequestTimeout = 30 * time.Second

// StatusError is a non-2xx protocol response.
type StatusError struct {
	Call       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed (HTTP %d): %s", e.Call, e.StatusCode, e.Message)
}

// Client speaks the agent remoting protocol over HTTP.
type Client struct {
	baseURL    string
	agentUUID  string
	httpClient *http.Client
}

func NewClient(baseURL, agentUUID string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		agentUUID:  agentUUID,
		httpClient: httpClient,
	}
}

func (c *Client) Ping(ctx context.Context, info protocol.AgentRuntimeInfo) (protocol.AgentInstruction, error) {
	var instruction protocol.AgentInstruction
	err := c.call(ctx, "ping", protocol.PingRequest{RuntimeInfo: info}, &instruction)
	return instruction, err
}

func (c *Client) GetCookie(ctx context.Context, info protocol.AgentRuntimeInfo) (string, error) {
	var resp protocol.GetCookieResponse
	if err := c.call(ctx, "get_cookie", protocol.GetCookieRequest{RuntimeInfo: info}, &resp); err != nil {
		return "", err
	}
	return resp.Cookie, nil
}

func (c *Client) GetWork(ctx context.Context, info protocol.AgentRuntimeInfo) (protocol.Work, error) {
	var envelope protocol.WorkEnvelope
	if err := c.call(ctx, "get_work", protocol.GetWorkRequest{RuntimeInfo: info}, &envelope); err != nil {
		return nil, err
	}
	return envelope.Work()
}

func (c *Client) IsIgnored(ctx context.Context, info protocol.AgentRuntimeInfo, job protocol.JobIdentifier) (bool, error) {
	var resp protocol.IsIgnoredResponse
	if err := c.call(ctx, "is_ignored", protocol.IsIgnoredRequest{RuntimeInfo: info, Job: job}, &resp); err != nil {
		return false, err
	}
	return resp.Ignored, nil
}

func (c *Client) ReportCurrentStatus(ctx context.Context, info protocol.AgentRuntimeInfo, job protocol.JobIdentifier, state protocol.JobState) error {
	return c.call(ctx, "report_current_status", protocol.ReportStatusRequest{RuntimeInfo: info, Job: job, State: state}, nil)
}

func (c *Client) ReportCompleting(ctx context.Context, info protocol.AgentRuntimeInfo, job protocol.JobIdentifier, result protocol.JobResult) error {
	return c.call(ctx, "report_completing", protocol.ReportResultRequest{RuntimeInfo: info, Job: job, Result: result}, nil)
}

func (c *Client) ReportCompleted(ctx context.Context, info protocol.AgentRuntimeInfo, job protocol.JobIdentifier, result protocol.JobResult) error {
	return c.call(ctx, "report_completed", protocol.ReportResultRequest{RuntimeInfo: info, Job: job, Result: result}, nil)
}

func (c *Client) call(ctx context.Context, name string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/remoting/api/agent/"+name, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(protocol.AgentGUIDHeader, c.agentUUID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", name, err)
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return ErrCookieMismatch
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrIdentityRejected, errorMessage(data))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &StatusError{Call: name, StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", name, err)
	}
	return nil
}

func errorMessage(data []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}
