// Package transport is the agent's typed client for the Stormcloud server.
// Every request is a JSON envelope carrying a request_type discriminator and
// credentials; uploads ride multipart with a streamed body. Transient
// failures are retried with exponential backoff; auth failures never are.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/stormcloudapp/stormcloud/internal/logging"
	"github.com/stormcloudapp/stormcloud/internal/scpath"
)

const (
	// StreamThreshold is the file size above which uploads switch to the
	// streaming multipart path.
	StreamThreshold = 200 << 20

	// RestoreChunkSize is the range-request chunk size for large restores.
	RestoreChunkSize = 16 << 20

	// SingleShotRestoreLimit is the largest file the server serves in one
	// non-chunked restore response.
	SingleShotRestoreLimit = 300 << 20

	controlTimeout  = 10 * time.Second
	defaultRetries  = 2
	initialBackoff  = time.Second
	requestEndpoint = "/api/request"
)

// Client talks to the server on behalf of one device.
type Client struct {
	baseURL string
	apiKey  string
	agentID string

	// control bounds the whole exchange at 10s and carries the small JSON
	// calls. stream bounds only connect and response headers; upload and
	// restore bodies take as long as they take.
	control *http.Client
	stream  *http.Client

	maxRetries uint64
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	AgentID    string
	MaxRetries int // negative means 0; zero means default (2)
}

// NewClient creates a transport client.
func NewClient(cfg Config) *Client {
	retries := uint64(defaultRetries)
	if cfg.MaxRetries > 0 {
		retries = uint64(cfg.MaxRetries)
	} else if cfg.MaxRetries < 0 {
		retries = 0
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: controlTimeout}).DialContext,
		TLSHandshakeTimeout:   controlTimeout,
		ResponseHeaderTimeout: controlTimeout,
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		agentID:    cfg.AgentID,
		control:    &http.Client{Timeout: controlTimeout, Transport: transport},
		stream:     &http.Client{Transport: transport},
		maxRetries: retries,
	}
}

// SetCredentials updates the api key and agent id, e.g. after registration.
func (c *Client) SetCredentials(apiKey, agentID string) {
	c.apiKey = apiKey
	c.agentID = agentID
}

// envelope is the common JSON request frame.
type envelope struct {
	RequestType string `json:"request_type"`
	APIKey      string `json:"api_key,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	FilePath    string `json:"file_path,omitempty"`
	VersionID   int    `json:"version_id,omitempty"`
}

// RestoreEntry is one pending restore delivered in a keepalive response.
// Size lets the agent choose between single-shot and chunked download.
type RestoreEntry struct {
	FilePath  string `json:"file_path"`
	VersionID int    `json:"version_id,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

// KeepaliveResult is the payload of a keepalive response.
type KeepaliveResult struct {
	RestoreQueue []RestoreEntry `json:"restore_queue"`
}

// Survey carries the device registration fields.
type Survey struct {
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`
	OSVersion  string `json:"os_version"`
	UserEmail  string `json:"user_email,omitempty"`
}

// RegisterResult is the payload of a successful registration.
type RegisterResult struct {
	SecretKey string `json:"secret_key"`
	AgentID   string `json:"agent_id"`
}

// Hello checks basic connectivity.
func (c *Client) Hello(ctx context.Context) error {
	_, err := c.roundTrip(ctx, "hello", envelope{RequestType: "hello", APIKey: c.apiKey})
	return err
}

// ValidateAPIKey verifies the configured key with the server.
func (c *Client) ValidateAPIKey(ctx context.Context) error {
	_, err := c.roundTrip(ctx, "validate_api_key", envelope{RequestType: "validate_api_key", APIKey: c.apiKey})
	return err
}

// RegisterDevice registers this device and returns its assigned identity.
func (c *Client) RegisterDevice(ctx context.Context, survey Survey) (RegisterResult, error) {
	req := struct {
		envelope
		Survey
	}{
		envelope: envelope{RequestType: "register_new_device", APIKey: c.apiKey},
		Survey:   survey,
	}

	body, err := c.roundTrip(ctx, "register_new_device", req)
	if err != nil {
		return RegisterResult{}, err
	}

	var res RegisterResult
	if err := json.Unmarshal(body, &res); err != nil {
		return RegisterResult{}, &Error{Kind: KindProtocol, Op: "register_new_device", Err: err}
	}
	if res.AgentID == "" {
		return RegisterResult{}, &Error{Kind: KindProtocol, Op: "register_new_device",
			Err: fmt.Errorf("response missing agent_id")}
	}
	return res, nil
}

// Keepalive reports liveness and fetches the pending restore queue.
func (c *Client) Keepalive(ctx context.Context) (KeepaliveResult, error) {
	body, err := c.roundTrip(ctx, "keepalive", envelope{
		RequestType: "keepalive", APIKey: c.apiKey, AgentID: c.agentID,
	})
	if err != nil {
		return KeepaliveResult{}, err
	}

	var res KeepaliveResult
	if err := json.Unmarshal(body, &res); err != nil {
		return KeepaliveResult{}, &Error{Kind: KindProtocol, Op: "keepalive", Err: err}
	}
	return res, nil
}

// QueueFileForRestore asks the server to enqueue a restore for path.
func (c *Client) QueueFileForRestore(ctx context.Context, path scpath.ClientPath, versionID int) error {
	_, err := c.roundTrip(ctx, "queue_file_for_restore", envelope{
		RequestType: "queue_file_for_restore", APIKey: c.apiKey, AgentID: c.agentID,
		FilePath: path.Base64(), VersionID: versionID,
	})
	return err
}

// MarkFileRestored acknowledges a completed restore so the server drops the
// queue entry.
func (c *Client) MarkFileRestored(ctx context.Context, path scpath.ClientPath) error {
	_, err := c.roundTrip(ctx, "mark_file_restored", envelope{
		RequestType: "mark_file_restored", APIKey: c.apiKey, AgentID: c.agentID,
		FilePath: path.Base64(),
	})
	return err
}

// roundTrip posts a JSON envelope on the control client and returns the raw
// success body, retrying transient failures with exponential backoff.
func (c *Client) roundTrip(ctx context.Context, op string, payload interface{}) ([]byte, error) {
	return c.roundTripOn(ctx, op, payload, c.control)
}

// roundTripOn is roundTrip over a chosen HTTP client. Calls whose response
// body can outlast the control timeout pass c.stream.
func (c *Client) roundTripOn(ctx context.Context, op string, payload interface{}, httpClient *http.Client) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Op: op, Err: err}
	}

	var body []byte
	err = c.withRetry(ctx, op, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+requestEndpoint, bytes.NewReader(data))
		if err != nil {
			return &Error{Kind: KindProtocol, Op: op, Err: err}
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := httpClient.Do(req)
		if err != nil {
			return &Error{Kind: KindTransient, Op: op, Err: err}
		}
		defer resp.Body.Close()

		body, err = c.readResponse(op, resp)
		return err
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// withRetry runs fn with the client's backoff policy. Only transient errors
// are retried; auth and protocol errors surface immediately.
func (c *Client) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(initialBackoff))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if KindOf(err) == KindTransient {
			logging.Debug("Retryable %s failure: %v", op, err)
			return retry.RetryableError(err)
		}
		return err
	})
}

// readResponse maps the HTTP status and body onto the typed error model and
// returns the body on success.
func (c *Client) readResponse(op string, resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: op, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &Error{Kind: KindAuth, Op: op, Err: fmt.Errorf("server rejected credentials: %s", errorMessage(body))}
	case resp.StatusCode >= 500:
		return nil, &Error{Kind: KindTransient, Op: op, Err: fmt.Errorf("server error %d: %s", resp.StatusCode, errorMessage(body))}
	default:
		return nil, &Error{Kind: KindProtocol, Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, errorMessage(body))}
	}
}

func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return string(body)
}
