// Package api is a thin client for the REST collaborator: room lists,
// history, message posting, call and stream bookkeeping, user search.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"linkup/internal/constants"
	apperrors "linkup/internal/errors"
	"linkup/internal/metrics"
	"linkup/internal/models"
	"linkup/internal/retry"
	"linkup/internal/security"
	"linkup/internal/tracing"
	"linkup/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Options configures a Client
type Options struct {
	BaseURL             string
	Timeout             time.Duration
	RetryAttempts       int
	MaxAttachmentSizeMB int
	BreakerMaxFailures  int
	BreakerReset        time.Duration
	HTTPClient          *http.Client
}

type Client struct {
	baseURL            string
	httpClient         *http.Client
	logger             *logrus.Logger
	breaker            *circuitbreaker.CircuitBreaker
	backoff            *retry.Backoff
	maxAttachmentBytes int64

	mu    sync.RWMutex
	token string
}

// NewClient creates a REST client. A nil logger gets a warn-level default.
func NewClient(opts Options, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Duration(constants.DefaultHTTPTimeoutSec) * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = constants.DefaultAPIRetryAttempts
	}
	if opts.MaxAttachmentSizeMB <= 0 {
		opts.MaxAttachmentSizeMB = constants.DefaultMaxAttachmentSizeMB
	}
	if opts.BreakerMaxFailures <= 0 {
		opts.BreakerMaxFailures = constants.DefaultBreakerMaxFailures
	}
	if opts.BreakerReset <= 0 {
		opts.BreakerReset = time.Duration(constants.DefaultBreakerResetTimeoutSec) * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	return &Client{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		breaker:    circuitbreaker.New("api", opts.BreakerMaxFailures, opts.BreakerReset, logger),
		backoff: retry.NewBackoff(retry.BackoffConfig{
			InitialDelay: time.Duration(constants.DefaultAPIRetryInitialMs) * time.Millisecond,
			MaxDelay:     time.Duration(constants.DefaultAPIRetryMaxMs) * time.Millisecond,
			Multiplier:   2,
			MaxAttempts:  opts.RetryAttempts,
			Jitter:       true,
			OnRetry: func(attempt int, err error, wait time.Duration) {
				metrics.IncrementCounter(metrics.APIRetries, nil)
				logger.WithError(err).WithFields(logrus.Fields{
					"attempt": attempt + 1,
					"wait_ms": wait.Milliseconds(),
				}).Debug("Retrying API request")
			},
		}),
		maxAttachmentBytes: int64(opts.MaxAttachmentSizeMB) * constants.BytesPerMegabyte,
	}
}

// SetToken sets the bearer credential used for every request
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// BreakerStats exposes the circuit breaker counters to the debug API
func (c *Client) BreakerStats() circuitbreaker.Stats {
	return c.breaker.Stats()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// requestBody builds a fresh body per attempt
type requestBody func() (io.Reader, string, error)

func jsonBody(v interface{}) requestBody {
	return func() (io.Reader, string, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal request: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

// do runs one API call through the circuit breaker. GETs are retried with
// backoff on retryable failures; everything else is attempted once.
func (c *Client) do(ctx context.Context, method, route, path string, body requestBody, out interface{}) error {
	call := func() error {
		var callErr error
		err := c.breaker.Execute(ctx, func(ctx context.Context) error {
			callErr = c.once(ctx, method, route, path, body, out)
			if callErr != nil && apperrors.IsRetryable(callErr) {
				return callErr
			}
			return nil
		})
		if err != nil && circuitbreaker.IsOpenError(err) {
			return apperrors.Wrap(err, apperrors.ErrCodeAPI, "API temporarily unavailable").
				WithContext("endpoint", route)
		}
		if err != nil {
			return err
		}
		return callErr
	}

	if method != http.MethodGet {
		return call()
	}
	return c.backoff.RetryIf(ctx, call, apperrors.IsRetryable)
}

func (c *Client) once(ctx context.Context, method, route, path string, body requestBody, out interface{}) error {
	ctx, span := tracing.StartSpan(ctx, "api "+method+" "+route,
		attribute.String("http.method", method),
		attribute.String("http.route", route),
	)
	defer span.End()

	var reader io.Reader
	var contentType string
	if body != nil {
		var err error
		if reader, contentType, err = body(); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.RecordTimer(metrics.APIRequestLatency, time.Since(start), map[string]string{"route": route})
	if err != nil {
		tracing.RecordError(ctx, err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.NewTransportError("api "+method+" "+route, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := apperrors.NewAPIError(route, resp.StatusCode,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
		tracing.RecordError(ctx, apiErr)
		c.logger.WithFields(logrus.Fields{
			"method": method,
			"route":  route,
			"status": resp.StatusCode,
		}).Debug("API request failed")
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeAPI, "failed to decode response").
			WithContext("endpoint", route)
	}
	return nil
}

// ListRooms returns the rooms the user belongs to
func (c *Client) ListRooms(ctx context.Context) ([]models.Room, error) {
	var rooms []models.Room
	if err := c.do(ctx, http.MethodGet, "/api/rooms", "/api/rooms", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// GetMessages returns the confirmed history of a room
func (c *Client) GetMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	var messages []models.Message
	path := "/api/rooms/" + url.PathEscape(roomID) + "/messages"
	if err := c.do(ctx, http.MethodGet, "/api/rooms/{id}/messages", path, nil, &messages); err != nil {
		return nil, err
	}
	for i := range messages {
		if messages[i].RoomID == "" {
			messages[i].RoomID = roomID
		}
	}
	return messages, nil
}

// GetCallHistory returns a room's call records
func (c *Client) GetCallHistory(ctx context.Context, roomID string) ([]models.CallRecord, error) {
	var records []models.CallRecord
	path := "/api/rooms/" + url.PathEscape(roomID) + "/calls"
	if err := c.do(ctx, http.MethodGet, "/api/rooms/{id}/calls", path, nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// PostMessageRequest is a chat message submitted over REST
type PostMessageRequest struct {
	CorrelationID string
	Content       string
	Attachment    *models.Attachment
}

// PostMessage submits a message as multipart form data and returns the
// confirmed message. It is never retried.
func (c *Client) PostMessage(ctx context.Context, roomID string, msg PostMessageRequest) (*models.Message, error) {
	if msg.CorrelationID == "" {
		return nil, apperrors.NewValidationError("correlation_id", "", "correlation id is required")
	}
	if msg.Attachment != nil && int64(len(msg.Attachment.Data)) > c.maxAttachmentBytes {
		return nil, apperrors.NewValidationError("attachment", msg.Attachment.FileName,
			fmt.Sprintf("attachment exceeds %d bytes", c.maxAttachmentBytes))
	}

	body := func() (io.Reader, string, error) {
		buf := &bytes.Buffer{}
		w := multipart.NewWriter(buf)
		if err := w.WriteField("content", msg.Content); err != nil {
			return nil, "", err
		}
		if err := w.WriteField("correlation_id", msg.CorrelationID); err != nil {
			return nil, "", err
		}
		if a := msg.Attachment; a != nil {
			h := make(textproto.MIMEHeader)
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachment"; filename="%s"`,
				security.SanitizeFileName(a.FileName)))
			h.Set("Content-Type", attachmentType(a))
			part, err := w.CreatePart(h)
			if err != nil {
				return nil, "", fmt.Errorf("failed to create attachment part: %w", err)
			}
			if _, err := part.Write(a.Data); err != nil {
				return nil, "", fmt.Errorf("failed to write attachment: %w", err)
			}
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return buf, w.FormDataContentType(), nil
	}

	var confirmed models.Message
	path := "/api/rooms/" + url.PathEscape(roomID) + "/messages"
	if err := c.do(ctx, http.MethodPost, "/api/rooms/{id}/messages", path, body, &confirmed); err != nil {
		return nil, err
	}
	if confirmed.RoomID == "" {
		confirmed.RoomID = roomID
	}
	if confirmed.CorrelationID == "" {
		confirmed.CorrelationID = msg.CorrelationID
	}
	return &confirmed, nil
}

// attachmentType prefers the declared type, then the file extension, then
// content sniffing
func attachmentType(a *models.Attachment) string {
	if a.ContentType != "" {
		return a.ContentType
	}
	if ct, ok := constants.AttachmentTypes[strings.ToLower(filepath.Ext(a.FileName))]; ok {
		return ct
	}
	if len(a.Data) == 0 {
		return constants.DefaultAttachmentType
	}
	return http.DetectContentType(a.Data)
}

// StartCallRequest registers an outgoing call
type StartCallRequest struct {
	CallID   string `json:"call_id"`
	RoomID   string `json:"room_id"`
	CalleeID string `json:"callee_id,omitempty"`
}

// StartCall records a new outgoing call
func (c *Client) StartCall(ctx context.Context, req StartCallRequest) error {
	return c.do(ctx, http.MethodPost, "/api/calls", "/api/calls", jsonBody(req), nil)
}

// EndCall records the outcome of a call
func (c *Client) EndCall(ctx context.Context, callID string, status models.CallStatus, durationSec int) error {
	payload := map[string]interface{}{
		"call_status": string(status),
		"duration":    durationSec,
	}
	path := "/api/calls/" + url.PathEscape(callID) + "/end"
	return c.do(ctx, http.MethodPost, "/api/calls/{id}/end", path, jsonBody(payload), nil)
}

func (c *Client) streamAction(ctx context.Context, streamID, action string, out interface{}) error {
	path := "/api/streams/" + url.PathEscape(streamID) + "/" + action
	return c.do(ctx, http.MethodPost, "/api/streams/{id}/"+action, path, jsonBody(struct{}{}), out)
}

// StartStream announces a broadcast going live
func (c *Client) StartStream(ctx context.Context, streamID string) (*models.StreamInfo, error) {
	var info models.StreamInfo
	if err := c.streamAction(ctx, streamID, "start", &info); err != nil {
		return nil, err
	}
	if info.ID == "" {
		info.ID = streamID
	}
	return &info, nil
}

// EndStream announces the end of a broadcast
func (c *Client) EndStream(ctx context.Context, streamID string) error {
	return c.streamAction(ctx, streamID, "end", nil)
}

// JoinStream registers the user as a viewer
func (c *Client) JoinStream(ctx context.Context, streamID string) (*models.StreamInfo, error) {
	var info models.StreamInfo
	if err := c.streamAction(ctx, streamID, "join", &info); err != nil {
		return nil, err
	}
	if info.ID == "" {
		info.ID = streamID
	}
	return &info, nil
}

// LeaveStream removes the user from a broadcast's viewers
func (c *Client) LeaveStream(ctx context.Context, streamID string) error {
	return c.streamAction(ctx, streamID, "leave", nil)
}

// SearchUsers queries the user directory
func (c *Client) SearchUsers(ctx context.Context, query string, limit int) ([]models.User, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperrors.NewValidationError("q", query, "search query is required")
	}
	if limit <= 0 {
		limit = constants.DefaultUserSearchLimit
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("limit", strconv.Itoa(limit))

	var users []models.User
	if err := c.do(ctx, http.MethodGet, "/api/users/search", "/api/users/search?"+q.Encode(), nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}
