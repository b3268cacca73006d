package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/autosave/internal/autosave"
	"github.com/tonimelisma/autosave/internal/entity"
)

// Retry and backoff constants for reads. Saves are never retried here: the
// autosave scheduler owns save retries.
const (
	defaultLoadRetries = 3
	baseBackoff        = 500 * time.Millisecond
	maxBackoff         = 10 * time.Second
	maxResponseBytes   = 32 << 20
	defaultUserAgent   = "autosave/0.1"
)

var _ autosave.Gateway = (*Client)(nil)

// Client is the HTTP Gateway. It handles request construction, request
// IDs, retry of idempotent reads, and classification of every failure as
// conflict, transient, or fatal.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	logger      *slog.Logger
	userAgent   string
	loadRetries int
	loadBackoff autosave.Backoff

	// sleepFunc is called to wait between retries. Tests override this to
	// avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
	// newRequestID generates the X-Request-ID of each request.
	newRequestID func() string
}

// NewClient creates a Client for the server at baseURL.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger, userAgent string) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   httpClient,
		logger:       logger,
		userAgent:    userAgent,
		loadRetries:  defaultLoadRetries,
		loadBackoff:  autosave.NewBackoff(baseBackoff, maxBackoff),
		sleepFunc:    timeSleep,
		newRequestID: uuid.NewString,
	}
}

// Load fetches every entity of scope.
func (c *Client) Load(ctx context.Context, scope autosave.Scope) ([]entity.Entity, error) {
	path := PathEntities + "?owner=" + url.QueryEscape(scope.Owner)

	body, _, err := c.do(ctx, http.MethodGet, path, nil, c.loadRetries, nil)
	if err != nil {
		return nil, err
	}

	var list ListResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, &entity.FatalError{Op: "load", Err: fmt.Errorf("decoding entity list: %w", err)}
	}

	for _, e := range list.Entities {
		if err := e.Validate(); err != nil {
			return nil, &entity.FatalError{Op: "load", Err: err}
		}
	}

	return list.Entities, nil
}

// SaveBatch posts entities in one request. A 409 response is not an error:
// its conflicts are returned per entity next to the entities the server
// accepted.
func (c *Client) SaveBatch(ctx context.Context, entities []entity.Entity) (autosave.BatchResult, error) {
	payload, err := json.Marshal(BatchRequest{Entities: entities})
	if err != nil {
		return autosave.BatchResult{}, &entity.FatalError{Op: "save batch", Err: fmt.Errorf("encoding request: %w", err)}
	}

	body, status, err := c.do(ctx, http.MethodPost, PathBatch, payload, 0, map[int]bool{http.StatusConflict: true})
	if err != nil {
		return autosave.BatchResult{}, err
	}

	var resp BatchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return autosave.BatchResult{}, &entity.FatalError{
			Op:  "save batch",
			Err: fmt.Errorf("decoding HTTP %d response: %w", status, err),
		}
	}

	if status == http.StatusConflict && len(resp.Conflicts) == 0 {
		return autosave.BatchResult{}, &entity.FatalError{
			Op:  "save batch",
			Err: errors.New("HTTP 409 without conflicts"),
		}
	}

	sent := make(map[entity.Key]entity.Entity, len(entities))
	for _, e := range entities {
		sent[e.Key] = e
	}

	result := autosave.BatchResult{Accepted: resp.Accepted}

	for _, wc := range resp.Conflicts {
		ce := &entity.ConflictError{
			Key:           wc.Key,
			ServerFields:  wc.ServerFields,
			ServerVersion: wc.ServerVersion,
		}

		if s, ok := sent[wc.Key]; ok {
			ce.AttemptedFields = s.Fields.Clone()
			ce.AttemptedVersion = s.Version
		}

		result.Conflicts = append(result.Conflicts, ce)
	}

	c.logger.Debug("batch saved",
		slog.Int("sent", len(entities)),
		slog.Int("accepted", len(result.Accepted)),
		slog.Int("conflicts", len(result.Conflicts)),
	)

	return result, nil
}

// SaveOne saves a single entity as a batch of one.
func (c *Client) SaveOne(ctx context.Context, e entity.Entity) (entity.Entity, error) {
	result, err := c.SaveBatch(ctx, []entity.Entity{e})
	if err != nil {
		return entity.Entity{}, err
	}

	if len(result.Conflicts) > 0 {
		return entity.Entity{}, result.Conflicts[0]
	}

	if len(result.Accepted) != 1 {
		return entity.Entity{}, &entity.FatalError{
			Op:  "save",
			Err: fmt.Errorf("expected 1 accepted entity, got %d", len(result.Accepted)),
		}
	}

	return result.Accepted[0], nil
}

// Health checks that the server answers.
func (c *Client) Health(ctx context.Context) error {
	_, _, err := c.do(ctx, http.MethodGet, PathHealth, nil, 0, nil)
	return err
}

// do executes a request, retrying transient failures up to retries times,
// and returns the response body of a 2xx response or of a status listed in
// accept. Failures are returned as *entity.TransientError or
// *entity.FatalError wrapping an *HTTPError where one exists.
func (c *Client) do(
	ctx context.Context, method, path string, payload []byte, retries int, accept map[int]bool,
) ([]byte, int, error) {
	op := method + " " + path

	var attempt int

	for {
		reqID := c.newRequestID()

		body, status, err := c.doOnce(ctx, method, c.baseURL+path, payload, reqID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, &entity.TransientError{Op: op, Err: fmt.Errorf("request canceled: %w", ctx.Err())}
			}

			if attempt < retries {
				if sleepErr := c.backoff(ctx, op, attempt, 0, err); sleepErr != nil {
					return nil, 0, &entity.TransientError{Op: op, Err: sleepErr}
				}

				attempt++

				continue
			}

			return nil, 0, &entity.TransientError{Op: op, Err: err}
		}

		if (status >= http.StatusOK && status < http.StatusMultipleChoices) || accept[status] {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", status),
				slog.String("request_id", reqID),
			)

			return body, status, nil
		}

		httpErr := &HTTPError{
			StatusCode: status,
			RequestID:  reqID,
			Message:    errorMessage(body),
			Err:        classifyStatus(status),
		}

		if isRetryable(status) {
			if attempt < retries {
				if sleepErr := c.backoff(ctx, op, attempt, status, httpErr); sleepErr != nil {
					return nil, 0, &entity.TransientError{Op: op, Err: sleepErr}
				}

				attempt++

				continue
			}

			return nil, status, &entity.TransientError{Op: op, Err: httpErr}
		}

		return nil, status, &entity.FatalError{Op: op, Err: httpErr}
	}
}

// doOnce executes a single HTTP request (no retry) and reads its body.
func (c *Client) doOnce(ctx context.Context, method, target string, payload []byte, reqID string) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderRequest, reqID)

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response body: %w", err)
	}

	return data, resp.StatusCode, nil
}

func (c *Client) backoff(ctx context.Context, op string, attempt, status int, cause error) error {
	d := c.loadBackoff.Delay(attempt)

	c.logger.Warn("retrying request",
		slog.String("op", op),
		slog.Int("status", status),
		slog.Int("attempt", attempt+1),
		slog.Duration("backoff", d),
		slog.String("error", cause.Error()),
	)

	return c.sleepFunc(ctx, d)
}

// errorMessage extracts the error text of an ErrorResponse body, falling
// back to the raw body.
func errorMessage(body []byte) string {
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		return er.Error
	}

	const maxMessage = 512
	if len(body) > maxMessage {
		return string(body[:maxMessage]) + "… (" + strconv.Itoa(len(body)) + " bytes)"
	}

	return string(body)
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
