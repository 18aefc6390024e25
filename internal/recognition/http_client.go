package recognition

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

	"go.uber.org/zap"

	"github.com/example/ekyc/internal/logging"
)

const predictPath = "/run/predict"

// Options configures HTTPClient.
type Options struct {
	BaseURL        string
	Timeout        time.Duration
	ExtractFnIndex int
	CompareFnIndex int
	// FixedSessionHash, when set, replaces every per-session hash.
	FixedSessionHash string
	// ForwardDetails sends typed personal details instead of placeholders.
	ForwardDetails bool
}

// HTTPClient calls the hosted recognition service over its predict endpoint.
type HTTPClient struct {
	opts       Options
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

type predictRequest struct {
	Data        []string `json:"data"`
	EventData   any      `json:"event_data"`
	FnIndex     int      `json:"fn_index"`
	SessionHash string   `json:"session_hash"`
}

// NewHTTPClient creates a client for the service at opts.BaseURL.
func NewHTTPClient(opts Options, logger *zap.Logger) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &HTTPClient{
		opts:       opts,
		endpoint:   strings.TrimRight(opts.BaseURL, "/") + predictPath,
		httpClient: &http.Client{Timeout: opts.Timeout},
		logger:     logger.Named("recognition"),
	}
}

// Extract runs the document-parsing function. The nine text slots after the
// two images carry placeholders unless detail forwarding is enabled.
func (c *HTTPClient) Extract(ctx context.Context, sessionHash, front, back string, details *PersonalDetails) (*Response, error) {
	slots := Placeholders
	if c.opts.ForwardDetails && details != nil {
		slots = details.slots()
	}
	data := make([]string, 0, 2+len(slots))
	data = append(data, front, back)
	data = append(data, slots[:]...)
	return c.predict(ctx, "recognition.extract", c.opts.ExtractFnIndex, sessionHash, data)
}

// Compare runs the face-match function on the portrait and the live capture.
func (c *HTTPClient) Compare(ctx context.Context, sessionHash, portrait, live string) (*Response, error) {
	return c.predict(ctx, "recognition.compare", c.opts.CompareFnIndex, sessionHash, []string{portrait, live})
}

func (c *HTTPClient) predict(ctx context.Context, operation string, fnIndex int, sessionHash string, data []string) (*Response, error) {
	if c.opts.FixedSessionHash != "" {
		sessionHash = c.opts.FixedSessionHash
	}
	opLogger := logging.WithOperation(c.logger, operation, sessionHash)

	body, err := json.Marshal(predictRequest{Data: data, FnIndex: fnIndex, SessionHash: sessionHash})
	if err != nil {
		return nil, logging.NewOperationError(operation, sessionHash, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, logging.NewOperationError(operation, sessionHash, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := logging.NewOperationError(operation, sessionHash, logging.WithKind(logging.ErrService, err))
		opLogger.Error("recognition call failed", zap.Error(wrapped))
		return nil, wrapped
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		wrapped := logging.NewOperationError(operation, sessionHash,
			logging.WithKind(logging.ErrService, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))))
		opLogger.Error("recognition call rejected", zap.Error(wrapped), zap.Int("status", resp.StatusCode))
		return nil, wrapped
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		wrapped := logging.NewOperationError(operation, sessionHash,
			logging.WithKind(logging.ErrService, fmt.Errorf("decode response: %w", err)))
		opLogger.Error("recognition response malformed", zap.Error(wrapped))
		return nil, wrapped
	}
	if len(out.Data) == 0 {
		wrapped := logging.NewOperationError(operation, sessionHash,
			logging.WithKind(logging.ErrService, errors.New("response carried no data")))
		opLogger.Error("recognition response empty", zap.Error(wrapped))
		return nil, wrapped
	}

	opLogger.Info("recognition call completed",
		zap.Int("fn_index", fnIndex),
		zap.Int("fragments", len(out.Data)),
		zap.Duration("latency", time.Since(started)))
	return &out, nil
}
