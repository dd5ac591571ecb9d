package oracle

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

	"github.com/ent0n29/planner/internal/attention"
	"github.com/ent0n29/planner/internal/queue"
	"github.com/ent0n29/planner/internal/reliability"
	"github.com/ent0n29/planner/internal/tree"
)

// StatusError is returned for non-2xx oracle responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("oracle http status %d: %s", e.Code, e.Body)
}

// ErrTransport marks a request that never got an HTTP response.
var ErrTransport = errors.New("oracle transport failure")

// HTTPClient calls a remote oracle service that exposes one JSON endpoint per
// capability under a base URL.
type HTTPClient struct {
	baseURL     string
	client      *http.Client
	retries     int
	backoffBase time.Duration
	backoffCap  time.Duration
	logger      *zap.Logger
}

func NewHTTPClient(baseURL string, timeout time.Duration, retries int, logger *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL:     strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:      &http.Client{Timeout: timeout},
		retries:     retries,
		backoffBase: 200 * time.Millisecond,
		backoffCap:  2 * time.Second,
		logger:      logger,
	}
}

func (c *HTTPClient) Decompose(ctx context.Context, req DecomposeRequest) ([]tree.Proposal, error) {
	var out struct {
		Children []tree.Proposal `json:"children"`
	}
	if err := c.post(ctx, "/decompose", req, &out); err != nil {
		return nil, err
	}
	return out.Children, nil
}

func (c *HTTPClient) AssessSwitch(ctx context.Context, current, candidate queue.Task, focus attention.Focus) (Assessment, error) {
	payload := map[string]any{
		"current":   current,
		"candidate": candidate,
		"focus":     focus,
	}
	var out Assessment
	if err := c.post(ctx, "/continuity", payload, &out); err != nil {
		return Assessment{}, err
	}
	return out, nil
}

func (c *HTTPClient) ConfirmationText(ctx context.Context, current, candidate queue.Task, requestText string) (string, error) {
	payload := map[string]any{
		"current_task": current,
		"new_task":     candidate,
		"request_text": requestText,
		"urgency":      candidate.Urgency,
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := c.post(ctx, "/confirmation", payload, &out); err != nil {
		return "", err
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", errors.New("oracle returned empty confirmation text")
	}
	return text, nil
}

func (c *HTTPClient) Interpret(ctx context.Context, userText string) (Interpretation, error) {
	var out Interpretation
	if err := c.post(ctx, "/interpret", map[string]string{"text": userText}, &out); err != nil {
		return Interpretation{}, err
	}
	return out, nil
}

func (c *HTTPClient) DecomposeSteps(ctx context.Context, task queue.Task) ([]StepProposal, error) {
	var out struct {
		Steps []StepProposal `json:"steps"`
	}
	if err := c.post(ctx, "/steps", task, &out); err != nil {
		return nil, err
	}
	return out.Steps, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	policy := reliability.Policy{
		Retries: c.retries,
		Base:    c.backoffBase,
		Cap:     c.backoffCap,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			c.logger.Debug("retrying oracle call",
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		},
	}
	return reliability.Retry(ctx, policy, retryable, func(ctx context.Context) error {
		return c.do(ctx, path, payload, out)
	})
}

func (c *HTTPClient) do(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w: %w", ErrTransport, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return reliability.IsRetryableHTTPStatus(se.Code)
	}
	return errors.Is(err, ErrTransport)
}
