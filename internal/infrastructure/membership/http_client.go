package membership

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/circuitbreaker"
	"meshcall/pkg/config"
	"meshcall/pkg/retry"
	"meshcall/pkg/tracing"
	"meshcall/pkg/utils"

	"go.uber.org/zap"
)

// StatusError is a non-2xx answer from the membership API.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("membership api: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("membership api: %d", e.StatusCode)
}

// Temporary reports whether the same request may succeed later.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// transient separates outages from answers. Context errors are final.
func transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Temporary()
	}
	return !errors.Is(err, circuitbreaker.ErrOpen)
}

type ClientConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	Retry          retry.Config
	Breaker        circuitbreaker.Config
}

func ClientConfigFromSettings(cfg *config.Config) ClientConfig {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.Client.RetryAttempts
	rc.Enabled = cfg.Client.RetryAttempts > 0
	return ClientConfig{
		BaseURL:        cfg.Client.MembershipURL,
		RequestTimeout: cfg.Client.RequestTimeout,
		Retry:          rc,
		Breaker:        circuitbreaker.DefaultConfig(),
	}
}

// HTTPClient talks to the room membership API. It remembers the last
// successful join and acts for that participant on Leave and screen shares.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	current *domain.JoinResult
}

var _ ports.RoomMembershipService = (*HTTPClient)(nil)

func NewHTTPClient(cfg ClientConfig, logger *zap.SugaredLogger) *HTTPClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	rc := cfg.Retry
	rc.Retryable = transient
	bc := cfg.Breaker
	bc.IsFailure = transient

	breaker := circuitbreaker.New(bc)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("membership circuit breaker state changed", "from", from.String(), "to", to.String())
	})

	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		retry:   rc,
		breaker: breaker,
		logger:  logger,
	}
}

type joinRequest struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Handle        string               `json:"handle"`
}

// Join registers a new participant. The id is chosen here so a retried
// request cannot register a second member behind our back.
func (c *HTTPClient) Join(ctx context.Context, roomID domain.RoomID, handle string) (domain.JoinResult, error) {
	ctx, span := tracing.TraceMembership(ctx, "http_join", string(roomID))
	defer span.End()

	req := joinRequest{ParticipantID: utils.GenerateParticipantID(), Handle: handle}
	var result domain.JoinResult
	if err := c.call(ctx, http.MethodPost, roomPath(roomID, "join"), "", req, &result); err != nil {
		tracing.RecordError(ctx, err)
		var status *StatusError
		if errors.As(err, &status) && status.StatusCode < http.StatusInternalServerError {
			return domain.JoinResult{}, fmt.Errorf("%w: %v", domain.ErrJoinRejected, err)
		}
		return domain.JoinResult{}, err
	}
	if !result.Joined || result.Ticket == "" {
		return result, fmt.Errorf("join %s: %w", roomID, domain.ErrJoinRejected)
	}

	c.mu.Lock()
	c.current = &result
	c.mu.Unlock()
	c.logger.Infow("joined via membership api", "room_id", result.RoomID, "participant_id", result.ParticipantID)
	return result, nil
}

// Leave ends the current membership. Without one it reports false.
func (c *HTTPClient) Leave(ctx context.Context) (bool, error) {
	current := c.joined()
	if current == nil {
		return false, nil
	}
	ctx, span := tracing.TraceMembership(ctx, "http_leave", string(current.RoomID))
	defer span.End()

	var resp struct {
		Left bool `json:"left"`
	}
	err := c.call(ctx, http.MethodPost, roomPath(current.RoomID, "leave"), current.Ticket, nil, &resp)
	if err != nil && transient(err) {
		// Keep the ticket so the caller can try again.
		tracing.RecordError(ctx, err)
		return false, err
	}

	c.mu.Lock()
	if c.current == current {
		c.current = nil
	}
	c.mu.Unlock()

	if err != nil {
		var status *StatusError
		if errors.As(err, &status) && status.StatusCode == http.StatusUnauthorized {
			// The ticket outlived the membership.
			return false, nil
		}
		return false, err
	}
	return resp.Left, nil
}

func (c *HTTPClient) ListMembers(ctx context.Context, roomID domain.RoomID) ([]domain.Member, error) {
	ctx, span := tracing.TraceMembership(ctx, "http_list_members", string(roomID))
	defer span.End()

	var resp struct {
		Members []domain.Member `json:"members"`
	}
	if err := c.call(ctx, http.MethodGet, roomPath(roomID, "members"), "", nil, &resp); err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	if resp.Members == nil {
		resp.Members = []domain.Member{}
	}
	return resp.Members, nil
}

func (c *HTTPClient) StartScreenShare(ctx context.Context, roomID domain.RoomID) (domain.ShareID, error) {
	current, err := c.joinedTo(roomID)
	if err != nil {
		return "", err
	}
	ctx, span := tracing.TraceMembership(ctx, "http_start_screen_share", string(roomID))
	defer span.End()

	var resp struct {
		ShareID domain.ShareID `json:"share_id"`
	}
	if err := c.call(ctx, http.MethodPost, roomPath(roomID, "screen-shares"), current.Ticket, nil, &resp); err != nil {
		tracing.RecordError(ctx, err)
		return "", mapStatus(err)
	}
	return resp.ShareID, nil
}

func (c *HTTPClient) StopScreenShare(ctx context.Context, roomID domain.RoomID, shareID domain.ShareID) error {
	current, err := c.joinedTo(roomID)
	if err != nil {
		return err
	}
	ctx, span := tracing.TraceMembership(ctx, "http_stop_screen_share", string(roomID))
	defer span.End()

	path := roomPath(roomID, "screen-shares", string(shareID))
	if err := c.call(ctx, http.MethodDelete, path, current.Ticket, nil, nil); err != nil {
		tracing.RecordError(ctx, err)
		var status *StatusError
		if errors.As(err, &status) && status.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%s: %w", shareID, domain.ErrShareNotFound)
		}
		return mapStatus(err)
	}
	return nil
}

func (c *HTTPClient) joined() *domain.JoinResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *HTTPClient) joinedTo(roomID domain.RoomID) (*domain.JoinResult, error) {
	current := c.joined()
	if current == nil || current.RoomID != roomID {
		return nil, domain.ErrNotInRoom
	}
	return current, nil
}

// mapStatus turns API answers the caller can act on into domain errors.
func mapStatus(err error) error {
	var status *StatusError
	if !errors.As(err, &status) {
		return err
	}
	switch status.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %v", domain.ErrInvalidTicket, err)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %v", domain.ErrNotInRoom, err)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", domain.ErrParticipantNotFound, err)
	}
	return err
}

// call sends one API request through the retry policy and the breaker and
// decodes a JSON answer into out when out is non-nil.
func (c *HTTPClient) call(ctx context.Context, method, path, ticket string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	return retry.Retry(ctx, c.retry, func() error {
		return c.breaker.Execute(ctx, func() error {
			return c.roundTrip(ctx, method, path, ticket, payload, out)
		})
	})
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, path, ticket string, payload []byte, out interface{}) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ticket != "" {
		req.Header.Set("Authorization", "Bearer "+ticket)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debugw("membership request failed", "method", method, "path", path, "error", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		status := &StatusError{StatusCode: resp.StatusCode}
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr) == nil {
			status.Code, status.Message = apiErr.Error, apiErr.Message
		}
		return status
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func roomPath(roomID domain.RoomID, parts ...string) string {
	segments := append([]string{"/api/v1/rooms", url.PathEscape(string(roomID))}, parts...)
	for i := 2; i < len(segments); i++ {
		segments[i] = url.PathEscape(segments[i])
	}
	return strings.Join(segments, "/")
}
