package monitoring

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

type HealthCheck struct {
	Name    string
	Check   func(ctx context.Context) error
	Timeout time.Duration
}

type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]string      `json:"checks"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func (s HealthStatus) Healthy() bool {
	return s.Status == "healthy"
}

// HealthChecker runs dependency checks on demand and reports process
// details alongside them.
type HealthChecker struct {
	started time.Time

	mu      sync.RWMutex
	checks  []HealthCheck
	details map[string]func() interface{}
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		started: time.Now(),
		details: make(map[string]func() interface{}),
	}
}

func (h *HealthChecker) AddCheck(name string, timeout time.Duration, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check, Timeout: timeout})
}

// AddDetail reports fn's value under name without affecting health.
func (h *HealthChecker) AddDetail(name string, fn func() interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.details[name] = fn
}

func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	details := make(map[string]func() interface{}, len(h.details))
	for k, v := range h.details {
		details[k] = v
	}
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Checks:    make(map[string]string, len(checks)),
	}

	for _, check := range checks {
		if err := runCheck(ctx, check); err != nil {
			status.Status = "unhealthy"
			status.Checks[check.Name] = err.Error()
		} else {
			status.Checks[check.Name] = "healthy"
		}
	}

	if len(details) > 0 {
		status.Details = make(map[string]interface{}, len(details))
		for name, fn := range details {
			status.Details[name] = fn()
		}
	}
	return status
}

func runCheck(ctx context.Context, check HealthCheck) error {
	if check.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, check.Timeout)
		defer cancel()
	}
	return check.Check(ctx)
}

// Handler answers 200 when every check passes and 503 otherwise.
func (h *HealthChecker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := h.CheckAll(c.Request.Context())
		code := http.StatusOK
		if !status.Healthy() {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	}
}
