package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hearthmail/gateway/internal/pkg/httputil"
	"github.com/hearthmail/gateway/internal/store"
)

// HealthStatus is the overall health report.
type HealthStatus struct {
	Status string                    `json:"status"` // "healthy", "degraded"
	Uptime string                    `json:"uptime"`
	Checks map[string]ComponentCheck `json:"checks"`
}

// ComponentCheck is the health of a single dependency.
type ComponentCheck struct {
	Status  string `json:"status"` // "up", "down", "not_configured"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthChecker probes the gateway's dependencies. Any dependency can
// be nil; the check reports "not_configured" for nil deps.
type HealthChecker struct {
	store     *store.MemStore
	redis     *redis.Client
	db        *sql.DB
	startTime time.Time
}

// NewHealthChecker creates the checker.
func NewHealthChecker(st *store.MemStore, rdb *redis.Client, db *sql.DB) *HealthChecker {
	return &HealthChecker{store: st, redis: rdb, db: db, startTime: time.Now()}
}

// HandleHealth reports component status. Always returns 200; the body
// conveys health so load balancers can distinguish degraded from down.
//
//	GET /health
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]ComponentCheck{
		"store": hc.checkStore(),
		"redis": hc.checkRedis(ctx),
		"db":    hc.checkDB(ctx),
	}

	overall := "healthy"
	for _, c := range checks {
		if c.Status == "down" {
			overall = "degraded"
		}
	}

	httputil.OK(w, HealthStatus{
		Status: overall,
		Uptime: time.Since(hc.startTime).Truncate(time.Second).String(),
		Checks: checks,
	})
}

func (hc *HealthChecker) checkStore() ComponentCheck {
	if hc.store == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	return ComponentCheck{
		Status:  "up",
		Message: fmt.Sprintf("%d/%d entries", hc.store.Size(), hc.store.Capacity()),
	}
}

func (hc *HealthChecker) checkRedis(ctx context.Context) ComponentCheck {
	if hc.redis == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	start := time.Now()
	if err := hc.redis.Ping(ctx).Err(); err != nil {
		return ComponentCheck{Status: "down", Message: err.Error()}
	}
	return ComponentCheck{Status: "up", Latency: time.Since(start).String()}
}

func (hc *HealthChecker) checkDB(ctx context.Context) ComponentCheck {
	if hc.db == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	start := time.Now()
	if err := hc.db.PingContext(ctx); err != nil {
		return ComponentCheck{Status: "down", Message: err.Error()}
	}
	return ComponentCheck{Status: "up", Latency: time.Since(start).String()}
}
