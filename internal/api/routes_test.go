package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthmail/gateway/internal/analysis"
	"github.com/hearthmail/gateway/internal/email"
	"github.com/hearthmail/gateway/internal/inbound"
	"github.com/hearthmail/gateway/internal/orchestrator"
	"github.com/hearthmail/gateway/internal/outbound"
	"github.com/hearthmail/gateway/internal/policy"
	"github.com/hearthmail/gateway/internal/shield"
	"github.com/hearthmail/gateway/internal/store"
	"github.com/hearthmail/gateway/internal/transform"
	"github.com/hearthmail/gateway/internal/webhook"
)

type dropSender struct{}

func (dropSender) Send(ctx context.Context, msg *email.OutboundMessage) outbound.Outcome {
	return outbound.Outcome{Status: outbound.Delivered}
}

func testServer(t *testing.T) *httptest.Server {
	t.Helper()

	st := store.New(10)
	resolver := shield.NewStaticResolver()
	router := shield.NewRouter([]string{"shield.tld"}, resolver)
	orch := orchestrator.New(st, analysis.NewMockAnalyzer(nil), policy.DefaultPolicy(),
		transform.New("shield@shield.tld"), router, dropSender{}, orchestrator.Config{})
	t.Cleanup(orch.Shutdown)

	v := webhook.NewValidator("0123456789abcdef0123456789abcdef", webhook.DefaultMaxAge, nil)
	webhooks := inbound.NewWebhookHandler(map[string]*webhook.Validator{"generic": v}, router, orch, 5*time.Minute, 1<<20, 60)

	health := NewHealthChecker(st, nil, nil)
	routes := SetupRoutes(health, webhooks, orch, st, nil, nil)
	srv := httptest.NewServer(routes)
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "up", status.Checks["store"].Status)
	assert.Equal(t, "not_configured", status.Checks["redis"].Status)
}

func TestStatsEndpoint(t *testing.T) {
	srv := testServer(t)

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats struct {
		Pipeline map[string]int64 `json:"pipeline"`
		Store    map[string]int64 `json:"store"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Contains(t, stats.Pipeline, "accepted")
	assert.Contains(t, stats.Store, "size")
}

func TestUnknownRouteIs404(t *testing.T) {
	srv := testServer(t)
	resp, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
