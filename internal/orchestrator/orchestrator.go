// Package orchestrator runs the per-message pipeline: accept, claim,
// analyze, decide, transform, resolve, deliver, evict. One background
// task per in-flight message; the store's claim is the exclusivity
// mechanism.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthmail/gateway/internal/analysis"
	"github.com/hearthmail/gateway/internal/email"
	"github.com/hearthmail/gateway/internal/outbound"
	"github.com/hearthmail/gateway/internal/pkg/logger"
	"github.com/hearthmail/gateway/internal/policy"
	"github.com/hearthmail/gateway/internal/shield"
	"github.com/hearthmail/gateway/internal/store"
	"github.com/hearthmail/gateway/internal/transform"
)

// Config tunes the pipeline's deadlines and block behavior.
type Config struct {
	AnalyzerTimeout time.Duration
	DrainTimeout    time.Duration
	// NotifyOnBlock sends the recipient a sender+subject notice when a
	// message is blocked. Off by default.
	NotifyOnBlock bool
}

// Orchestrator drives every accepted message to a terminal state.
type Orchestrator struct {
	store       *store.MemStore
	analyzer    analysis.Analyzer
	policy      policy.Policy
	transformer *transform.Transformer
	router      *shield.Router
	sender      outbound.Sender
	cfg         Config

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	accepted  atomic.Int64
	delivered atomic.Int64
	blocked   atomic.Int64
	failed    atomic.Int64
}

// New wires the pipeline. sender should already be wrapped with the
// retry policy.
func New(st *store.MemStore, analyzer analysis.Analyzer, pol policy.Policy, tr *transform.Transformer, router *shield.Router, sender outbound.Sender, cfg Config) *Orchestrator {
	if cfg.AnalyzerTimeout <= 0 {
		cfg.AnalyzerTimeout = 30 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:       st,
		analyzer:    analyzer,
		policy:      pol,
		transformer: tr,
		router:      router,
		sender:      sender,
		cfg:         cfg,
		rootCtx:     ctx,
		cancel:      cancel,
	}
}

// Accept validates and stores the message, then spawns its pipeline
// task. The call returns as soon as the entry is stored; callers must
// not infer anything about delivery from a nil error.
func (o *Orchestrator) Accept(ctx context.Context, e *email.EphemeralEmail) error {
	if o.rootCtx.Err() != nil {
		return fmt.Errorf("orchestrator shutting down")
	}
	if err := o.store.Put(e); err != nil {
		return err
	}
	o.accepted.Add(1)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.process(e.MessageID)
	}()
	return nil
}

// process runs one message's pipeline to a terminal state. The entry is
// always evicted on exit, whatever the outcome.
func (o *Orchestrator) process(messageID string) {
	if err := o.store.Claim(messageID); err != nil {
		if !errors.Is(err, store.ErrAlreadyClaimed) && !errors.Is(err, store.ErrNotFound) {
			log.Printf("[Orchestrator] Claim %s failed: %v", messageID, err)
		}
		return
	}
	defer o.evict(messageID)

	e, err := o.store.Get(messageID)
	if err != nil {
		log.Printf("[Orchestrator] Lost entry %s after claim: %v", messageID, err)
		return
	}

	if o.rootCtx.Err() != nil {
		o.fail(messageID, "cancelled")
		return
	}

	decision := o.analyzeAndDecide(e)
	if decision.Action == policy.BlockEntirely {
		o.blocked.Add(1)
		logger.Info("[Orchestrator] Message blocked",
			"message_id", messageID,
			"rationale", decision.Rationale,
		)
		o.notifyBlocked(e)
		o.complete(messageID)
		return
	}

	out, deliver := o.transformer.Transform(e, decision)
	if !deliver {
		// Only BlockEntirely drops, handled above.
		o.complete(messageID)
		return
	}

	route, err := o.router.Resolve(o.rootCtx, e.ShieldAddress)
	if err != nil {
		log.Printf("[Orchestrator] Shield resolution for %s failed: %v", messageID, err)
		o.fail(messageID, "unroutable")
		return
	}
	out.To = route.DeliveryAddress

	if err := o.store.UpdateState(messageID, email.StateDelivering); err != nil {
		log.Printf("[Orchestrator] State update for %s failed: %v", messageID, err)
		o.fail(messageID, "state")
		return
	}

	if o.rootCtx.Err() != nil {
		o.fail(messageID, "cancelled")
		return
	}

	outcome := o.sender.Send(o.rootCtx, out)
	if outcome.Status == outbound.Delivered {
		o.delivered.Add(1)
		logger.Info("[Orchestrator] Message delivered",
			"message_id", messageID,
			"action", string(decision.Action),
			"provider_id", outcome.ProviderID,
		)
		o.complete(messageID)
		return
	}
	log.Printf("[Orchestrator] Delivery of %s failed (%s): %s", messageID, outcome.Status, outcome.Reason)
	o.fail(messageID, outcome.Reason)
}

// analyzeAndDecide invokes the analyzer under its deadline. Timeouts
// and analyzer failures both fail open to ForwardWithContext.
func (o *Orchestrator) analyzeAndDecide(e *email.EphemeralEmail) policy.Decision {
	content := e.TextBody
	if content == "" {
		content = e.HTMLBody
	}

	ctx, cancel := context.WithTimeout(o.rootCtx, o.cfg.AnalyzerTimeout)
	defer cancel()

	result, err := o.analyzer.Analyze(ctx, content, e.FromAddress)
	if err != nil {
		log.Printf("[Orchestrator] Analysis unavailable for %s: %v", e.MessageID, err)
		return policy.DecideUnavailable()
	}
	return policy.Decide(result, o.policy)
}

// notifyBlocked optionally tells the recipient a message was withheld.
// The notice carries sender and subject only.
func (o *Orchestrator) notifyBlocked(e *email.EphemeralEmail) {
	if !o.cfg.NotifyOnBlock {
		return
	}
	route, err := o.router.Resolve(o.rootCtx, e.ShieldAddress)
	if err != nil {
		log.Printf("[Orchestrator] Block notice for %s unroutable: %v", e.MessageID, err)
		return
	}
	notice := o.transformer.BlockNotification(e)
	notice.To = route.DeliveryAddress
	if outcome := o.sender.Send(o.rootCtx, notice); outcome.Status != outbound.Delivered {
		log.Printf("[Orchestrator] Block notice for %s not delivered: %s", e.MessageID, outcome.Reason)
	}
}

func (o *Orchestrator) complete(messageID string) {
	if err := o.store.UpdateState(messageID, email.StateCompleted); err != nil {
		log.Printf("[Orchestrator] Completing %s: %v", messageID, err)
	}
}

func (o *Orchestrator) fail(messageID, reason string) {
	o.failed.Add(1)
	if err := o.store.UpdateState(messageID, email.StateFailed); err != nil {
		log.Printf("[Orchestrator] Failing %s (%s): %v", messageID, reason, err)
	}
}

func (o *Orchestrator) evict(messageID string) {
	if err := o.store.Evict(messageID); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("[Orchestrator] Evicting %s: %v", messageID, err)
	}
}

// Shutdown cancels in-flight tasks and waits for them to drain, up to
// the configured deadline. Tasks still running afterwards are abandoned
// for the reaper.
func (o *Orchestrator) Shutdown() {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Printf("[Orchestrator] All tasks drained")
	case <-time.After(o.cfg.DrainTimeout):
		log.Printf("[Orchestrator] Drain deadline reached, abandoning remaining tasks")
	}
}

// Stats reports pipeline counters for the operational endpoint.
func (o *Orchestrator) Stats() map[string]int64 {
	return map[string]int64{
		"accepted":  o.accepted.Load(),
		"delivered": o.delivered.Load(),
		"blocked":   o.blocked.Load(),
		"failed":    o.failed.Load(),
	}
}
