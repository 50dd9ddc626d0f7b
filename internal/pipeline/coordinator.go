// Package pipeline drives a transaction through window update, feature
// computation, rule evaluation, model scoring and emission, preserving
// per-account arrival order.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/reference"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/window"
)

// States a transaction moves through. Failed is terminal and reachable
// from any state.
const (
	StateReceived         = "received"
	StateWindowUpdated    = "window_updated"
	StateFeaturesComputed = "features_computed"
	StateScored           = "scored"
	StateEmitted          = "emitted"
	StateFailed           = "failed"
)

const (
	// dedupWindow bounds how long a transaction ID is remembered for
	// the redelivery fast path.
	dedupWindow = time.Hour

	// scoreEventTTL is how long emitted events stay cached for the
	// query surface and the fast path.
	scoreEventTTL = time.Hour
)

// Deps holds the pipeline's collaborators. Repo, Cache and Bus are
// optional; a nil value disables persistence, the fast path or event
// emission respectively.
type Deps struct {
	Aggregator *window.Aggregator
	Computer   *features.Computer
	Engine     *rules.Engine
	Ensemble   *model.Ensemble
	Combiner   *scoring.Combiner
	Reference  *reference.Store

	Repo  domain.Repository
	Cache domain.Cache
	Bus   domain.EventBus
}

// Coordinator owns the lane set. Transactions for the same tenant and
// account always land on the same lane, so one account's stream is
// processed in arrival order while distinct accounts run in parallel.
type Coordinator struct {
	agg      *window.Aggregator
	computer *features.Computer
	engine   *rules.Engine
	ensemble *model.Ensemble
	combiner *scoring.Combiner
	store    *reference.Store

	repo  domain.Repository
	cache domain.Cache
	bus   domain.EventBus

	lanes []chan *job
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

type job struct {
	ctx      context.Context
	enriched *domain.EnrichedTransaction
	traceID  string
	reply    chan jobResult
}

type jobResult struct {
	event *domain.ScoreEvent
	err   error
}

// NewCoordinator creates the lane set and starts one goroutine per lane.
func NewCoordinator(cfg domain.PipelineConfig, deps Deps) *Coordinator {
	laneCount := cfg.Lanes
	if laneCount <= 0 {
		laneCount = 16
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		agg:      deps.Aggregator,
		computer: deps.Computer,
		engine:   deps.Engine,
		ensemble: deps.Ensemble,
		combiner: deps.Combiner,
		store:    deps.Reference,
		repo:     deps.Repo,
		cache:    deps.Cache,
		bus:      deps.Bus,
		lanes:    make([]chan *job, laneCount),
		ctx:      ctx,
		cancel:   cancel,
	}

	for i := range c.lanes {
		c.lanes[i] = make(chan *job, queueSize)
		c.wg.Add(1)
		go c.runLane(i)
	}

	return c
}

// Process scores one enriched transaction synchronously. The call
// enqueues onto the account's lane and waits for the terminal state,
// so callers observe the same ordering the async path does.
func (c *Coordinator) Process(ctx context.Context, enriched *domain.EnrichedTransaction) (*domain.ScoreEvent, error) {
	return c.submit(ctx, enriched, uuid.New().String())
}

// ProcessWithTrace is Process with a caller-supplied trace ID, so HTTP
// requests keep one trace from ingress to the emitted event.
func (c *Coordinator) ProcessWithTrace(ctx context.Context, enriched *domain.EnrichedTransaction, traceID string) (*domain.ScoreEvent, error) {
	if traceID == "" {
		traceID = uuid.New().String()
	}
	return c.submit(ctx, enriched, traceID)
}

func (c *Coordinator) submit(ctx context.Context, enriched *domain.EnrichedTransaction, traceID string) (*domain.ScoreEvent, error) {
	if enriched == nil {
		return nil, &domain.ValidationError{Field: "transaction", Reason: "is required"}
	}
	tx := &enriched.Transaction
	if err := tx.Validate(); err != nil {
		metrics.TransactionsProcessed.WithLabelValues(metrics.StatusRejected).Inc()
		return nil, err
	}

	j := &job{
		ctx:      ctx,
		enriched: enriched,
		traceID:  traceID,
		reply:    make(chan jobResult, 1),
	}

	lane := c.lane(tx.TenantID, tx.AccountID)

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, fmt.Errorf("pipeline is stopped")
	}
	select {
	case c.lanes[lane] <- j:
		metrics.LaneDepth.WithLabelValues(strconv.Itoa(lane)).Set(float64(len(c.lanes[lane])))
		c.mu.RUnlock()
	case <-ctx.Done():
		c.mu.RUnlock()
		return nil, ctx.Err()
	}

	select {
	case res := <-j.reply:
		return res.event, res.err
	case <-ctx.Done():
		// The lane finishes the job on its own; nothing blocks on the
		// abandoned reply channel.
		return nil, ctx.Err()
	}
}

// lane hashes tenant|account onto a fixed lane index.
func (c *Coordinator) lane(tenantID, accountID string) int {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	h.Write([]byte("|"))
	h.Write([]byte(accountID))
	return int(h.Sum32() % uint32(len(c.lanes)))
}

func (c *Coordinator) runLane(idx int) {
	defer c.wg.Done()
	for j := range c.lanes[idx] {
		event, err := c.run(j.ctx, j.enriched, j.traceID)
		j.reply <- jobResult{event: event, err: err}
		metrics.LaneDepth.WithLabelValues(strconv.Itoa(idx)).Set(float64(len(c.lanes[idx])))
	}
}

// run executes the per-transaction state machine on a lane goroutine.
func (c *Coordinator) run(ctx context.Context, enriched *domain.EnrichedTransaction, traceID string) (*domain.ScoreEvent, error) {
	start := time.Now()
	tx := &enriched.Transaction
	tenantID := tx.TenantID

	slog.Debug("transaction received",
		"tx_id", tx.ID,
		"tenant_id", tenantID,
		"trace_id", traceID,
	)

	// Redelivery fast path: a counter above 1 marks a transaction seen
	// within the dedup window, and a cached event can answer it
	// without touching the pipeline.
	if c.cache != nil {
		if n, err := c.cache.IncrementCounter(ctx, tenantID, "dedup:"+tx.ID, dedupWindow); err == nil && n > 1 {
			if cached, err := c.cache.GetScoreEvent(ctx, tenantID, tx.ID); err == nil && cached != nil {
				metrics.TransactionsProcessed.WithLabelValues(metrics.StatusDuplicate).Inc()
				slog.Info("duplicate transaction short-circuited",
					"tx_id", tx.ID,
					"tenant_id", tenantID,
					"deliveries", n,
				)
				return cached, nil
			}
		}
	}

	customer, account := c.resolveReference(ctx, enriched)
	customerID := ""
	if customer != nil {
		customerID = customer.ID
	} else if account != nil {
		customerID = account.CustomerID
	}

	// Cancellation is honored only before the window mutation; once
	// recorded, the transaction runs to Emitted or Failed.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	windowStart := time.Now()
	recorded := c.agg.Record(tenantID, tx.AccountID, customerID, tx.ID, tx.Timestamp, tx.Amount)
	windowMs := time.Since(windowStart).Milliseconds()
	metrics.StageDuration.WithLabelValues("window").Observe(float64(windowMs))
	if !recorded {
		// Aggregator suppression: the redelivered transaction is
		// rescored against the already-updated window.
		slog.Debug("window record suppressed for known transaction",
			"tx_id", tx.ID,
			"tenant_id", tenantID,
		)
	}

	featureStart := time.Now()
	fv, degraded, err := c.computer.Compute(tx, customer, account)
	featuresMs := time.Since(featureStart).Milliseconds()
	metrics.StageDuration.WithLabelValues("features").Observe(float64(featuresMs))
	if err != nil {
		return nil, c.fail(ctx, tx, StateFeaturesComputed, err)
	}

	ruleStart := time.Now()
	outcome, err := c.engine.Evaluate(ctx, &rules.EvaluateInput{
		TenantID: tenantID,
		TxID:     tx.ID,
		Features: fv,
		Amount:   tx.Amount,
		Currency: tx.Currency,
		Country:  tx.CounterpartyCountry,
		Degraded: degraded,
	})
	rulesMs := time.Since(ruleStart).Milliseconds()
	metrics.StageDuration.WithLabelValues("rules").Observe(float64(rulesMs))
	if err != nil {
		return nil, c.fail(ctx, tx, StateScored, err)
	}

	modelStart := time.Now()
	result, err := c.ensemble.Score(fv)
	modelMs := time.Since(modelStart).Milliseconds()
	metrics.StageDuration.WithLabelValues("model").Observe(float64(modelMs))
	if err != nil {
		return nil, c.fail(ctx, tx, StateScored, err)
	}

	event, err := c.combiner.Combine(ctx, &scoring.CombineInput{
		TenantID:   tenantID,
		TxID:       tx.ID,
		AccountID:  tx.AccountID,
		TraceID:    traceID,
		Model:      result,
		Rules:      outcome,
		Degraded:   degraded,
		StartTime:  start,
		WindowMs:   windowMs,
		FeaturesMs: featuresMs,
		RulesMs:    rulesMs,
		ModelMs:    modelMs,
	})
	if err != nil {
		return nil, c.fail(ctx, tx, StateScored, err)
	}

	c.emit(ctx, tx, fv, event)

	metrics.TransactionsProcessed.WithLabelValues(metrics.StatusScored).Inc()
	metrics.ScoresEmitted.WithLabelValues(string(event.Category)).Inc()
	metrics.PipelineDuration.Observe(float64(time.Since(start).Milliseconds()))
	if degraded {
		metrics.TransactionsDegraded.Inc()
	}
	for _, hit := range outcome.Triggered {
		metrics.RulesTriggered.WithLabelValues(hit.RuleID).Inc()
	}

	slog.Info("transaction scored",
		"tx_id", tx.ID,
		"tenant_id", tenantID,
		"score", event.Score,
		"category", event.Category,
		"degraded", event.Degraded,
		"triggered_rules", len(event.TriggeredRules),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return event, nil
}

// resolveReference prefers the inline snapshots delivered with the
// event and falls back to the shared store. Missing reference data is
// not an error here; the feature computer degrades instead.
func (c *Coordinator) resolveReference(ctx context.Context, enriched *domain.EnrichedTransaction) (*domain.Customer, *domain.Account) {
	customer := enriched.Customer
	account := enriched.Account
	if c.store == nil {
		return customer, account
	}

	tx := &enriched.Transaction
	if account == nil {
		if found, err := c.store.GetAccount(ctx, tx.TenantID, tx.AccountID); err == nil {
			account = found
		}
	}
	if customer == nil && account != nil && account.CustomerID != "" {
		if found, err := c.store.GetCustomer(ctx, tx.TenantID, account.CustomerID); err == nil {
			customer = found
		}
	}
	return customer, account
}

// fail terminates the transaction, emits the diagnostic event and
// passes the cause back to the caller.
func (c *Coordinator) fail(ctx context.Context, tx *domain.Transaction, state string, cause error) error {
	metrics.TransactionsProcessed.WithLabelValues(metrics.StatusFailed).Inc()

	stage := state
	var comp *domain.ComputationError
	if errors.As(cause, &comp) {
		stage = comp.Stage
	}

	slog.Error("transaction failed",
		"tx_id", tx.ID,
		"tenant_id", tx.TenantID,
		"stage", stage,
		"error", cause,
	)

	if c.bus != nil {
		failure := &domain.FailureEvent{
			ID:        uuid.New().String(),
			TenantID:  tx.TenantID,
			TxID:      tx.ID,
			AccountID: tx.AccountID,
			Stage:     stage,
			Reason:    cause.Error(),
			FailedAt:  time.Now().UTC(),
		}
		payload, _ := json.Marshal(failure)
		if err := c.bus.Publish(ctx, tx.TenantID, domain.TopicScoreFailed, payload); err != nil {
			slog.Error("failed to publish failure event",
				"tx_id", tx.ID,
				"error", err,
			)
		}
	}

	return cause
}

// emit persists and publishes a successful scoring outcome. Storage
// errors are logged, not returned; the score already exists and the
// bus remains the delivery contract.
func (c *Coordinator) emit(ctx context.Context, tx *domain.Transaction, fv domain.FeatureVector, event *domain.ScoreEvent) {
	if c.repo != nil {
		if err := c.repo.SaveTransaction(ctx, tx.TenantID, tx); err != nil {
			slog.Error("failed to save transaction",
				"tx_id", tx.ID,
				"error", err,
			)
		}
		if err := c.repo.SaveFeatureVector(ctx, tx.TenantID, tx.ID, fv); err != nil {
			slog.Error("failed to save feature vector",
				"tx_id", tx.ID,
				"error", err,
			)
		}
		if err := c.repo.SaveScoreEvent(ctx, tx.TenantID, event); err != nil {
			slog.Error("failed to save score event",
				"tx_id", tx.ID,
				"error", err,
			)
		}
	}

	if c.cache != nil {
		if err := c.cache.SetScoreEvent(ctx, tx.TenantID, tx.ID, event, scoreEventTTL); err != nil {
			slog.Warn("failed to cache score event",
				"tx_id", tx.ID,
				"error", err,
			)
		}
	}

	if c.bus != nil {
		payload, _ := json.Marshal(event)
		if err := c.bus.Publish(ctx, tx.TenantID, domain.TopicScore, payload); err != nil {
			slog.Error("failed to publish score",
				"tx_id", tx.ID,
				"error", err,
			)
		}
		if event.ShouldAlert() {
			if err := c.bus.Publish(ctx, tx.TenantID, domain.TopicScoreAlert, payload); err != nil {
				slog.Error("failed to publish alert",
					"tx_id", tx.ID,
					"error", err,
				)
			}
		}
	}
}

// Start subscribes the coordinator to the inbound topics for the given
// tenants. An empty tenant list falls back to the global tenant, whose
// ID is a subject wildcard on NATS.
func (c *Coordinator) Start(tenantIDs []string) error {
	if c.bus == nil {
		return fmt.Errorf("pipeline has no event bus")
	}

	if len(tenantIDs) == 0 {
		tenantIDs = []string{domain.GlobalTenantID}
	}

	for _, tenantID := range tenantIDs {
		if err := c.subscribeTenant(tenantID); err != nil {
			slog.Error("failed to start pipeline for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("pipeline started",
		"tenant_count", len(tenantIDs),
		"lanes", len(c.lanes),
	)
	return nil
}

func (c *Coordinator) subscribeTenant(tenantID string) error {
	txSub, err := c.bus.Subscribe(c.ctx, tenantID, domain.TopicTransactionEnriched, c.handleTransaction)
	if err != nil {
		return fmt.Errorf("failed to subscribe to transactions: %w", err)
	}
	c.subscriptions = append(c.subscriptions, txSub)

	custSub, err := c.bus.Subscribe(c.ctx, tenantID, domain.TopicReferenceCustomer, c.handleCustomer)
	if err != nil {
		return fmt.Errorf("failed to subscribe to customer updates: %w", err)
	}
	c.subscriptions = append(c.subscriptions, custSub)

	acctSub, err := c.bus.Subscribe(c.ctx, tenantID, domain.TopicReferenceAccount, c.handleAccount)
	if err != nil {
		return fmt.Errorf("failed to subscribe to account updates: %w", err)
	}
	c.subscriptions = append(c.subscriptions, acctSub)

	slog.Info("tenant pipeline started",
		"tenant_id", tenantID,
		"topic", domain.TopicTransactionEnriched,
	)
	return nil
}

// handleTransaction is the async entry point. Terminal failures are
// already reported on the failed topic, so the handler never returns
// the scoring error to the transport.
func (c *Coordinator) handleTransaction(ctx context.Context, msg *domain.Message) error {
	var enriched domain.EnrichedTransaction
	if err := json.Unmarshal(msg.Payload, &enriched); err != nil {
		slog.Error("failed to parse enriched transaction",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if enriched.Transaction.TenantID == "" {
		enriched.Transaction.TenantID = msg.TenantID
	}

	if _, err := c.submit(ctx, &enriched, msg.ID); err != nil {
		slog.Debug("async transaction terminated",
			"tx_id", enriched.Transaction.ID,
			"error", err,
		)
	}
	return nil
}

func (c *Coordinator) handleCustomer(ctx context.Context, msg *domain.Message) error {
	var customer domain.Customer
	if err := json.Unmarshal(msg.Payload, &customer); err != nil {
		slog.Error("failed to parse customer update",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if customer.TenantID == "" {
		customer.TenantID = msg.TenantID
	}
	return c.store.UpsertCustomer(ctx, &customer)
}

func (c *Coordinator) handleAccount(ctx context.Context, msg *domain.Message) error {
	var account domain.Account
	if err := json.Unmarshal(msg.Payload, &account); err != nil {
		slog.Error("failed to parse account update",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if account.TenantID == "" {
		account.TenantID = msg.TenantID
	}
	return c.store.UpsertAccount(ctx, &account)
}

// Stop drains the lanes and detaches from the bus. In-flight
// transactions run to their terminal state before Stop returns.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	for _, sub := range c.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	c.subscriptions = nil

	for _, lane := range c.lanes {
		close(lane)
	}
	c.wg.Wait()
	c.cancel()

	slog.Info("pipeline stopped")
	return nil
}

// Stats reports queue state for the operator surface.
type Stats struct {
	Lanes      int `json:"lanes"`
	QueuedJobs int `json:"queuedJobs"`
}

// GetStats returns current pipeline statistics.
func (c *Coordinator) GetStats() Stats {
	queued := 0
	for _, lane := range c.lanes {
		queued += len(lane)
	}
	return Stats{
		Lanes:      len(c.lanes),
		QueuedJobs: queued,
	}
}
