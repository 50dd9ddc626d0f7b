package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/reference"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/window"
)

const testTenant = "tenant-001"

// testBase is a Wednesday at 14:00 UTC, inside business hours.
var testBase = time.Date(2025, 3, 5, 14, 0, 0, 0, time.UTC)

func newTestDeps(t *testing.T) Deps {
	t.Helper()

	cfg := domain.DefaultConfig()
	agg := window.New(cfg.Windows.Short(), cfg.Windows.Long())
	computer := features.NewComputer(cfg, agg, nil)

	engine, err := rules.NewEngine(4)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if err := engine.LoadRules(rules.DefaultCatalogue()); err != nil {
		t.Fatalf("LoadRules() error = %v", err)
	}

	return Deps{
		Aggregator: agg,
		Computer:   computer,
		Engine:     engine,
		Ensemble:   model.NewEnsemble(model.NewGradientModel(), model.NewBalancedModel(), &cfg.Scoring),
		Combiner:   scoring.NewCombiner(&cfg.Scoring),
		Reference:  reference.NewStore(nil),
	}
}

// enrichedTx builds a benign transaction with full reference snapshots:
// enhanced KYC, no PEP exposure, a two-year-old current account and a
// low-risk counterparty country.
func enrichedTx(txID, accountID string, amount float64) *domain.EnrichedTransaction {
	return &domain.EnrichedTransaction{
		Transaction: domain.Transaction{
			ID:                  txID,
			TenantID:            testTenant,
			AccountID:           accountID,
			Amount:              amount,
			Currency:            "USD",
			CounterpartyCountry: "DE",
			Timestamp:           testBase,
		},
		Customer: &domain.Customer{
			ID:       "cust-001",
			TenantID: testTenant,
			KYCLevel: domain.KYCEnhanced,
		},
		Account: &domain.Account{
			ID:         accountID,
			TenantID:   testTenant,
			CustomerID: "cust-001",
			Country:    "US",
			Type:       domain.AccountCurrent,
			OpenedAt:   time.Date(2023, 3, 5, 0, 0, 0, 0, time.UTC),
		},
	}
}

// highRiskTx builds the worst plausible single transaction: a huge round
// amount to Venezuela at 03:00 from a fresh offshore account owned by a
// politically exposed person with only basic KYC.
func highRiskTx(txID, accountID string) *domain.EnrichedTransaction {
	return &domain.EnrichedTransaction{
		Transaction: domain.Transaction{
			ID:                  txID,
			TenantID:            testTenant,
			AccountID:           accountID,
			Amount:              500000000,
			Currency:            "USD",
			CounterpartyCountry: "VE",
			Timestamp:           time.Date(2025, 3, 5, 3, 0, 0, 0, time.UTC),
		},
		Customer: &domain.Customer{
			ID:       "cust-pep",
			TenantID: testTenant,
			KYCLevel: domain.KYCBasic,
			PEP:      true,
		},
		Account: &domain.Account{
			ID:         accountID,
			TenantID:   testTenant,
			CustomerID: "cust-pep",
			Country:    "VE",
			Type:       domain.AccountOffshore,
			OpenedAt:   time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestCoordinator(t *testing.T) {
	t.Run("ScoresTransaction", func(t *testing.T) {
		deps := newTestDeps(t)
		c := NewCoordinator(domain.PipelineConfig{Lanes: 4, QueueSize: 16}, deps)
		defer c.Stop()

		event, err := c.Process(context.Background(), enrichedTx("tx-001", "acct-001", 1250.50))
		if err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		if event.ID == "" {
			t.Error("expected event ID to be set")
		}
		if event.TxID != "tx-001" {
			t.Errorf("TxID = %q, want tx-001", event.TxID)
		}
		if event.TenantID != testTenant {
			t.Errorf("TenantID = %q, want %q", event.TenantID, testTenant)
		}
		if event.AccountID != "acct-001" {
			t.Errorf("AccountID = %q, want acct-001", event.AccountID)
		}
		if event.Score < 0 || event.Score > 1 {
			t.Errorf("Score = %v, want within [0,1]", event.Score)
		}
		if event.Category == "" {
			t.Error("expected a risk category")
		}
		if event.Degraded {
			t.Error("expected full reference data to score non-degraded")
		}
		if len(event.TriggeredRules) != 0 {
			t.Errorf("TriggeredRules = %v, want none for a benign transaction", event.TriggeredRules)
		}
		if event.Metadata.TraceID == "" {
			t.Error("expected a trace ID")
		}
		if event.Metadata.EngineVersion == "" {
			t.Error("expected an engine version")
		}
		if event.ScoredAt.IsZero() {
			t.Error("expected ScoredAt to be set")
		}

		stats := deps.Aggregator.Query(testTenant, "acct-001", 30*24*time.Hour, testBase)
		if stats.Count != 1 {
			t.Errorf("window count = %d, want 1", stats.Count)
		}
	})

	t.Run("HighRiskScoresCritical", func(t *testing.T) {
		deps := newTestDeps(t)
		c := NewCoordinator(domain.PipelineConfig{Lanes: 4, QueueSize: 16}, deps)
		defer c.Stop()

		event, err := c.Process(context.Background(), highRiskTx("tx-high", "acct-high"))
		if err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		if event.Score != 1.0 {
			t.Errorf("Score = %v, want 1.0 after clamping", event.Score)
		}
		if event.Category != domain.CategoryCritical {
			t.Errorf("Category = %q, want %q", event.Category, domain.CategoryCritical)
		}
		if !event.ShouldAlert() {
			t.Error("expected a critical event to alert")
		}
		if event.RuleScore != 1.0 {
			t.Errorf("RuleScore = %v, want 1.0 after clamping", event.RuleScore)
		}
		if event.ModelScore <= 0.5 {
			t.Errorf("ModelScore = %v, want above 0.5", event.ModelScore)
		}
		if event.Degraded {
			t.Error("expected full reference data to score non-degraded")
		}
		if len(event.Attribution) == 0 {
			t.Error("expected attribution entries")
		}

		want := map[string]bool{
			"amount-large-10k":    true,
			"amount-large-50k":    true,
			"amount-round-number": true,
			"geo-high-risk":       true,
			"temporal-off-hours":  true,
			"customer-pep":        true,
			"customer-kyc-gap":    true,
		}
		if len(event.TriggeredRules) != len(want) {
			t.Errorf("TriggeredRules = %v, want %d rules", event.TriggeredRules, len(want))
		}
		for _, id := range event.TriggeredRules {
			if !want[id] {
				t.Errorf("unexpected rule %s triggered", id)
			}
		}
	})

	t.Run("DegradedWithoutReference", func(t *testing.T) {
		deps := newTestDeps(t)
		c := NewCoordinator(domain.PipelineConfig{Lanes: 4, QueueSize: 16}, deps)
		defer c.Stop()

		enriched := &domain.EnrichedTransaction{
			Transaction: domain.Transaction{
				ID:                  "tx-degraded",
				TenantID:            testTenant,
				AccountID:           "acct-unknown",
				Amount:              2300,
				Currency:            "EUR",
				CounterpartyCountry: "FR",
				Timestamp:           testBase,
			},
		}
		event, err := c.Process(context.Background(), enriched)
		if err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		if !event.Degraded {
			t.Error("expected missing reference data to mark the score degraded")
		}
		if event.Score < 0 || event.Score > 1 {
			t.Errorf("Score = %v, want within [0,1]", event.Score)
		}
		if len(event.TriggeredRules) != 1 || event.TriggeredRules[0] != "customer-kyc-gap" {
			t.Errorf("TriggeredRules = %v, want [customer-kyc-gap]", event.TriggeredRules)
		}
	})

	t.Run("RejectsInvalidTransaction", func(t *testing.T) {
		deps := newTestDeps(t)
		c := NewCoordinator(domain.PipelineConfig{Lanes: 2, QueueSize: 8}, deps)
		defer c.Stop()

		if _, err := c.Process(context.Background(), nil); err == nil {
			t.Fatal("expected error for nil transaction")
		}

		_, err := c.Process(context.Background(), enrichedTx("tx-bad", "", 100))
		var verr *domain.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("error = %v, want ValidationError", err)
		}
		if verr.Field != "accountId" {
			t.Errorf("Field = %q, want accountId", verr.Field)
		}
	})

	t.Run("DuplicateShortCircuits", func(t *testing.T) {
		deps := newTestDeps(t)
		deps.Cache = cache.NewMemoryCache(128)
		c := NewCoordinator(domain.PipelineConfig{Lanes: 2, QueueSize: 8}, deps)
		defer c.Stop()
		ctx := context.Background()

		first, err := c.Process(ctx, enrichedTx("tx-dup", "acct-dup", 900))
		if err != nil {
			t.Fatalf("Process() error = %v", err)
		}

		cached, err := deps.Cache.GetScoreEvent(ctx, testTenant, "tx-dup")
		if err != nil {
			t.Fatalf("GetScoreEvent() error = %v", err)
		}
		if cached == nil || cached.ID != first.ID {
			t.Fatalf("cached event = %+v, want emitted event %s", cached, first.ID)
		}

		second, err := c.Process(ctx, enrichedTx("tx-dup", "acct-dup", 900))
		if err != nil {
			t.Fatalf("duplicate Process() error = %v", err)
		}
		if second.ID != first.ID {
			t.Errorf("duplicate returned event %s, want cached %s", second.ID, first.ID)
		}

		stats := deps.Aggregator.Query(testTenant, "acct-dup", 30*24*time.Hour, testBase)
		if stats.Count != 1 {
			t.Errorf("window count = %d, want 1 after duplicate delivery", stats.Count)
		}
	})

	t.Run("RedeliveryWithoutCacheRescores", func(t *testing.T) {
		deps := newTestDeps(t)
		c := NewCoordinator(domain.PipelineConfig{Lanes: 2, QueueSize: 8}, deps)
		defer c.Stop()
		ctx := context.Background()

		first, err := c.Process(ctx, enrichedTx("tx-replay", "acct-replay", 700))
		if err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		second, err := c.Process(ctx, enrichedTx("tx-replay", "acct-replay", 700))
		if err != nil {
			t.Fatalf("redelivery Process() error = %v", err)
		}
		if second.ID == first.ID {
			t.Error("expected the redelivery to be rescored as a fresh event")
		}
		if second.TxID != first.TxID {
			t.Errorf("TxID = %q, want %q", second.TxID, first.TxID)
		}

		stats := deps.Aggregator.Query(testTenant, "acct-replay", 30*24*time.Hour, testBase)
		if stats.Count != 1 {
			t.Errorf("window count = %d, want 1 after suppressed redelivery", stats.Count)
		}
	})

	t.Run("FailureDiagnostic", func(t *testing.T) {
		deps := newTestDeps(t)
		b := bus.NewChannelBus(16)
		defer b.Close()
		deps.Bus = b
		c := NewCoordinator(domain.PipelineConfig{Lanes: 2, QueueSize: 8}, deps)
		defer c.Stop()
		ctx := context.Background()

		var mu sync.Mutex
		var failure *domain.FailureEvent
		if _, err := b.Subscribe(ctx, testTenant, domain.TopicScoreFailed, func(ctx context.Context, msg *domain.Message) error {
			var f domain.FailureEvent
			if err := json.Unmarshal(msg.Payload, &f); err != nil {
				return err
			}
			mu.Lock()
			failure = &f
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}

		_, err := c.Process(ctx, enrichedTx("tx-inf", "acct-inf", math.Inf(1)))
		if err == nil {
			t.Fatal("expected a non-finite amount to fail")
		}
		var comp *domain.ComputationError
		if !errors.As(err, &comp) {
			t.Fatalf("error = %v, want ComputationError", err)
		}
		if comp.Stage != "features" {
			t.Errorf("Stage = %q, want features", comp.Stage)
		}

		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return failure != nil
		}, "failure event never arrived")

		mu.Lock()
		defer mu.Unlock()
		if failure.TxID != "tx-inf" {
			t.Errorf("failure TxID = %q, want tx-inf", failure.TxID)
		}
		if failure.Stage != "features" {
			t.Errorf("failure Stage = %q, want features", failure.Stage)
		}
		if failure.Reason == "" {
			t.Error("expected a failure reason")
		}
		if failure.FailedAt.IsZero() {
			t.Error("expected FailedAt to be set")
		}

		stats := deps.Aggregator.Query(testTenant, "acct-inf", 30*24*time.Hour, testBase)
		if stats.Count != 1 {
			t.Errorf("window count = %d, want 1; the window records before scoring fails", stats.Count)
		}
	})

	t.Run("AlertsOnlyForHighScores", func(t *testing.T) {
		deps := newTestDeps(t)
		b := bus.NewChannelBus(16)
		defer b.Close()
		deps.Bus = b
		c := NewCoordinator(domain.PipelineConfig{Lanes: 2, QueueSize: 8}, deps)
		defer c.Stop()
		ctx := context.Background()

		var scores, alerts atomic.Int32
		if _, err := b.Subscribe(ctx, testTenant, domain.TopicScore, func(ctx context.Context, msg *domain.Message) error {
			scores.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		if _, err := b.Subscribe(ctx, testTenant, domain.TopicScoreAlert, func(ctx context.Context, msg *domain.Message) error {
			alerts.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}

		if _, err := c.Process(ctx, enrichedTx("tx-quiet", "acct-quiet", 42)); err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		if _, err := c.Process(ctx, highRiskTx("tx-loud", "acct-loud")); err != nil {
			t.Fatalf("Process() error = %v", err)
		}

		waitFor(t, func() bool { return scores.Load() == 2 }, "score events never arrived")
		time.Sleep(100 * time.Millisecond)
		if n := alerts.Load(); n != 1 {
			t.Errorf("alerts = %d, want 1", n)
		}
	})

	t.Run("CancelledContext", func(t *testing.T) {
		deps := newTestDeps(t)
		c := NewCoordinator(domain.PipelineConfig{Lanes: 2, QueueSize: 8}, deps)
		defer c.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := c.Process(ctx, enrichedTx("tx-cancel", "acct-cancel", 100))
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("error = %v, want context.Canceled", err)
		}

		stats := deps.Aggregator.Query(testTenant, "acct-cancel", 30*24*time.Hour, testBase)
		if stats.Count != 0 {
			t.Errorf("window count = %d, want 0 for a cancelled transaction", stats.Count)
		}
	})

	t.Run("StopRejectsNewWork", func(t *testing.T) {
		deps := newTestDeps(t)
		c := NewCoordinator(domain.PipelineConfig{Lanes: 2, QueueSize: 4}, deps)

		if err := c.Stop(); err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
		if err := c.Stop(); err != nil {
			t.Fatalf("second Stop() error = %v", err)
		}
		if _, err := c.Process(context.Background(), enrichedTx("tx-late", "acct-001", 100)); err == nil {
			t.Fatal("expected Process after Stop to fail")
		}
	})

	t.Run("StartWithoutBus", func(t *testing.T) {
		deps := newTestDeps(t)
		c := NewCoordinator(domain.PipelineConfig{Lanes: 2, QueueSize: 4}, deps)
		defer c.Stop()

		if err := c.Start(nil); err == nil {
			t.Fatal("expected Start without a bus to fail")
		}
	})

	t.Run("Stats", func(t *testing.T) {
		c := NewCoordinator(domain.PipelineConfig{Lanes: 8, QueueSize: 4}, newTestDeps(t))
		defer c.Stop()

		stats := c.GetStats()
		if stats.Lanes != 8 {
			t.Errorf("Lanes = %d, want 8", stats.Lanes)
		}
		if stats.QueuedJobs != 0 {
			t.Errorf("QueuedJobs = %d, want 0", stats.QueuedJobs)
		}

		def := NewCoordinator(domain.PipelineConfig{}, newTestDeps(t))
		defer def.Stop()
		if got := def.GetStats().Lanes; got != 16 {
			t.Errorf("default Lanes = %d, want 16", got)
		}
	})
}

func TestCoordinatorBus(t *testing.T) {
	t.Run("SameAccountOrdering", func(t *testing.T) {
		deps := newTestDeps(t)
		b := bus.NewChannelBus(64)
		defer b.Close()
		deps.Bus = b
		c := NewCoordinator(domain.PipelineConfig{Lanes: 2, QueueSize: 32}, deps)
		defer c.Stop()

		if err := c.Start([]string{testTenant}); err != nil {
			t.Fatalf("Start() error = %v", err)
		}

		ctx := context.Background()
		var mu sync.Mutex
		var got []string
		if _, err := b.Subscribe(ctx, testTenant, domain.TopicScore, func(ctx context.Context, msg *domain.Message) error {
			var ev domain.ScoreEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				return err
			}
			mu.Lock()
			got = append(got, ev.TxID)
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}

		for i := 0; i < 5; i++ {
			enriched := enrichedTx(fmt.Sprintf("tx-seq-%d", i), "acct-seq", float64(150*(i+1)))
			enriched.Transaction.Timestamp = testBase.Add(time.Duration(i) * time.Minute)
			payload, err := json.Marshal(enriched)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if err := b.Publish(ctx, testTenant, domain.TopicTransactionEnriched, payload); err != nil {
				t.Fatalf("Publish() error = %v", err)
			}
		}

		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 5
		}, "expected five score events")

		mu.Lock()
		defer mu.Unlock()
		for i, txID := range got {
			want := fmt.Sprintf("tx-seq-%d", i)
			if txID != want {
				t.Errorf("event %d = %s, want %s", i, txID, want)
			}
		}

		stats := deps.Aggregator.Query(testTenant, "acct-seq", 30*24*time.Hour, testBase.Add(5*time.Minute))
		if stats.Count != 5 {
			t.Errorf("window count = %d, want 5", stats.Count)
		}
	})

	t.Run("ReferenceUpdates", func(t *testing.T) {
		deps := newTestDeps(t)
		b := bus.NewChannelBus(16)
		defer b.Close()
		deps.Bus = b
		c := NewCoordinator(domain.PipelineConfig{Lanes: 2, QueueSize: 8}, deps)
		defer c.Stop()

		if err := c.Start([]string{testTenant}); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		ctx := context.Background()

		// TenantID left empty on purpose; the handler takes it from the
		// message envelope.
		customer := &domain.Customer{ID: "cust-late", KYCLevel: domain.KYCEnhanced}
		payload, err := json.Marshal(customer)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		if err := b.Publish(ctx, testTenant, domain.TopicReferenceCustomer, payload); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}

		account := &domain.Account{
			ID:         "acct-late",
			CustomerID: "cust-late",
			Country:    "US",
			Type:       domain.AccountCurrent,
			OpenedAt:   testBase.AddDate(-2, 0, 0),
		}
		payload, err = json.Marshal(account)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		if err := b.Publish(ctx, testTenant, domain.TopicReferenceAccount, payload); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}

		waitFor(t, func() bool {
			_, errA := deps.Reference.GetAccount(ctx, testTenant, "acct-late")
			_, errC := deps.Reference.GetCustomer(ctx, testTenant, "cust-late")
			return errA == nil && errC == nil
		}, "reference updates never landed")

		stored, err := deps.Reference.GetCustomer(ctx, testTenant, "cust-late")
		if err != nil {
			t.Fatalf("GetCustomer() error = %v", err)
		}
		if stored.TenantID != testTenant {
			t.Errorf("TenantID = %q, want %q from the message envelope", stored.TenantID, testTenant)
		}

		// A bare transaction now resolves its snapshots from the store.
		enriched := &domain.EnrichedTransaction{
			Transaction: domain.Transaction{
				ID:                  "tx-resolved",
				TenantID:            testTenant,
				AccountID:           "acct-late",
				Amount:              320,
				Currency:            "USD",
				CounterpartyCountry: "DE",
				Timestamp:           testBase,
			},
		}
		event, err := c.Process(ctx, enriched)
		if err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		if event.Degraded {
			t.Error("expected stored reference data to prevent degraded scoring")
		}
	})
}

func TestCoordinatorConcurrentLoad(t *testing.T) {
	deps := newTestDeps(t)
	c := NewCoordinator(domain.PipelineConfig{Lanes: 4, QueueSize: 64}, deps)
	defer c.Stop()

	const accounts = 8
	const perAccount = 5

	var wg sync.WaitGroup
	var failures atomic.Int32
	for a := 0; a < accounts; a++ {
		wg.Add(1)
		go func(a int) {
			defer wg.Done()
			accountID := fmt.Sprintf("acct-load-%d", a)
			for i := 0; i < perAccount; i++ {
				enriched := enrichedTx(fmt.Sprintf("tx-load-%d-%d", a, i), accountID, float64(100+i))
				enriched.Transaction.Timestamp = testBase.Add(time.Duration(i) * time.Second)
				if _, err := c.Process(context.Background(), enriched); err != nil {
					failures.Add(1)
				}
			}
		}(a)
	}
	wg.Wait()

	if n := failures.Load(); n != 0 {
		t.Errorf("failures = %d, want 0", n)
	}
	for a := 0; a < accounts; a++ {
		accountID := fmt.Sprintf("acct-load-%d", a)
		stats := deps.Aggregator.Query(testTenant, accountID, 30*24*time.Hour, testBase.Add(time.Minute))
		if stats.Count != perAccount {
			t.Errorf("account %s window count = %d, want %d", accountID, stats.Count, perAccount)
		}
	}
}
