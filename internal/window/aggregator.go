// Package window maintains rolling transaction windows per account and
// per customer.
package window

import (
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Stats is a point-in-time summary of one window.
type Stats struct {
	Sum     float64 `json:"sum"`
	Count   int     `json:"count"`
	Average float64 `json:"average"`
}

type entry struct {
	txID   string
	ts     time.Time
	amount float64
}

type memo struct {
	asOf  time.Time
	stats Stats
}

// stream is the recorded history for one key. Entries stay sorted by
// timestamp. clock is the logical now (max recorded timestamp), so a
// replay is indistinguishable from the live run regardless of
// wall-clock time.
type stream struct {
	entries []entry
	seen    map[string]struct{}
	clock   time.Time
	memos   map[time.Duration]memo
}

// Aggregator maintains rolling windows keyed by (tenant, account) and
// (tenant, customer). Eviction is lazy: entries older than the longest
// horizon relative to a key's logical clock are dropped on access,
// together with their duplicate-suppression marks.
type Aggregator struct {
	mu        sync.RWMutex
	accounts  map[string]*stream
	customers map[string]*stream
	longest   time.Duration
}

// New creates an aggregator that retains entries for the longest of
// the given horizons.
func New(horizons ...time.Duration) *Aggregator {
	longest := time.Duration(0)
	for _, h := range horizons {
		if h > longest {
			longest = h
		}
	}
	if longest <= 0 {
		longest = 30 * 24 * time.Hour
	}
	return &Aggregator{
		accounts:  make(map[string]*stream),
		customers: make(map[string]*stream),
		longest:   longest,
	}
}

// Record adds a transaction to the account window and, when the owning
// customer is known, to the customer window. It returns false without
// mutating any state when the transaction ID was already recorded for
// the account. An unseen account starts with fresh empty state.
func (a *Aggregator) Record(tenantID, accountID, customerID, txID string, ts time.Time, amount float64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	acct := ensure(a.accounts, makeKey(tenantID, accountID))
	if !acct.add(txID, ts, amount) {
		return false
	}
	acct.evict(a.longest)

	if customerID != "" {
		cust := ensure(a.customers, makeKey(tenantID, customerID))
		cust.add(txID, ts, amount)
		cust.evict(a.longest)
	}
	return true
}

// Query returns the account window summary over (asOf-horizon, asOf].
// An unknown account yields empty stats, never an error.
func (a *Aggregator) Query(tenantID, accountID string, horizon time.Duration, asOf time.Time) Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return query(a.accounts, makeKey(tenantID, accountID), horizon, asOf, a.longest)
}

// QueryCustomer returns the window summary across every account owned
// by the customer.
func (a *Aggregator) QueryCustomer(tenantID, customerID string, horizon time.Duration, asOf time.Time) Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return query(a.customers, makeKey(tenantID, customerID), horizon, asOf, a.longest)
}

// NearThresholdCount counts account window entries over
// (asOf-horizon, asOf] whose amount falls inside [floor*t, ceil*t] for
// any threshold t.
func (a *Aggregator) NearThresholdCount(tenantID, accountID string, horizon time.Duration, asOf time.Time, thresholds []float64, floor, ceil float64) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.accounts[makeKey(tenantID, accountID)]
	if !ok || horizon <= 0 {
		return 0
	}
	s.evict(a.longest)

	lo, hi := s.span(horizon, asOf)
	count := 0
	for i := lo; i < hi; i++ {
		if nearThreshold(s.entries[i].amount, thresholds, floor, ceil) {
			count++
		}
	}
	return count
}

// Rehydrate replays persisted transactions into window state, typically
// at startup. resolve maps an account to its owning customer; it may be
// nil or return "". Returns the number of transactions recorded.
func (a *Aggregator) Rehydrate(txs []*domain.Transaction, resolve func(tenantID, accountID string) string) int {
	recorded := 0
	for _, tx := range txs {
		customerID := ""
		if resolve != nil {
			customerID = resolve(tx.TenantID, tx.AccountID)
		}
		if a.Record(tx.TenantID, tx.AccountID, customerID, tx.ID, tx.Timestamp, tx.Amount) {
			recorded++
		}
	}
	return recorded
}

// Stats reports tracked key and entry counts.
func (a *Aggregator) Stats() (accounts, customers, entries int) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, s := range a.accounts {
		entries += len(s.entries)
	}
	return len(a.accounts), len(a.customers), entries
}

func query(streams map[string]*stream, key string, horizon time.Duration, asOf time.Time, longest time.Duration) Stats {
	s, ok := streams[key]
	if !ok || horizon <= 0 {
		return Stats{}
	}
	if m, ok := s.memos[horizon]; ok && m.asOf.Equal(asOf) {
		return m.stats
	}
	s.evict(longest)

	lo, hi := s.span(horizon, asOf)
	st := Stats{}
	for i := lo; i < hi; i++ {
		st.Sum += s.entries[i].amount
		st.Count++
	}
	if st.Count > 0 {
		st.Average = st.Sum / float64(st.Count)
	}

	if s.memos == nil {
		s.memos = make(map[time.Duration]memo)
	}
	s.memos[horizon] = memo{asOf: asOf, stats: st}
	return st
}

// add inserts an entry keeping timestamp order. Returns false for an
// already-seen transaction ID.
func (s *stream) add(txID string, ts time.Time, amount float64) bool {
	if _, dup := s.seen[txID]; dup {
		return false
	}
	s.seen[txID] = struct{}{}
	if ts.After(s.clock) {
		s.clock = ts
	}

	e := entry{txID: txID, ts: ts, amount: amount}
	n := len(s.entries)
	if n == 0 || !ts.Before(s.entries[n-1].ts) {
		s.entries = append(s.entries, e)
	} else {
		i := sort.Search(n, func(j int) bool { return s.entries[j].ts.After(ts) })
		s.entries = append(s.entries, entry{})
		copy(s.entries[i+1:], s.entries[i:])
		s.entries[i] = e
	}
	s.memos = nil
	return true
}

// evict drops entries at or before clock-longest. Such entries cannot
// appear in any window anchored at or after the logical now.
func (s *stream) evict(longest time.Duration) {
	cutoff := s.clock.Add(-longest)
	i := 0
	for i < len(s.entries) && !s.entries[i].ts.After(cutoff) {
		delete(s.seen, s.entries[i].txID)
		i++
	}
	if i > 0 {
		s.entries = append([]entry(nil), s.entries[i:]...)
		s.memos = nil
	}
}

// span returns the half-open index range of entries inside
// (asOf-horizon, asOf].
func (s *stream) span(horizon time.Duration, asOf time.Time) (int, int) {
	from := asOf.Add(-horizon)
	n := len(s.entries)
	lo := sort.Search(n, func(i int) bool { return s.entries[i].ts.After(from) })
	hi := sort.Search(n, func(i int) bool { return s.entries[i].ts.After(asOf) })
	return lo, hi
}

func nearThreshold(amount float64, thresholds []float64, floor, ceil float64) bool {
	for _, t := range thresholds {
		if amount >= floor*t && amount <= ceil*t {
			return true
		}
	}
	return false
}

func ensure(streams map[string]*stream, key string) *stream {
	s, ok := streams[key]
	if !ok {
		s = &stream{seen: make(map[string]struct{})}
		streams[key] = s
	}
	return s
}

func makeKey(tenantID, id string) string {
	return tenantID + ":" + id
}
