package queue

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager owns the named queues. All public methods are safe for
// concurrent use; each queue carries its own lock.
type Manager struct {
	cfg    Config
	mu     sync.RWMutex
	queues map[string]*partitionedQueue

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

type partitionedQueue struct {
	mu   sync.Mutex
	name string

	items   []*Item          // insertion order, queued + leased only
	byLease map[string]*Item // outstanding leases

	nextSeq uint64
	cursor  int // round-robin cursor over partitions

	done          int
	failed        int
	totalEnqueued int
}

// NewManager creates a Manager with the four pipeline queues registered.
func NewManager(cfg Config) *Manager {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultConfig().LeaseTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}

	m := &Manager{
		cfg:    cfg,
		queues: make(map[string]*partitionedQueue),
		stopCh: make(chan struct{}),
	}
	for _, name := range []string{GoalQueue, TaskQueue, PatchQueue, ReviewQueue} {
		m.queues[name] = &partitionedQueue{
			name:    name,
			byLease: make(map[string]*Item),
		}
	}
	return m
}

// Start launches the lease-expiry sweep. Safe to call once; duplicate
// calls are no-ops.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		slog.Warn("Queue manager already started, ignoring duplicate Start call")
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runSweep()
}

// Stop halts the sweep loop and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) runSweep() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.SweepExpired(time.Now())
		}
	}
}

// SweepExpired reclaims items whose lease has lapsed back to queued.
// Insertion order within a partition is preserved because items never
// leave the slice until settled. Returns the number reclaimed.
func (m *Manager) SweepExpired(now time.Time) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reclaimed := 0
	for _, q := range m.queues {
		q.mu.Lock()
		for leaseID, it := range q.byLease {
			if it.LeasedUntil.Before(now) {
				delete(q.byLease, leaseID)
				it.Status = StatusQueued
				it.LeaseID = ""
				it.LeasedUntil = time.Time{}
				reclaimed++
				slog.Debug("Lease expired, item re-queued",
					"queue", q.name, "item_id", it.ID, "attempts", it.Attempts)
			}
		}
		q.mu.Unlock()
	}
	return reclaimed
}

func (m *Manager) queue(name string) (*partitionedQueue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return q, nil
}

// Enqueue appends a payload and returns the assigned item id.
func (m *Manager) Enqueue(name string, payload any, opts ...EnqueueOption) (string, error) {
	q, err := m.queue(name)
	if err != nil {
		return "", err
	}

	it := &Item{
		ID:         uuid.New().String(),
		Payload:    payload,
		Status:     StatusQueued,
		EnqueuedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(it)
	}

	q.mu.Lock()
	it.seq = q.nextSeq
	q.nextSeq++
	q.items = append(q.items, it)
	q.totalEnqueued++
	q.mu.Unlock()

	slog.Debug("Item enqueued", "queue", name, "item_id", it.ID,
		"type", it.Type, "partition", it.PartitionKey)
	return it.ID, nil
}

// EnqueueOption customizes an item at enqueue time.
type EnqueueOption func(*Item)

// WithType tags the item with a payload type name.
func WithType(t string) EnqueueOption {
	return func(it *Item) { it.Type = t }
}

// WithPartition sets the item's partition key (usually the cid).
func WithPartition(key string) EnqueueOption {
	return func(it *Item) { it.PartitionKey = key }
}

// Pull leases up to opts.Max queued items. With a PartitionKey only that
// partition is drained, in insertion order. Without one, partitions are
// served round-robin so no partition is starved.
func (m *Manager) Pull(name string, opts PullOptions) ([]*Item, error) {
	q, err := m.queue(name)
	if err != nil {
		return nil, err
	}
	max := opts.Max
	if max <= 0 {
		max = 1
	}

	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	var picked []*Item
	if opts.PartitionKey != "" {
		for _, it := range q.items {
			if len(picked) >= max {
				break
			}
			if it.Status != StatusQueued || it.PartitionKey != opts.PartitionKey {
				continue
			}
			if opts.Filter != nil && !opts.Filter(it) {
				continue
			}
			picked = append(picked, it)
		}
	} else {
		picked = q.pickFair(max, opts.Filter)
	}

	if len(picked) == 0 {
		return nil, ErrNoItems
	}

	for _, it := range picked {
		it.Status = StatusLeased
		it.Attempts++
		it.LeaseID = uuid.New().String()
		it.LeasedUntil = now.Add(m.cfg.LeaseTTL)
		q.byLease[it.LeaseID] = it
	}
	out := make([]*Item, len(picked))
	for i, it := range picked {
		c := *it
		out[i] = &c
	}
	return out, nil
}

// pickFair selects up to max queued items round-robin across partitions,
// preserving insertion order within each partition. Caller holds q.mu.
func (q *partitionedQueue) pickFair(max int, filter func(*Item) bool) []*Item {
	perPart := make(map[string][]*Item)
	var order []string
	for _, it := range q.items {
		if it.Status != StatusQueued {
			continue
		}
		if filter != nil && !filter(it) {
			continue
		}
		if _, seen := perPart[it.PartitionKey]; !seen {
			order = append(order, it.PartitionKey)
		}
		perPart[it.PartitionKey] = append(perPart[it.PartitionKey], it)
	}
	if len(order) == 0 {
		return nil
	}
	sort.Strings(order)

	// Rotate the starting partition so repeated pulls do not pin the
	// lexicographically first partition.
	start := q.cursor % len(order)
	q.cursor++

	var picked []*Item
	for i := 0; len(picked) < max; i++ {
		advanced := false
		for j := 0; j < len(order) && len(picked) < max; j++ {
			part := order[(start+j)%len(order)]
			if i < len(perPart[part]) {
				picked = append(picked, perPart[part][i])
				advanced = true
			}
		}
		if !advanced {
			break
		}
	}
	return picked
}

// Ack settles a leased item as done and removes it from the queue.
func (m *Manager) Ack(name, leaseID string) error {
	q, err := m.queue(name)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byLease[leaseID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLeaseNotFound, leaseID)
	}
	delete(q.byLease, leaseID)
	it.Status = StatusDone
	q.done++
	q.remove(it)
	return nil
}

// Nack returns a leased item to the queue, or fails it when attempts are
// exhausted or the reason is non-retriable.
func (m *Manager) Nack(name, leaseID, reason string) error {
	q, err := m.queue(name)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byLease[leaseID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLeaseNotFound, leaseID)
	}
	delete(q.byLease, leaseID)
	it.LeaseID = ""
	it.LeasedUntil = time.Time{}

	if IsNonRetriable(reason) || it.Attempts >= m.cfg.MaxAttempts {
		it.Status = StatusFailed
		it.FailReason = reason
		q.failed++
		q.remove(it)
		slog.Warn("Item failed", "queue", name, "item_id", it.ID,
			"attempts", it.Attempts, "reason", reason)
		return nil
	}

	it.Status = StatusQueued
	slog.Debug("Item re-queued after nack", "queue", name,
		"item_id", it.ID, "attempts", it.Attempts, "reason", reason)
	return nil
}

// remove drops a settled item from the insertion slice. Caller holds q.mu.
func (q *partitionedQueue) remove(target *Item) {
	for i, it := range q.items {
		if it == target {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// Metrics snapshots one queue's counters.
func (m *Manager) Metrics(name string) (Metrics, error) {
	q, err := m.queue(name)
	if err != nil {
		return Metrics{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	s := Metrics{
		Done:          q.done,
		Failed:        q.failed,
		TotalEnqueued: q.totalEnqueued,
	}
	for _, it := range q.items {
		switch it.Status {
		case StatusQueued:
			s.Queued++
		case StatusLeased:
			s.Leased++
		}
	}
	s.Depth = s.Queued + s.Leased
	return s, nil
}

// Names returns the registered queue names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Peek returns copies of the first head live items, for debug endpoints.
// The returned items must never be mutated back into the queue.
func (m *Manager) Peek(name string, head int) ([]Item, error) {
	q, err := m.queue(name)
	if err != nil {
		return nil, err
	}
	if head <= 0 {
		head = 10
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(head, len(q.items))
	out := make([]Item, n)
	for i := 0; i < n; i++ {
		out[i] = *q.items[i]
	}
	return out, nil
}
