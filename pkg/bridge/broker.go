package bridge

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/theredstring/redstring-bridge/pkg/models"
)

// ErrActionNotFound indicates the action id is not in the pool.
var ErrActionNotFound = errors.New("pending action not found")

// Broker is the pending-action pool the UI client drains: actions are
// enqueued by the committer, leased exclusively to one puller, and
// removed when the client acknowledges completion.
type Broker struct {
	mu       sync.Mutex
	actions  []*models.PendingAction // enqueued + leased, in order
	feedback []models.ActionFeedback

	// activeGraph lets Enqueue prepend openGraph for mutations that
	// target an inactive graph.
	activeGraph func() string
	leaseTTL    time.Duration // 0 = leases never expire

	completedHooks []func(action *models.PendingAction)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBroker creates a broker. activeGraph reports the currently active
// graph id; leaseTTL of 0 disables the watchdog (the documented
// default — clients are expected to complete or feedback-with-error).
func NewBroker(activeGraph func() string, leaseTTL time.Duration) *Broker {
	return &Broker{
		activeGraph: activeGraph,
		leaseTTL:    leaseTTL,
		stopCh:      make(chan struct{}),
	}
}

// OnCompleted registers a hook invoked after an action is acknowledged.
// The committer uses this to drive the continuation loop.
func (b *Broker) OnCompleted(fn func(action *models.PendingAction)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completedHooks = append(b.completedHooks, fn)
}

// Enqueue appends actions to the pool in order. For any applyMutations
// action whose ops target a graph that is not currently active, an
// openGraph action for that graph id is prepended. Returns the stored
// actions, ids assigned.
func (b *Broker) Enqueue(cid string, actions []*models.PendingAction) []*models.PendingAction {
	active := ""
	if b.activeGraph != nil {
		active = b.activeGraph()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var stored []*models.PendingAction
	opened := make(map[string]bool)
	for _, a := range actions {
		if a.Action == models.ActionApplyMutations {
			if gid := mutationGraphID(a); gid != "" && gid != active && !opened[gid] {
				open := &models.PendingAction{
					ID:        uuid.New().String(),
					Action:    models.ActionOpenGraph,
					Params:    []any{gid},
					Meta:      &models.ActionMeta{CID: cid},
					Timestamp: time.Now(),
				}
				b.actions = append(b.actions, open)
				stored = append(stored, open)
				opened[gid] = true
				// The prepended open makes the graph active for the
				// rest of this batch.
				active = gid
			}
		}
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		if a.Meta == nil && cid != "" {
			a.Meta = &models.ActionMeta{CID: cid}
		}
		a.Timestamp = time.Now()
		b.actions = append(b.actions, a)
		stored = append(stored, a)
	}
	slog.Debug("Pending actions enqueued", "cid", cid, "count", len(stored))
	return stored
}

// mutationGraphID extracts the target graph id from an applyMutations
// action's first params entry ({graphId, ops}).
func mutationGraphID(a *models.PendingAction) string {
	if len(a.Params) == 0 {
		return ""
	}
	if m, ok := a.Params[0].(map[string]any); ok {
		if gid, ok := m["graphId"].(string); ok {
			return gid
		}
	}
	return ""
}

// Lease returns the enqueued actions not currently leased and marks each
// returned action leased. Concurrent calls see disjoint sets.
func (b *Broker) Lease() []*models.PendingAction {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var out []*models.PendingAction
	for _, a := range b.actions {
		if a.LeasedAt != nil {
			continue
		}
		t := now
		a.LeasedAt = &t
		cp := *a
		out = append(out, &cp)
	}
	return out
}

// Complete removes the action from the pool and releases its lease, then
// fires the completion hooks.
func (b *Broker) Complete(actionID string) (*models.PendingAction, error) {
	b.mu.Lock()
	var completed *models.PendingAction
	for i, a := range b.actions {
		if a.ID == actionID {
			completed = a
			b.actions = append(b.actions[:i], b.actions[i+1:]...)
			break
		}
	}
	hooks := append(([]func(*models.PendingAction))(nil), b.completedHooks...)
	b.mu.Unlock()

	if completed == nil {
		return nil, ErrActionNotFound
	}
	for _, hook := range hooks {
		hook(completed)
	}
	return completed, nil
}

// Started records the client-side start timestamp for latency tracing.
func (b *Broker) Started(actionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range b.actions {
		if a.ID == actionID {
			now := time.Now()
			a.StartedAt = &now
			return nil
		}
	}
	return ErrActionNotFound
}

// Feedback records progress or failure without changing lease state.
func (b *Broker) Feedback(fb models.ActionFeedback) {
	fb.ReceivedAt = time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.feedback = append(b.feedback, fb)
	if len(b.feedback) > 500 {
		b.feedback = b.feedback[len(b.feedback)-500:]
	}
}

// Pending returns a copy of the current pool (leased and unleased).
func (b *Broker) Pending() []models.PendingAction {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.PendingAction, len(b.actions))
	for i, a := range b.actions {
		out[i] = *a
	}
	return out
}

// Start launches the optional lease watchdog. No-op when leaseTTL is 0.
func (b *Broker) Start() {
	if b.leaseTTL <= 0 {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.leaseTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-b.stopCh:
				return
			case <-ticker.C:
				b.reclaimExpired(time.Now())
			}
		}
	}()
}

// Stop halts the watchdog.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

func (b *Broker) reclaimExpired(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range b.actions {
		if a.LeasedAt != nil && now.Sub(*a.LeasedAt) > b.leaseTTL {
			slog.Warn("Pending action lease expired, returning to pool",
				"action_id", a.ID, "action", a.Action)
			a.LeasedAt = nil
			a.StartedAt = nil
		}
	}
}
