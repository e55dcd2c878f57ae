// Package trace correlates pipeline work per conversation id: every
// stage a cid passes through is recorded with its outcome.
package trace

import (
	"errors"
	"sync"
	"time"
)

// Stage names recorded per conversation.
const (
	StagePlanner   = "planner"
	StageExecutor  = "executor"
	StageAuditor   = "auditor"
	StageCommitter = "committer"
)

// Stage statuses.
const (
	StatusStart   = "start"
	StatusSuccess = "success"
	StatusError   = "error"
)

// ErrTraceNotFound indicates no trace exists for the cid.
var ErrTraceNotFound = errors.New("trace not found")

// StageRecord is one stage entry within a trace.
type StageRecord struct {
	Stage     string         `json:"stage"`
	StartedAt time.Time      `json:"startedAt"`
	EndedAt   *time.Time     `json:"endedAt,omitempty"`
	Status    string         `json:"status"`
	Data      map[string]any `json:"data,omitempty"`
}

// Trace holds every stage record for one conversation.
type Trace struct {
	CID       string         `json:"cid"`
	Message   string         `json:"message,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	StartedAt time.Time      `json:"startedAt"`
	Stages    []StageRecord  `json:"stages"`
}

// Summary is the compact listing form of a trace.
type Summary struct {
	CID       string    `json:"cid"`
	Message   string    `json:"message,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	Stages    int       `json:"stages"`
	LastStage string    `json:"lastStage,omitempty"`
	HasError  bool      `json:"hasError"`
}

// Stats aggregates tracer state for the debug endpoint.
type Stats struct {
	Traces      int            `json:"traces"`
	StageCounts map[string]int `json:"stageCounts"`
	Errors      int            `json:"errors"`
}

// Tracer keeps the most recent traces, evicting the oldest beyond cap.
type Tracer struct {
	mu     sync.Mutex
	cap    int
	order  []string // cids, oldest first
	traces map[string]*Trace
}

// NewTracer creates a tracer retaining up to capacity traces.
func NewTracer(capacity int) *Tracer {
	if capacity <= 0 {
		capacity = 200
	}
	return &Tracer{
		cap:    capacity,
		traces: make(map[string]*Trace),
	}
}

// StartTrace opens (or reopens) the trace for a cid.
func (t *Tracer) StartTrace(cid, message string, context map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.traces[cid]; !exists {
		t.order = append(t.order, cid)
	}
	t.traces[cid] = &Trace{
		CID:       cid,
		Message:   message,
		Context:   context,
		StartedAt: time.Now(),
	}
	t.evictLocked()
}

// RecordStage opens a stage entry with status=start.
func (t *Tracer) RecordStage(cid, stage string, data map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr := t.ensureLocked(cid)
	tr.Stages = append(tr.Stages, StageRecord{
		Stage:     stage,
		StartedAt: time.Now(),
		Status:    StatusStart,
		Data:      data,
	})
}

// CompleteStage closes the most recent open entry for the stage with
// success or error. Data is merged over the start payload.
func (t *Tracer) CompleteStage(cid, stage, outcome string, data map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr := t.ensureLocked(cid)
	now := time.Now()
	for i := len(tr.Stages) - 1; i >= 0; i-- {
		rec := &tr.Stages[i]
		if rec.Stage == stage && rec.Status == StatusStart {
			rec.Status = outcome
			rec.EndedAt = &now
			if len(data) > 0 {
				if rec.Data == nil {
					rec.Data = make(map[string]any, len(data))
				}
				for k, v := range data {
					rec.Data[k] = v
				}
			}
			return
		}
	}
	// No open entry: record a closed one so the outcome is not lost.
	tr.Stages = append(tr.Stages, StageRecord{
		Stage:     stage,
		StartedAt: now,
		EndedAt:   &now,
		Status:    outcome,
		Data:      data,
	})
}

// GetTrace returns a copy of the trace for a cid.
func (t *Tracer) GetTrace(cid string) (*Trace, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.traces[cid]
	if !ok {
		return nil, ErrTraceNotFound
	}
	cp := *tr
	cp.Stages = append([]StageRecord(nil), tr.Stages...)
	return &cp, nil
}

// GetStage returns the entries for one stage name of a cid.
func (t *Tracer) GetStage(cid, stage string) ([]StageRecord, error) {
	tr, err := t.GetTrace(cid)
	if err != nil {
		return nil, err
	}
	var out []StageRecord
	for _, rec := range tr.Stages {
		if rec.Stage == stage {
			out = append(out, rec)
		}
	}
	return out, nil
}

// GetRecentTraces returns summaries for the newest limit traces.
func (t *Tracer) GetRecentTraces(limit int) []Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.order) {
		limit = len(t.order)
	}
	out := make([]Summary, 0, limit)
	for i := len(t.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, t.summaryLocked(t.order[i]))
	}
	return out
}

// GetTraceSummary returns the compact form for one cid.
func (t *Tracer) GetTraceSummary(cid string) (Summary, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.traces[cid]; !ok {
		return Summary{}, ErrTraceNotFound
	}
	return t.summaryLocked(cid), nil
}

// GetStats aggregates stage counts across retained traces.
func (t *Tracer) GetStats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := Stats{
		Traces:      len(t.traces),
		StageCounts: make(map[string]int),
	}
	for _, tr := range t.traces {
		for _, rec := range tr.Stages {
			stats.StageCounts[rec.Stage]++
			if rec.Status == StatusError {
				stats.Errors++
			}
		}
	}
	return stats
}

func (t *Tracer) ensureLocked(cid string) *Trace {
	tr, ok := t.traces[cid]
	if !ok {
		tr = &Trace{CID: cid, StartedAt: time.Now()}
		t.traces[cid] = tr
		t.order = append(t.order, cid)
		t.evictLocked()
	}
	return tr
}

func (t *Tracer) evictLocked() {
	for len(t.order) > t.cap {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.traces, oldest)
	}
}

func (t *Tracer) summaryLocked(cid string) Summary {
	tr := t.traces[cid]
	s := Summary{
		CID:       tr.CID,
		Message:   tr.Message,
		StartedAt: tr.StartedAt,
		Stages:    len(tr.Stages),
	}
	for _, rec := range tr.Stages {
		s.LastStage = rec.Stage
		if rec.Status == StatusError {
			s.HasError = true
		}
	}
	return s
}
