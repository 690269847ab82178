// Package usage tracks token usage and cost per model and per session.
package usage

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/parleybot/parley/pkg/models"
)

// Usage is the token accounting of one or more generation runs.
type Usage struct {
	PromptTokens int64   `json:"prompt_tokens"`
	ReplyTokens  int64   `json:"reply_tokens"`
	Cost         float64 `json:"cost,omitempty"`
}

// Total returns the total token count.
func (u *Usage) Total() int64 {
	return u.PromptTokens + u.ReplyTokens
}

// Add folds another usage record into this one.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.ReplyTokens += other.ReplyTokens
	u.Cost += other.Cost
}

// Estimate computes the USD cost of the counts under a model's per-1k
// rates.
func Estimate(model models.ChatModel, promptTokens, replyTokens int) float64 {
	return float64(promptTokens)/1000*model.InputCost +
		float64(replyTokens)/1000*model.OutputCost
}

// Record is one run's usage.
type Record struct {
	ID        string    `json:"id"`
	Session   string    `json:"session"`
	Model     string    `json:"model"`
	Usage     Usage     `json:"usage"`
	Timestamp time.Time `json:"timestamp"`
}

// Tracker aggregates usage records, keeping totals per model and per
// session with a bounded record log.
type Tracker struct {
	mu        sync.RWMutex
	records   []Record
	byModel   map[string]*Usage
	bySession map[string]*Usage
	maxAge    time.Duration
	maxCount  int
}

// TrackerConfig configures the usage tracker.
type TrackerConfig struct {
	MaxAge   time.Duration
	MaxCount int
}

// DefaultTrackerConfig returns default tracker configuration.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxAge:   24 * time.Hour,
		MaxCount: 10000,
	}
}

// NewTracker creates a usage tracker.
func NewTracker(config TrackerConfig) *Tracker {
	if config.MaxAge <= 0 {
		config.MaxAge = 24 * time.Hour
	}
	if config.MaxCount <= 0 {
		config.MaxCount = 10000
	}
	return &Tracker{
		byModel:   make(map[string]*Usage),
		bySession: make(map[string]*Usage),
		maxAge:    config.MaxAge,
		maxCount:  config.MaxCount,
	}
}

// Record adds a usage record.
func (t *Tracker) Record(r Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	t.records = append(t.records, r)

	if t.byModel[r.Model] == nil {
		t.byModel[r.Model] = &Usage{}
	}
	t.byModel[r.Model].Add(&r.Usage)

	if r.Session != "" {
		if t.bySession[r.Session] == nil {
			t.bySession[r.Session] = &Usage{}
		}
		t.bySession[r.Session].Add(&r.Usage)
	}

	t.pruneOld()
}

// pruneOld drops records older than maxAge and beyond maxCount.
func (t *Tracker) pruneOld() {
	cutoff := time.Now().Add(-t.maxAge)

	startIdx := 0
	for i, r := range t.records {
		if r.Timestamp.After(cutoff) {
			startIdx = i
			break
		}
		startIdx = i + 1
	}
	if startIdx > 0 {
		t.records = t.records[startIdx:]
	}
	if len(t.records) > t.maxCount {
		t.records = t.records[len(t.records)-t.maxCount:]
	}
}

// ModelTotals returns accumulated usage for a model, or nil.
func (t *Tracker) ModelTotals(model string) *Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if u := t.byModel[model]; u != nil {
		c := *u
		return &c
	}
	return nil
}

// SessionTotals returns accumulated usage for a session, or nil.
func (t *Tracker) SessionTotals(session string) *Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if u := t.bySession[session]; u != nil {
		c := *u
		return &c
	}
	return nil
}

// RecentRecords returns the most recent records, newest last.
func (t *Tracker) RecentRecords(limit int) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.records) {
		limit = len(t.records)
	}
	start := len(t.records) - limit
	out := make([]Record, limit)
	copy(out, t.records[start:])
	return out
}

// Summary returns per-model totals.
func (t *Tracker) Summary() map[string]*Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]*Usage, len(t.byModel))
	for model, u := range t.byModel {
		c := *u
		out[model] = &c
	}
	return out
}

// FormatTokenCount formats a token count for display.
func FormatTokenCount(count int64) string {
	switch {
	case count <= 0:
		return "0"
	case count >= 1_000_000:
		return fmt.Sprintf("%.1fm", float64(count)/1_000_000)
	case count >= 10_000:
		return fmt.Sprintf("%dk", count/1_000)
	case count >= 1_000:
		return fmt.Sprintf("%.1fk", float64(count)/1_000)
	default:
		return fmt.Sprintf("%d", count)
	}
}

// FormatUSD formats a dollar amount for display; empty for zero.
func FormatUSD(amount float64) string {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return ""
	}
	if amount >= 0.01 {
		return fmt.Sprintf("$%.2f", amount)
	}
	return fmt.Sprintf("$%.4f", amount)
}
