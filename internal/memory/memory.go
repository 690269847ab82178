// Package memory maintains the token-budgeted prompt window over the
// history store. When a session outgrows its budget the oldest unpinned
// messages are evicted into a rolling summary, so the model keeps long-
// range context at a fraction of the tokens.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/parleybot/parley/internal/history"
	"github.com/parleybot/parley/pkg/models"
)

// promptHeadroom reserves priming tokens on top of the reply
// reservation when computing the budget.
const promptHeadroom = 8

// TokenCounter is the tokenizer subset the memory needs.
type TokenCounter interface {
	MessageTokens(msg *models.Message, model models.ChatModel) (int, error)
}

// Summarizer folds evicted messages into a new summary text. previous is
// the prior summary's content, empty for the first summarization.
// Implementations must not call back into the memory: summarization runs
// while the session window is being pruned.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, evicted []*models.Message) (string, error)
}

// ChatMemory presents per-session prompt windows. Prune and append for
// the same session are serialized within the process; cross-process
// races are tolerated because deleting an already-absorbed message is a
// no-op.
type ChatMemory struct {
	store            history.Store
	counter          TokenCounter
	summarizer       Summarizer
	model            models.ChatModel
	replyReservation int

	mu       sync.Mutex
	sessions map[string]*sync.Mutex
}

// New creates a ChatMemory with the given reply reservation.
func New(store history.Store, counter TokenCounter, summarizer Summarizer, model models.ChatModel, replyReservation int) *ChatMemory {
	return &ChatMemory{
		store:            store,
		counter:          counter,
		summarizer:       summarizer,
		model:            model,
		replyReservation: replyReservation,
		sessions:         make(map[string]*sync.Mutex),
	}
}

// Budget is the token budget of a prompt window.
func (m *ChatMemory) Budget() int {
	return m.model.Size - m.replyReservation - promptHeadroom
}

func (m *ChatMemory) sessionLock(session string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.sessions[session]
	if !ok {
		lock = &sync.Mutex{}
		m.sessions[session] = lock
	}
	return lock
}

// Append records a message at the end of the session's history.
func (m *ChatMemory) Append(ctx context.Context, session string, msg *models.Message) error {
	lock := m.sessionLock(session)
	lock.Lock()
	defer lock.Unlock()
	return m.store.Append(ctx, session, msg)
}

// Clear removes the session's history and summary.
func (m *ChatMemory) Clear(ctx context.Context, session string) error {
	lock := m.sessionLock(session)
	lock.Lock()
	defer lock.Unlock()
	return m.store.Clear(ctx, session)
}

// PromptWindow returns the session's messages fitting the budget,
// prefixed by the summary when one exists. Messages evicted to fit are
// folded into a fresh summary and deleted from the store. The result
// exceeds the budget only when every survivor is pinned (oversize but
// unavoidable).
func (m *ChatMemory) PromptWindow(ctx context.Context, session string) ([]*models.Message, error) {
	lock := m.sessionLock(session)
	lock.Lock()
	defer lock.Unlock()

	messages, err := m.store.Messages(ctx, session)
	if err != nil {
		return nil, err
	}
	summary, err := m.store.Summary(ctx, session)
	if err != nil {
		return nil, err
	}

	budget := m.Budget()

	// Per-message counts are computed once; eviction subtracts instead
	// of recounting the whole window each round.
	counts := make([]int, len(messages))
	total := messagesFraming
	for i, msg := range messages {
		n, err := m.counter.MessageTokens(msg, m.model)
		if err != nil {
			return nil, fmt.Errorf("counting message %s: %w", msg.ID, err)
		}
		counts[i] = n
		total += n
	}
	summaryTokens := 0
	if summary != nil {
		n, err := m.counter.MessageTokens(summary, m.model)
		if err != nil {
			return nil, fmt.Errorf("counting summary: %w", err)
		}
		summaryTokens = n
		total += n
	}

	window := messages
	var evicted []*models.Message
	previous := ""
	if summary != nil {
		previous = summary.Content
	}

	// The fresh summary can outgrow the one it replaces, so each round
	// recounts it and evicts again until the total fits or only pinned
	// messages remain.
	for total > budget {
		var round []*models.Message
		for total > budget {
			idx := -1
			for i, msg := range window {
				if !msg.Pinned {
					idx = i
					break
				}
			}
			if idx < 0 {
				break
			}
			round = append(round, window[idx])
			total -= counts[idx]
			window = append(window[:idx:idx], window[idx+1:]...)
			counts = append(counts[:idx:idx], counts[idx+1:]...)
		}
		if len(round) == 0 {
			break
		}

		text, err := m.summarizer.Summarize(ctx, previous, round)
		if err != nil {
			return nil, fmt.Errorf("summarizing evicted messages: %w", err)
		}
		summary = models.NewSummaryMessage(text, round[len(round)-1].ID)
		n, err := m.counter.MessageTokens(summary, m.model)
		if err != nil {
			return nil, fmt.Errorf("counting summary: %w", err)
		}
		total += n - summaryTokens
		summaryTokens = n
		previous = text
		evicted = append(evicted, round...)
	}

	if len(evicted) > 0 {
		if err := m.store.SetSummary(ctx, session, summary); err != nil {
			return nil, err
		}
		for _, msg := range evicted {
			if err := m.store.Delete(ctx, session, msg.ID); err != nil && !errors.Is(err, history.ErrNotFound) {
				return nil, err
			}
		}
	}

	if summary == nil {
		return window, nil
	}
	return append([]*models.Message{summary}, window...), nil
}

// messagesFraming mirrors the tokenizer's sequence framing and reply
// priming so the window total matches MessagesTokens.
const messagesFraming = 3
