package command

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// DefaultLimit is the undo depth used when none is configured
const DefaultLimit = 50

var (
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
)

// History describes the undo and redo stacks
type History struct {
	CanUndo bool
	CanRedo bool
	// Descriptions of the commands on top of each stack
	NextUndo string
	NextRedo string
}

// Manager executes commands and keeps bounded undo and redo stacks
type Manager struct {
	limit int

	mu   sync.Mutex
	undo []Command
	redo []Command

	subMu  sync.Mutex
	subs   map[int]func(History)
	nextID int
}

// NewManager creates a command manager keeping at most limit undo steps
func NewManager(limit int) *Manager {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Manager{limit: limit, subs: make(map[int]func(History))}
}

// Execute runs cmd and records it for undo. The redo stack is cleared.
func (m *Manager) Execute(ctx context.Context, cmd Command) error {
	m.mu.Lock()
	if err := cmd.Execute(ctx); err != nil {
		m.mu.Unlock()
		return wrap(cmd, err)
	}

	m.undo = append(m.undo, cmd)
	if len(m.undo) > m.limit {
		m.undo = m.undo[len(m.undo)-m.limit:]
	}
	m.redo = nil
	h := m.historyLocked()
	m.mu.Unlock()

	slog.Debug("command executed", "command", cmd.Description())
	m.notify(h)
	return nil
}

// Undo reverts the most recent command. A failed undo leaves both stacks
// unchanged.
func (m *Manager) Undo(ctx context.Context) error {
	m.mu.Lock()
	if len(m.undo) == 0 {
		m.mu.Unlock()
		return ErrNothingToUndo
	}
	cmd := m.undo[len(m.undo)-1]
	if err := cmd.Undo(ctx); err != nil {
		m.mu.Unlock()
		return wrap(cmd, err)
	}

	m.undo = m.undo[:len(m.undo)-1]
	m.redo = append(m.redo, cmd)
	h := m.historyLocked()
	m.mu.Unlock()

	slog.Debug("command undone", "command", cmd.Description())
	m.notify(h)
	return nil
}

// Redo re-applies the most recently undone command
func (m *Manager) Redo(ctx context.Context) error {
	m.mu.Lock()
	if len(m.redo) == 0 {
		m.mu.Unlock()
		return ErrNothingToRedo
	}
	cmd := m.redo[len(m.redo)-1]
	if err := cmd.Execute(ctx); err != nil {
		m.mu.Unlock()
		return wrap(cmd, err)
	}

	m.redo = m.redo[:len(m.redo)-1]
	m.undo = append(m.undo, cmd)
	if len(m.undo) > m.limit {
		m.undo = m.undo[len(m.undo)-m.limit:]
	}
	h := m.historyLocked()
	m.mu.Unlock()

	slog.Debug("command redone", "command", cmd.Description())
	m.notify(h)
	return nil
}

func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo) > 0
}

func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redo) > 0
}

// History returns the current stack summary
func (m *Manager) History() History {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.historyLocked()
}

// Clear drops both stacks
func (m *Manager) Clear() {
	m.mu.Lock()
	m.undo, m.redo = nil, nil
	h := m.historyLocked()
	m.mu.Unlock()
	m.notify(h)
}

func (m *Manager) historyLocked() History {
	h := History{CanUndo: len(m.undo) > 0, CanRedo: len(m.redo) > 0}
	if h.CanUndo {
		h.NextUndo = m.undo[len(m.undo)-1].Description()
	}
	if h.CanRedo {
		h.NextRedo = m.redo[len(m.redo)-1].Description()
	}
	return h
}

// Subscribe registers fn for stack changes. The returned function removes
// the subscription.
func (m *Manager) Subscribe(fn func(History)) func() {
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
		})
	}
}

func (m *Manager) notify(h History) {
	m.subMu.Lock()
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(History), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.subs[id])
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(h)
	}
}
