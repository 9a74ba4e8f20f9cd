package acl

import (
	"context"
	"sort"
	"sync"
	"time"
)

type permKey struct {
	tool int64
	user int64
}

// InMemory implements Store and Admin in process. All writers share one
// lock, which trivially serializes writers of the same tool. It keeps every
// usage interval forever, so it suits development and tests rather than a
// long-running workshop.
type InMemory struct {
	mu          sync.RWMutex
	users       map[int64]User
	cards       map[CardID]Card
	tools       map[int64]Tool
	permissions map[permKey]Permission
	// usage holds each tool's intervals oldest first; open indexes the open
	// interval of each (tool, card) into that slice.
	usage map[int64][]UsageEvent
	open  map[int64]map[CardID]int
}

var (
	_ Store = (*InMemory)(nil)
	_ Admin = (*InMemory)(nil)
)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		users:       make(map[int64]User),
		cards:       make(map[CardID]Card),
		tools:       make(map[int64]Tool),
		permissions: make(map[permKey]Permission),
		usage:       make(map[int64][]UsageEvent),
		open:        make(map[int64]map[CardID]int),
	}
}

func (s *InMemory) View(ctx context.Context, fn func(r Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(memTx{s: s})
}

// Update runs fn under the write lock. Each write made through the Tx
// journals its inverse; if fn returns an error the journal is replayed
// newest first.
func (s *InMemory) Update(ctx context.Context, toolID int64, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var undo []func()
	if err := fn(memTx{s: s, undo: &undo}); err != nil {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return err
	}
	return nil
}

func (s *InMemory) Ping(ctx context.Context) error { return ctx.Err() }

// ReplaceMembers implements Admin.
func (s *InMemory) ReplaceMembers(ctx context.Context, members []Member) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]struct{}, len(members))
	cards := make(map[CardID]Card)
	for _, m := range members {
		seen[m.User.ID] = struct{}{}
		s.users[m.User.ID] = m.User
		for _, c := range m.Cards {
			cards[c] = Card{ID: c, UserID: m.User.ID}
		}
	}
	for id, u := range s.users {
		if _, ok := seen[id]; !ok {
			u.Subscribed = false
			s.users[id] = u
		}
	}
	s.cards = cards
	return nil
}

// PutTool implements Admin.
func (s *InMemory) PutTool(ctx context.Context, t Tool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[t.ID] = t
	return nil
}

// PutPermission implements Admin.
func (s *InMemory) PutPermission(ctx context.Context, p Permission) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return memTx{s: s}.UpsertPermission(ctx, p)
}

// Usage returns a copy of every recorded interval for tool, oldest first.
func (s *InMemory) Usage(toolID int64) []UsageEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]UsageEvent(nil), s.usage[toolID]...)
}

// memTx reads and writes the maps directly; callers hold the lock. undo is
// nil outside Update.
type memTx struct {
	s    *InMemory
	undo *[]func()
}

func (t memTx) journal(fn func()) {
	if t.undo != nil {
		*t.undo = append(*t.undo, fn)
	}
}

func (t memTx) Card(ctx context.Context, id CardID) (Holder, error) {
	c, ok := t.s.cards[id]
	if !ok {
		return Holder{}, ErrNotFound
	}
	u, ok := t.s.users[c.UserID]
	if !ok {
		return Holder{}, ErrNotFound
	}
	return Holder{Card: c, User: u}, nil
}

func (t memTx) User(ctx context.Context, id int64) (User, error) {
	u, ok := t.s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (t memTx) Tool(ctx context.Context, id int64) (Tool, error) {
	tool, ok := t.s.tools[id]
	if !ok {
		return Tool{}, ErrNotFound
	}
	return tool, nil
}

func (t memTx) Tools(ctx context.Context) ([]Tool, error) {
	out := make([]Tool, 0, len(t.s.tools))
	for _, tool := range t.s.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t memTx) Permission(ctx context.Context, toolID, userID int64) (Level, error) {
	p, ok := t.s.permissions[permKey{toolID, userID}]
	if !ok {
		return LevelNone, nil
	}
	return p.Level, nil
}

func (t memTx) PermissionsForUser(ctx context.Context, userID int64) (map[int64]Level, error) {
	out := make(map[int64]Level)
	for k, p := range t.s.permissions {
		if k.user == userID {
			out[k.tool] = p.Level
		}
	}
	return out, nil
}

func (t memTx) OpenUsage(ctx context.Context, toolID int64, card CardID) (UsageEvent, bool, error) {
	i, ok := t.s.open[toolID][card]
	if !ok {
		return UsageEvent{}, false, nil
	}
	return t.s.usage[toolID][i], true, nil
}

func (t memTx) ToolInUse(ctx context.Context, toolID int64) (bool, error) {
	return len(t.s.open[toolID]) > 0, nil
}

func (t memTx) UpsertPermission(ctx context.Context, p Permission) error {
	k := permKey{p.ToolID, p.UserID}
	prev, had := t.s.permissions[k]
	t.journal(func() {
		if had {
			t.s.permissions[k] = prev
		} else {
			delete(t.s.permissions, k)
		}
	})
	t.s.permissions[k] = p
	return nil
}

func (t memTx) SetToolStatus(ctx context.Context, toolID int64, status ToolStatus, message string) error {
	tool, ok := t.s.tools[toolID]
	if !ok {
		return ErrNotFound
	}
	prev := tool
	t.journal(func() { t.s.tools[toolID] = prev })
	tool.Status = status
	tool.StatusMessage = message
	t.s.tools[toolID] = tool
	return nil
}

func (t memTx) RecordUsage(ctx context.Context, ev UsageEvent) error {
	n := len(t.s.usage[ev.ToolID])
	t.s.usage[ev.ToolID] = append(t.s.usage[ev.ToolID], ev)
	if !ev.Open() {
		t.journal(func() { t.s.usage[ev.ToolID] = t.s.usage[ev.ToolID][:n] })
		return nil
	}
	prev, hadPrev := t.s.open[ev.ToolID][ev.CardID]
	t.setOpen(ev.ToolID, ev.CardID, n)
	t.journal(func() {
		t.s.usage[ev.ToolID] = t.s.usage[ev.ToolID][:n]
		if hadPrev {
			t.setOpen(ev.ToolID, ev.CardID, prev)
		} else {
			t.clearOpen(ev.ToolID, ev.CardID)
		}
	})
	return nil
}

// CloseUsage closes the open interval id. Closed or unknown ids are
// ErrNotFound.
func (t memTx) CloseUsage(ctx context.Context, id string, endedAt time.Time, d time.Duration) error {
	for toolID, cards := range t.s.open {
		for card, i := range cards {
			ev := &t.s.usage[toolID][i]
			if ev.ID != id {
				continue
			}
			prev := *ev
			end := endedAt
			ev.EndedAt = &end
			ev.Duration = d
			t.clearOpen(toolID, card)
			t.journal(func() {
				t.s.usage[toolID][i] = prev
				t.setOpen(toolID, card, i)
			})
			return nil
		}
	}
	return ErrNotFound
}

func (t memTx) setOpen(toolID int64, card CardID, i int) {
	cards, ok := t.s.open[toolID]
	if !ok {
		cards = make(map[CardID]int)
		t.s.open[toolID] = cards
	}
	cards[card] = i
}

func (t memTx) clearOpen(toolID int64, card CardID) {
	delete(t.s.open[toolID], card)
	if len(t.s.open[toolID]) == 0 {
		delete(t.s.open, toolID)
	}
}
