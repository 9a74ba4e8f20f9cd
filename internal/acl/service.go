package acl

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/londonhackspace/acserver/internal/ids"
)

// Event describes one request handled by the service, for the access log.
type Event struct {
	At        time.Time
	Operation string
	ToolID    int64
	Card      CardID
	Target    CardID
	UserID    int64
	Result    string
	Duration  time.Duration
}

// EventSink receives an Event after every decision. Record must not block.
type EventSink interface {
	Record(ev Event)
}

// Sinks records every event to each of its members in order.
type Sinks []EventSink

func (s Sinks) Record(ev Event) {
	for _, sink := range s {
		sink.Record(ev)
	}
}

// Service implements the resolver, grant manager and usage tracker on top
// of a Store.
type Service struct {
	store Store
	now   func() time.Time
	newID func() string
	sink  EventSink
}

// Option configures Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDs overrides the usage event id generator.
func WithIDs(gen func() string) Option {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithEventSink sends every decision to sink.
func WithEventSink(sink EventSink) Option {
	return func(s *Service) { s.sink = sink }
}

// NewService builds a Service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		now:   time.Now,
		newID: ids.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// clock returns the current time truncated to the second; usage intervals
// are tracked with second granularity.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Second)
}

func (s *Service) record(ev Event) {
	if s.sink == nil {
		return
	}
	ev.At = s.now().UTC()
	s.sink.Record(ev)
}

// resolve applies the decision policy against r. Unknown cards, unsubscribed
// owners and unknown tools all resolve to Unknown, in that order.
func resolve(ctx context.Context, r Reader, toolID int64, card CardID) (Decision, Holder, error) {
	h, err := r.Card(ctx, card)
	if errors.Is(err, ErrNotFound) {
		return Unknown, Holder{}, nil
	}
	if err != nil {
		return Unknown, Holder{}, fmt.Errorf("lookup card %s: %w", card, err)
	}
	if !h.User.Subscribed {
		return Unknown, h, nil
	}
	if _, err := r.Tool(ctx, toolID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Unknown, h, nil
		}
		return Unknown, h, fmt.Errorf("lookup tool %d: %w", toolID, err)
	}
	lvl, err := r.Permission(ctx, toolID, h.User.ID)
	if err != nil {
		return Unknown, h, fmt.Errorf("lookup permission: %w", err)
	}
	return decisionFor(lvl), h, nil
}

// Resolve decides whether card may operate tool.
func (s *Service) Resolve(ctx context.Context, toolID int64, card CardID) (Decision, error) {
	var (
		d Decision
		h Holder
	)
	err := s.store.View(ctx, func(r Reader) error {
		var err error
		d, h, err = resolve(ctx, r, toolID, card)
		return err
	})
	if err != nil {
		return Unknown, err
	}
	s.record(Event{Operation: "resolve", ToolID: toolID, Card: card, UserID: h.User.ID, Result: d.String()})
	return d, nil
}

// Grant gives target user level access to tool on behalf of requester, who
// must be a maintainer of the tool. An existing row for target is always
// overwritten, so granting to a maintainer (including oneself) downgrades
// them to user.
func (s *Service) Grant(ctx context.Context, toolID int64, target, requester CardID) (Outcome, error) {
	out := Refused
	var grantee int64
	err := s.store.Update(ctx, toolID, func(tx Tx) error {
		d, req, err := resolve(ctx, tx, toolID, requester)
		if err != nil {
			return err
		}
		if d != GrantedMaintainer {
			return nil
		}
		tgt, err := tx.Card(ctx, target)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup card %s: %w", target, err)
		}
		if !tgt.User.Subscribed {
			return nil
		}
		if err := tx.UpsertPermission(ctx, Permission{
			ToolID:  toolID,
			UserID:  tgt.User.ID,
			Level:   LevelUser,
			AddedBy: req.User.ID,
			AddedOn: s.clock(),
		}); err != nil {
			return fmt.Errorf("upsert permission: %w", err)
		}
		grantee = tgt.User.ID
		out = OK
		return nil
	})
	if err != nil {
		return Refused, err
	}
	s.record(Event{Operation: "grant", ToolID: toolID, Card: requester, Target: target, UserID: grantee, Result: out.String()})
	return out, nil
}

// SetToolStatus takes a tool in or out of service. Only maintainers of the
// tool may do so.
func (s *Service) SetToolStatus(ctx context.Context, toolID int64, status ToolStatus, requester CardID) (Outcome, error) {
	out := Refused
	err := s.store.Update(ctx, toolID, func(tx Tx) error {
		d, req, err := resolve(ctx, tx, toolID, requester)
		if err != nil {
			return err
		}
		if d != GrantedMaintainer {
			return nil
		}
		msg := "Put back in service by " + req.User.Nick
		if status == Offline {
			msg = "Taken out of service by " + req.User.Nick
		}
		if err := tx.SetToolStatus(ctx, toolID, status, msg); err != nil {
			return fmt.Errorf("set tool status: %w", err)
		}
		out = OK
		return nil
	})
	if err != nil {
		return Refused, err
	}
	s.record(Event{Operation: "status", ToolID: toolID, Card: requester, Result: out.String()})
	return out, nil
}

// authorizeUse checks that card is known, subscribed, and tool exists. No
// permission level is required to report usage.
func authorizeUse(ctx context.Context, r Reader, toolID int64, card CardID) (Holder, bool, error) {
	h, err := r.Card(ctx, card)
	if errors.Is(err, ErrNotFound) {
		return Holder{}, false, nil
	}
	if err != nil {
		return Holder{}, false, fmt.Errorf("lookup card %s: %w", card, err)
	}
	if !h.User.Subscribed {
		return h, false, nil
	}
	if _, err := r.Tool(ctx, toolID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return h, false, nil
		}
		return h, false, fmt.Errorf("lookup tool %d: %w", toolID, err)
	}
	return h, true, nil
}

// ReportToolUse opens or closes a usage interval. Repeated starts keep the
// interval already open and a stop with nothing open is a no-op; both are
// accepted.
//
// A start and stop inside the same wall-clock second leave a zero length
// interval, so a concurrent reader may never observe the tool in use.
func (s *Service) ReportToolUse(ctx context.Context, toolID int64, card CardID, report UsageReport) (Outcome, error) {
	out := Refused
	var elapsed time.Duration
	err := s.store.Update(ctx, toolID, func(tx Tx) error {
		h, ok, err := authorizeUse(ctx, tx, toolID, card)
		if err != nil || !ok {
			return err
		}
		open, found, err := tx.OpenUsage(ctx, toolID, card)
		if err != nil {
			return fmt.Errorf("lookup open usage: %w", err)
		}
		now := s.clock()
		switch report {
		case UsageStart:
			if !found {
				if err := tx.RecordUsage(ctx, UsageEvent{
					ID:        s.newID(),
					ToolID:    toolID,
					CardID:    card,
					UserID:    h.User.ID,
					StartedAt: now,
				}); err != nil {
					return fmt.Errorf("record usage: %w", err)
				}
			}
		case UsageStop:
			if found {
				elapsed = now.Sub(open.StartedAt)
				if elapsed < 0 {
					elapsed = 0
				}
				if err := tx.CloseUsage(ctx, open.ID, now, elapsed); err != nil {
					return fmt.Errorf("close usage: %w", err)
				}
			}
		default:
			return fmt.Errorf("%w: tool use flag %d", ErrInvalidStatus, report)
		}
		out = OK
		return nil
	})
	if err != nil {
		return Refused, err
	}
	op := "tooluse.start"
	if report == UsageStop {
		op = "tooluse.stop"
	}
	s.record(Event{Operation: op, ToolID: toolID, Card: card, Result: out.String(), Duration: elapsed})
	return out, nil
}

// ReportToolUseTime records a finished interval of the given length, ending
// now. Open intervals are left alone.
func (s *Service) ReportToolUseTime(ctx context.Context, toolID int64, card CardID, seconds int64) (Outcome, error) {
	d, err := ToolUseDuration(seconds)
	if err != nil {
		return Refused, err
	}
	out := Refused
	err = s.store.Update(ctx, toolID, func(tx Tx) error {
		h, ok, err := authorizeUse(ctx, tx, toolID, card)
		if err != nil || !ok {
			return err
		}
		end := s.clock()
		if err := tx.RecordUsage(ctx, UsageEvent{
			ID:        s.newID(),
			ToolID:    toolID,
			CardID:    card,
			UserID:    h.User.ID,
			StartedAt: end.Add(-d),
			EndedAt:   &end,
			Duration:  d,
		}); err != nil {
			return fmt.Errorf("record usage: %w", err)
		}
		out = OK
		return nil
	})
	if err != nil {
		return Refused, err
	}
	s.record(Event{Operation: "tooluse.time", ToolID: toolID, Card: card, Result: out.String(), Duration: d})
	return out, nil
}

// IsToolInUse reports whether any card has an open interval on the tool.
func (s *Service) IsToolInUse(ctx context.Context, toolID int64) (bool, error) {
	var inUse bool
	err := s.store.View(ctx, func(r Reader) error {
		if _, err := r.Tool(ctx, toolID); err != nil {
			return err
		}
		var err error
		inUse, err = r.ToolInUse(ctx, toolID)
		return err
	})
	return inUse, err
}

// ToolStatus returns the in-service flag of a tool.
func (s *Service) ToolStatus(ctx context.Context, toolID int64) (ToolStatus, error) {
	var t Tool
	err := s.store.View(ctx, func(r Reader) error {
		var err error
		t, err = r.Tool(ctx, toolID)
		return err
	})
	if err != nil {
		return Offline, err
	}
	return t.Status, nil
}

// VerifyNode checks the shared secret a node presented for tool. A tool
// without a secret accepts anything.
func (s *Service) VerifyNode(ctx context.Context, toolID int64, secret string) (bool, error) {
	var t Tool
	err := s.store.View(ctx, func(r Reader) error {
		var err error
		t, err = r.Tool(ctx, toolID)
		return err
	})
	if err != nil {
		return false, err
	}
	if t.Secret == "" {
		return true, nil
	}
	return subtle.ConstantTimeCompare([]byte(t.Secret), []byte(secret)) == 1, nil
}

// ToolsSummaryForUser lists every tool, ordered by id, with the user's
// effective permission on it.
func (s *Service) ToolsSummaryForUser(ctx context.Context, userID int64) ([]ToolSummary, error) {
	var out []ToolSummary
	err := s.store.View(ctx, func(r Reader) error {
		u, err := r.User(ctx, userID)
		if err != nil {
			return err
		}
		tools, err := r.Tools(ctx)
		if err != nil {
			return err
		}
		perms, err := r.PermissionsForUser(ctx, userID)
		if err != nil {
			return err
		}
		out = make([]ToolSummary, 0, len(tools))
		for _, t := range tools {
			lvl := perms[t.ID]
			if !u.Subscribed {
				lvl = LevelNone
			}
			inUse, err := r.ToolInUse(ctx, t.ID)
			if err != nil {
				return err
			}
			out = append(out, ToolSummary{
				Permission:    lvl.String(),
				Status:        t.Status.String(),
				StatusMessage: t.StatusMessage,
				Name:          t.Name,
				InUse:         yesNo(inUse),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Whois returns the owner of a card.
func (s *Service) Whois(ctx context.Context, card CardID) (Holder, error) {
	var h Holder
	err := s.store.View(ctx, func(r Reader) error {
		var err error
		h, err = r.Card(ctx, card)
		return err
	})
	return h, err
}

// Ping checks the underlying store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
