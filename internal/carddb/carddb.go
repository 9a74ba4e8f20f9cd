// Package carddb imports the membership card database, a JSON array of
// members with their cards, into an acl.Admin.
package carddb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/londonhackspace/acserver/internal/acl"
)

// Record is one member in carddb.json.
type Record struct {
	ID         int64    `json:"id"`
	Nick       string   `json:"nick"`
	Subscribed bool     `json:"subscribed"`
	Cards      []string `json:"cards"`
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid card database")

// Parse decodes and validates a card database.
func Parse(r io.Reader) ([]acl.Member, error) {
	var records []Record
	dec := json.NewDecoder(r)
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return Members(records)
}

// Members validates records and converts them. User ids must be positive
// and unique, and no card may belong to two users.
func Members(records []Record) ([]acl.Member, error) {
	users := make(map[int64]struct{}, len(records))
	owners := make(map[acl.CardID]int64)
	out := make([]acl.Member, 0, len(records))
	for i, rec := range records {
		if rec.ID <= 0 {
			return nil, fmt.Errorf("%w: record %d has id %d", ErrInvalid, i, rec.ID)
		}
		if _, dup := users[rec.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate user id %d", ErrInvalid, rec.ID)
		}
		users[rec.ID] = struct{}{}

		m := acl.Member{User: acl.User{ID: rec.ID, Nick: rec.Nick, Subscribed: rec.Subscribed}}
		for _, raw := range rec.Cards {
			card, err := acl.ParseCardID(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: user %d: %v", ErrInvalid, rec.ID, err)
			}
			if owner, taken := owners[card]; taken {
				if owner == rec.ID {
					continue
				}
				return nil, fmt.Errorf("%w: card %s belongs to users %d and %d", ErrInvalid, card, owner, rec.ID)
			}
			owners[card] = rec.ID
			m.Cards = append(m.Cards, card)
		}
		out = append(out, m)
	}
	return out, nil
}

// Load reads and parses the file at path.
func Load(path string) ([]acl.Member, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Syncer keeps an acl.Admin in step with a card database file.
type Syncer struct {
	Path     string
	Admin    acl.Admin
	Interval time.Duration
	Logger   *zap.Logger

	lastMod time.Time
}

// SyncOnce imports the file unconditionally.
func (s *Syncer) SyncOnce(ctx context.Context) (int, error) {
	members, err := Load(s.Path)
	if err != nil {
		return 0, err
	}
	if err := s.Admin.ReplaceMembers(ctx, members); err != nil {
		return 0, fmt.Errorf("replace members: %w", err)
	}
	s.logger().Info("card database imported",
		zap.String("path", s.Path),
		zap.Int("members", len(members)),
	)
	return len(members), nil
}

// Run imports the file whenever its modification time changes, polling every
// Interval until ctx is done. A bad file is logged and the previous import
// stays in effect.
func (s *Syncer) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		s.poll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Syncer) poll(ctx context.Context) {
	st, err := os.Stat(s.Path)
	if err != nil {
		s.logger().Warn("card database unavailable", zap.String("path", s.Path), zap.Error(err))
		return
	}
	if !st.ModTime().After(s.lastMod) {
		return
	}
	if _, err := s.SyncOnce(ctx); err != nil {
		s.logger().Error("card database import failed", zap.String("path", s.Path), zap.Error(err))
		return
	}
	s.lastMod = st.ModTime()
}

func (s *Syncer) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
