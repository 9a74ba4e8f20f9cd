package acl

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryUpdateRollsBackOnError(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if err := s.PutTool(ctx, Tool{ID: 1, Name: "drill", Status: Online}); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := s.Update(ctx, 1, func(tx Tx) error {
		if err := tx.UpsertPermission(ctx, Permission{ToolID: 1, UserID: 7, Level: LevelUser}); err != nil {
			return err
		}
		if err := tx.SetToolStatus(ctx, 1, Offline, "gone"); err != nil {
			return err
		}
		if err := tx.RecordUsage(ctx, UsageEvent{ID: "a", ToolID: 1}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update err = %v", err)
	}

	err = s.View(ctx, func(r Reader) error {
		lvl, err := r.Permission(ctx, 1, 7)
		if err != nil {
			return err
		}
		if lvl != LevelNone {
			t.Fatalf("permission survived rollback: %v", lvl)
		}
		tool, err := r.Tool(ctx, 1)
		if err != nil {
			return err
		}
		if tool.Status != Online {
			t.Fatalf("status survived rollback")
		}
		inUse, err := r.ToolInUse(ctx, 1)
		if err != nil {
			return err
		}
		if inUse {
			t.Fatalf("usage survived rollback")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestInMemoryReplaceMembersMarksMissingUnsubscribed(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if err := s.ReplaceMembers(ctx, []Member{
		{User: User{ID: 1, Nick: "a", Subscribed: true}, Cards: []CardID{1}},
		{User: User{ID: 2, Nick: "b", Subscribed: true}, Cards: []CardID{2}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.ReplaceMembers(ctx, []Member{
		{User: User{ID: 1, Nick: "a", Subscribed: true}, Cards: []CardID{1, 3}},
	}); err != nil {
		t.Fatal(err)
	}
	_ = s.View(ctx, func(r Reader) error {
		u, err := r.User(ctx, 2)
		if err != nil {
			t.Fatalf("user 2 removed: %v", err)
		}
		if u.Subscribed {
			t.Fatal("user 2 still subscribed")
		}
		if _, err := r.Card(ctx, 2); !errors.Is(err, ErrNotFound) {
			t.Fatalf("card 2 still present: %v", err)
		}
		h, err := r.Card(ctx, 3)
		if err != nil || h.User.ID != 1 {
			t.Fatalf("card 3 = %+v, %v", h, err)
		}
		return nil
	})
}

func TestInMemoryHonoursCancelledContext(t *testing.T) {
	s := NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.View(ctx, func(Reader) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("View err = %v", err)
	}
	if err := s.Update(ctx, 1, func(Tx) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("Update err = %v", err)
	}
}

func TestSeedReference(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if err := SeedReference(ctx, s); err != nil {
		t.Fatal(err)
	}
	svc := NewService(s)
	for card, want := range map[CardID]Decision{
		0x00112233445566: GrantedMaintainer,
		0xaabbccdd:       GrantedMaintainer,
		0x22222222:       GrantedUser,
		0x33333333:       Denied,
		0x44444444:       Unknown,
	} {
		got, err := svc.Resolve(ctx, 1, card)
		if err != nil {
			t.Fatalf("Resolve(%v): %v", card, err)
		}
		if got != want {
			t.Fatalf("Resolve(%v) = %v, want %v", card, got, want)
		}
	}
}

func TestInMemoryRollbackReopensClosedInterval(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if err := s.PutTool(ctx, Tool{ID: 1, Name: "drill", Status: Online}); err != nil {
		t.Fatal(err)
	}
	if err := s.Update(ctx, 1, func(tx Tx) error {
		return tx.RecordUsage(ctx, UsageEvent{ID: "a", ToolID: 1, CardID: 9})
	}); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := s.Update(ctx, 1, func(tx Tx) error {
		if err := tx.CloseUsage(ctx, "a", time.Unix(10, 0), time.Second); err != nil {
			return err
		}
		if err := tx.RecordUsage(ctx, UsageEvent{ID: "b", ToolID: 1, CardID: 9}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update err = %v", err)
	}

	usage := s.Usage(1)
	if len(usage) != 1 || usage[0].ID != "a" || !usage[0].Open() {
		t.Fatalf("usage after rollback = %+v", usage)
	}
	_ = s.View(ctx, func(r Reader) error {
		ev, ok, err := r.OpenUsage(ctx, 1, 9)
		if err != nil || !ok || ev.ID != "a" {
			t.Fatalf("OpenUsage = %+v, %v, %v", ev, ok, err)
		}
		return nil
	})
}

func TestInMemoryCloseUsageIndexesOpenIntervals(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	err := s.Update(ctx, 1, func(tx Tx) error {
		for _, ev := range []UsageEvent{
			{ID: "a", ToolID: 1, CardID: 1},
			{ID: "b", ToolID: 1, CardID: 2},
			{ID: "c", ToolID: 2, CardID: 1},
		} {
			if err := tx.RecordUsage(ctx, ev); err != nil {
				return err
			}
		}
		if err := tx.CloseUsage(ctx, "a", time.Unix(5, 0), 0); err != nil {
			return err
		}
		if err := tx.CloseUsage(ctx, "a", time.Unix(6, 0), 0); !errors.Is(err, ErrNotFound) {
			t.Fatalf("closing twice = %v", err)
		}
		if inUse, _ := tx.ToolInUse(ctx, 1); !inUse {
			t.Fatal("tool 1 should still be in use by card 2")
		}
		if err := tx.CloseUsage(ctx, "b", time.Unix(7, 0), 0); err != nil {
			return err
		}
		if inUse, _ := tx.ToolInUse(ctx, 1); inUse {
			t.Fatal("tool 1 still in use")
		}
		if inUse, _ := tx.ToolInUse(ctx, 2); !inUse {
			t.Fatal("tool 2 should be in use")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
