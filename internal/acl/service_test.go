package acl

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	cardMaintainerLong  CardID = 0x00112233445566
	cardMaintainerShort CardID = 0xaabbccdd
	cardUser            CardID = 0x22222222
	cardNoPerm          CardID = 0x33333333
	cardLapsed          CardID = 0x44444444
	cardNeverSeen       CardID = 0x12345678
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureSink) Record(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

// newFixture seeds tool 1 with a two-card maintainer (user 1), a user
// (user 2), a card with no permission (user 3) and a lapsed member (user 4)
// who still has a maintainer row.
func newFixture(t *testing.T, opts ...Option) (*Service, *InMemory, *fakeClock) {
	t.Helper()
	ctx := context.Background()
	store := NewInMemory()
	clk := &fakeClock{now: time.Date(2026, 5, 4, 18, 30, 0, 0, time.UTC)}

	members := []Member{
		{User: User{ID: 1, Nick: "maint", Subscribed: true}, Cards: []CardID{cardMaintainerLong, cardMaintainerShort}},
		{User: User{ID: 2, Nick: "alice", Subscribed: true}, Cards: []CardID{cardUser}},
		{User: User{ID: 3, Nick: "bob", Subscribed: true}, Cards: []CardID{cardNoPerm}},
		{User: User{ID: 4, Nick: "lapsed", Subscribed: false}, Cards: []CardID{cardLapsed}},
	}
	if err := store.ReplaceMembers(ctx, members); err != nil {
		t.Fatalf("ReplaceMembers: %v", err)
	}
	if err := store.PutTool(ctx, Tool{ID: 1, Name: "test_tool", Status: Online, StatusMessage: "working ok"}); err != nil {
		t.Fatalf("PutTool: %v", err)
	}
	if err := store.PutTool(ctx, Tool{ID: 2, Name: "lathe", Status: Online}); err != nil {
		t.Fatalf("PutTool: %v", err)
	}
	for _, p := range []Permission{
		{ToolID: 1, UserID: 2, Level: LevelUser, AddedOn: clk.Now()},
		{ToolID: 1, UserID: 1, Level: LevelMaintainer, AddedOn: clk.Now()},
		{ToolID: 1, UserID: 4, Level: LevelMaintainer, AddedOn: clk.Now()},
	} {
		if err := store.PutPermission(ctx, p); err != nil {
			t.Fatalf("PutPermission: %v", err)
		}
	}

	var seq atomic.Int64
	opts = append([]Option{
		WithClock(clk.Now),
		WithIDs(func() string { return fmt.Sprintf("ev-%03d", seq.Add(1)) }),
	}, opts...)
	return NewService(store, opts...), store, clk
}

func mustResolve(t *testing.T, svc *Service, tool int64, card CardID) Decision {
	t.Helper()
	d, err := svc.Resolve(context.Background(), tool, card)
	if err != nil {
		t.Fatalf("Resolve(%d, %s): %v", tool, card, err)
	}
	return d
}

func TestResolveScenario(t *testing.T) {
	svc, _, _ := newFixture(t)

	cases := []struct {
		name string
		tool int64
		card CardID
		want Decision
	}{
		{"user", 1, cardUser, GrantedUser},
		{"maintainer long uid", 1, cardMaintainerLong, GrantedMaintainer},
		{"maintainer second card", 1, cardMaintainerShort, GrantedMaintainer},
		{"known without permission", 1, cardNoPerm, Denied},
		{"never registered", 1, cardNeverSeen, Unknown},
		{"unsubscribed with stale row", 1, cardLapsed, Unknown},
		{"unknown tool", 42, cardUser, Unknown},
		{"other tool no row", 2, cardMaintainerLong, Denied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := mustResolve(t, svc, tc.tool, tc.card); got != tc.want {
				t.Fatalf("Resolve = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestResolveWireCodes(t *testing.T) {
	svc, _, _ := newFixture(t)
	want := map[CardID]int{
		cardUser:           1,
		cardMaintainerLong: 2,
		cardNeverSeen:      -1,
		cardNoPerm:         0,
	}
	for card, code := range want {
		if got := mustResolve(t, svc, 1, card).Code(); got != code {
			t.Fatalf("code for %s = %d, want %d", card, got, code)
		}
	}
}

func TestResolveUnknownCardForEveryTool(t *testing.T) {
	svc, _, _ := newFixture(t)
	for _, tool := range []int64{1, 2, 3, 999} {
		for _, card := range []CardID{0, 1, cardNeverSeen, 0xffffffff, 0xfffffffffffff} {
			if got := mustResolve(t, svc, tool, card); got != Unknown {
				t.Fatalf("Resolve(%d, %s) = %v, want unknown", tool, card, got)
			}
		}
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	svc, store, _ := newFixture(t)
	perms, usage := len(store.permissions), len(store.Usage(1))
	for i := 0; i < 5; i++ {
		if got := mustResolve(t, svc, 1, cardUser); got != GrantedUser {
			t.Fatalf("iteration %d: got %v", i, got)
		}
	}
	if len(store.permissions) != perms || len(store.Usage(1)) != usage {
		t.Fatal("resolve mutated state")
	}
}

func TestUnsubscribeMasksPermissionImmediately(t *testing.T) {
	svc, store, _ := newFixture(t)
	ctx := context.Background()
	if got := mustResolve(t, svc, 1, cardUser); got != GrantedUser {
		t.Fatalf("precondition: %v", got)
	}
	members := []Member{
		{User: User{ID: 1, Nick: "maint", Subscribed: true}, Cards: []CardID{cardMaintainerLong, cardMaintainerShort}},
		{User: User{ID: 2, Nick: "alice", Subscribed: false}, Cards: []CardID{cardUser}},
	}
	if err := store.ReplaceMembers(ctx, members); err != nil {
		t.Fatalf("ReplaceMembers: %v", err)
	}
	if got := mustResolve(t, svc, 1, cardUser); got != Unknown {
		t.Fatalf("unsubscribed user resolved to %v", got)
	}
	// user 3 dropped out of the card database entirely.
	if got := mustResolve(t, svc, 1, cardNoPerm); got != Unknown {
		t.Fatalf("removed card resolved to %v", got)
	}
}

func TestGrantByMaintainer(t *testing.T) {
	svc, store, clk := newFixture(t)
	ctx := context.Background()

	out, err := svc.Grant(ctx, 1, cardNoPerm, cardMaintainerShort)
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if out != OK || out.Code() != 1 {
		t.Fatalf("Grant = %v, want ok", out)
	}
	if got := mustResolve(t, svc, 1, cardNoPerm); got != GrantedUser {
		t.Fatalf("after grant resolve = %v", got)
	}

	p := store.permissions[permKey{1, 3}]
	if p.AddedBy != 1 {
		t.Fatalf("added_by = %d, want 1", p.AddedBy)
	}
	if !p.AddedOn.Equal(clk.Now()) {
		t.Fatalf("added_on = %v, want %v", p.AddedOn, clk.Now())
	}
}

func TestGrantRefusals(t *testing.T) {
	cases := []struct {
		name      string
		target    CardID
		requester CardID
		tool      int64
	}{
		{"user level requester", cardNoPerm, cardUser, 1},
		{"denied requester", cardUser, cardNoPerm, 1},
		{"unknown requester", cardNoPerm, cardNeverSeen, 1},
		{"unsubscribed requester with maintainer row", cardNoPerm, cardLapsed, 1},
		{"unknown target", cardNeverSeen, cardMaintainerLong, 1},
		{"unsubscribed target", cardLapsed, cardMaintainerLong, 1},
		{"unknown tool", cardNoPerm, cardMaintainerLong, 42},
		{"maintainer of another tool", cardNoPerm, cardMaintainerLong, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, store, _ := newFixture(t)
			before := maps.Clone(store.permissions)
			out, err := svc.Grant(context.Background(), tc.tool, tc.target, tc.requester)
			if err != nil {
				t.Fatalf("Grant: %v", err)
			}
			if out != Refused || out.Code() != 0 {
				t.Fatalf("Grant = %v, want refused", out)
			}
			if !maps.Equal(before, store.permissions) {
				t.Fatalf("permission rows changed: %+v -> %+v", before, store.permissions)
			}
		})
	}
}

func TestGrantByNonMaintainerLeavesTargetUnchanged(t *testing.T) {
	svc, _, _ := newFixture(t)
	before := mustResolve(t, svc, 1, cardNoPerm)
	out, err := svc.Grant(context.Background(), 1, cardNoPerm, cardUser)
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if out != Refused {
		t.Fatalf("Grant = %v", out)
	}
	if after := mustResolve(t, svc, 1, cardNoPerm); after != before {
		t.Fatalf("resolve changed from %v to %v", before, after)
	}
}

func TestGrantDowngradesExistingMaintainer(t *testing.T) {
	svc, store, _ := newFixture(t)
	ctx := context.Background()
	if err := store.ReplaceMembers(ctx, []Member{
		{User: User{ID: 1, Nick: "maint", Subscribed: true}, Cards: []CardID{cardMaintainerLong, cardMaintainerShort}},
		{User: User{ID: 5, Nick: "carol", Subscribed: true}, Cards: []CardID{0x55555555}},
	}); err != nil {
		t.Fatalf("ReplaceMembers: %v", err)
	}
	if err := store.PutPermission(ctx, Permission{ToolID: 1, UserID: 5, Level: LevelMaintainer}); err != nil {
		t.Fatalf("PutPermission: %v", err)
	}

	out, err := svc.Grant(ctx, 1, 0x55555555, cardMaintainerLong)
	if err != nil || out != OK {
		t.Fatalf("Grant = %v, %v", out, err)
	}
	if got := mustResolve(t, svc, 1, 0x55555555); got != GrantedUser {
		t.Fatalf("maintainer after user grant = %v, want user", got)
	}
}

func TestSelfGrantDowngradesMaintainer(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()

	// Granting to one's other card targets the same user row.
	out, err := svc.Grant(ctx, 1, cardMaintainerShort, cardMaintainerLong)
	if err != nil || out != OK {
		t.Fatalf("Grant = %v, %v", out, err)
	}
	for _, card := range []CardID{cardMaintainerLong, cardMaintainerShort} {
		if got := mustResolve(t, svc, 1, card); got != GrantedUser {
			t.Fatalf("%s after self grant = %v, want user", card, got)
		}
	}
	// No longer a maintainer, so a second grant is refused.
	out, err = svc.Grant(ctx, 1, cardNoPerm, cardMaintainerLong)
	if err != nil || out != Refused {
		t.Fatalf("second Grant = %v, %v", out, err)
	}
}

func TestRegrantKeepsSingleRow(t *testing.T) {
	svc, store, _ := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if out, err := svc.Grant(ctx, 1, cardNoPerm, cardMaintainerLong); err != nil || out != OK {
			t.Fatalf("Grant #%d = %v, %v", i, out, err)
		}
	}
	count := 0
	for k := range store.permissions {
		if k.tool == 1 && k.user == 3 {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("rows for (1,3) = %d, want 1", count)
	}
}

func TestSetToolStatus(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()

	for _, card := range []CardID{cardUser, cardNoPerm, cardNeverSeen, cardLapsed} {
		out, err := svc.SetToolStatus(ctx, 1, Offline, card)
		if err != nil || out != Refused {
			t.Fatalf("SetToolStatus by %s = %v, %v", card, out, err)
		}
		if st, _ := svc.ToolStatus(ctx, 1); st != Online {
			t.Fatalf("status changed by %s", card)
		}
	}

	out, err := svc.SetToolStatus(ctx, 1, Offline, cardMaintainerShort)
	if err != nil || out != OK {
		t.Fatalf("SetToolStatus by maintainer = %v, %v", out, err)
	}
	st, err := svc.ToolStatus(ctx, 1)
	if err != nil {
		t.Fatalf("ToolStatus: %v", err)
	}
	if st != Offline {
		t.Fatalf("status = %v, want offline", st)
	}

	summary, err := svc.ToolsSummaryForUser(ctx, 1)
	if err != nil {
		t.Fatalf("ToolsSummaryForUser: %v", err)
	}
	if summary[0].StatusMessage != "Taken out of service by maint" {
		t.Fatalf("status message = %q", summary[0].StatusMessage)
	}

	if out, err := svc.SetToolStatus(ctx, 1, Online, cardMaintainerLong); err != nil || out != OK {
		t.Fatalf("SetToolStatus online = %v, %v", out, err)
	}
	if st, _ := svc.ToolStatus(ctx, 1); st != Online {
		t.Fatalf("status = %v, want online", st)
	}
}

func TestToolStatusUnknownTool(t *testing.T) {
	svc, _, _ := newFixture(t)
	if _, err := svc.ToolStatus(context.Background(), 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReportToolUseStartStop(t *testing.T) {
	svc, store, clk := newFixture(t)
	ctx := context.Background()

	out, err := svc.ReportToolUse(ctx, 1, cardNoPerm, UsageStart)
	if err != nil || out != OK {
		t.Fatalf("start = %v, %v", out, err)
	}
	inUse, err := svc.IsToolInUse(ctx, 1)
	if err != nil || !inUse {
		t.Fatalf("in use = %v, %v", inUse, err)
	}

	// a second start keeps the interval already open.
	if out, _ := svc.ReportToolUse(ctx, 1, cardNoPerm, UsageStart); out != OK {
		t.Fatalf("repeated start = %v", out)
	}
	if n := len(store.Usage(1)); n != 1 {
		t.Fatalf("intervals = %d, want 1", n)
	}

	clk.Advance(5 * time.Second)
	if out, err := svc.ReportToolUse(ctx, 1, cardNoPerm, UsageStop); err != nil || out != OK {
		t.Fatalf("stop = %v, %v", out, err)
	}
	if inUse, _ := svc.IsToolInUse(ctx, 1); inUse {
		t.Fatal("tool still in use after stop")
	}
	ev := store.Usage(1)[0]
	if ev.Open() || ev.Duration != 5*time.Second {
		t.Fatalf("closed interval = %+v", ev)
	}

	// stop when already stopped is accepted.
	if out, err := svc.ReportToolUse(ctx, 1, cardNoPerm, UsageStop); err != nil || out != OK {
		t.Fatalf("repeated stop = %v, %v", out, err)
	}
}

func TestReportToolUseSameSecond(t *testing.T) {
	svc, store, _ := newFixture(t)
	ctx := context.Background()
	if out, _ := svc.ReportToolUse(ctx, 1, cardUser, UsageStart); out != OK {
		t.Fatal("start refused")
	}
	if out, _ := svc.ReportToolUse(ctx, 1, cardUser, UsageStop); out != OK {
		t.Fatal("stop refused")
	}
	if inUse, _ := svc.IsToolInUse(ctx, 1); inUse {
		t.Fatal("tool in use after immediate stop")
	}
	if ev := store.Usage(1)[0]; ev.Duration != 0 {
		t.Fatalf("same second duration = %v, want 0", ev.Duration)
	}
}

func TestReportToolUseRefusals(t *testing.T) {
	svc, store, _ := newFixture(t)
	ctx := context.Background()
	cases := []struct {
		tool int64
		card CardID
	}{
		{1, cardNeverSeen},
		{1, cardLapsed},
		{42, cardUser},
	}
	for _, tc := range cases {
		for _, rep := range []UsageReport{UsageStart, UsageStop} {
			out, err := svc.ReportToolUse(ctx, tc.tool, tc.card, rep)
			if err != nil || out != Refused {
				t.Fatalf("ReportToolUse(%d, %s, %d) = %v, %v", tc.tool, tc.card, rep, out, err)
			}
		}
		out, err := svc.ReportToolUseTime(ctx, tc.tool, tc.card, 5)
		if err != nil || out != Refused {
			t.Fatalf("ReportToolUseTime(%d, %s) = %v, %v", tc.tool, tc.card, out, err)
		}
	}
	if n := len(store.Usage(1)); n != 0 {
		t.Fatalf("refused reports recorded %d intervals", n)
	}
}

func TestReportToolUseTime(t *testing.T) {
	svc, store, clk := newFixture(t)
	ctx := context.Background()

	if out, _ := svc.ReportToolUse(ctx, 1, cardNoPerm, UsageStart); out != OK {
		t.Fatal("start refused")
	}
	out, err := svc.ReportToolUseTime(ctx, 1, cardNoPerm, 5)
	if err != nil || out != OK {
		t.Fatalf("ReportToolUseTime = %v, %v", out, err)
	}
	usage := store.Usage(1)
	if len(usage) != 2 {
		t.Fatalf("intervals = %d, want 2", len(usage))
	}
	if !usage[0].Open() {
		t.Fatal("duration report closed the open interval")
	}
	timed := usage[1]
	if timed.Open() || timed.Duration != 5*time.Second {
		t.Fatalf("timed interval = %+v", timed)
	}
	if !timed.StartedAt.Equal(clk.Now().Add(-5 * time.Second)) {
		t.Fatalf("started_at = %v", timed.StartedAt)
	}

	if _, err := svc.ReportToolUseTime(ctx, 1, cardNoPerm, -1); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration, got %v", err)
	}
}

func TestReportToolUseTimeRejectsOverlongSessions(t *testing.T) {
	svc, store, _ := newFixture(t)
	ctx := context.Background()
	maxSeconds := int64(MaxToolUse / time.Second)

	for _, seconds := range []int64{maxSeconds + 1, 10_000_000_000, math.MaxInt64} {
		out, err := svc.ReportToolUseTime(ctx, 1, cardNoPerm, seconds)
		if out != Refused || !errors.Is(err, ErrInvalidDuration) {
			t.Fatalf("ReportToolUseTime(%d) = %v, %v", seconds, out, err)
		}
	}
	if n := len(store.Usage(1)); n != 0 {
		t.Fatalf("recorded %d intervals for rejected reports", n)
	}

	if out, err := svc.ReportToolUseTime(ctx, 1, cardNoPerm, maxSeconds); err != nil || out != OK {
		t.Fatalf("ReportToolUseTime(max) = %v, %v", out, err)
	}
	ev := store.Usage(1)[0]
	if ev.Duration != MaxToolUse || !ev.StartedAt.Before(*ev.EndedAt) {
		t.Fatalf("interval = %+v", ev)
	}
}

func TestIsToolInUseAnyCard(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()
	if out, _ := svc.ReportToolUse(ctx, 1, cardUser, UsageStart); out != OK {
		t.Fatal("start refused")
	}
	if out, _ := svc.ReportToolUse(ctx, 1, cardNoPerm, UsageStop); out != OK {
		t.Fatal("stop refused")
	}
	if inUse, _ := svc.IsToolInUse(ctx, 1); !inUse {
		t.Fatal("another card's stop closed the interval")
	}
	if inUse, _ := svc.IsToolInUse(ctx, 2); inUse {
		t.Fatal("unrelated tool reported in use")
	}
	if _, err := svc.IsToolInUse(ctx, 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestToolsSummaryForUser(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()
	if out, _ := svc.ReportToolUse(ctx, 1, cardUser, UsageStart); out != OK {
		t.Fatal("start refused")
	}

	got, err := svc.ToolsSummaryForUser(ctx, 1)
	if err != nil {
		t.Fatalf("ToolsSummaryForUser: %v", err)
	}
	want := []ToolSummary{
		{Permission: "maintainer", Status: "Operational", StatusMessage: "working ok", Name: "test_tool", InUse: "yes"},
		{Permission: "un-authorised", Status: "Operational", Name: "lathe", InUse: "no"},
	}
	if len(got) != len(want) {
		t.Fatalf("summary = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("summary[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}

	lapsed, err := svc.ToolsSummaryForUser(ctx, 4)
	if err != nil {
		t.Fatalf("ToolsSummaryForUser(4): %v", err)
	}
	if lapsed[0].Permission != "un-authorised" {
		t.Fatalf("lapsed member sees %q", lapsed[0].Permission)
	}

	if _, err := svc.ToolsSummaryForUser(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWhois(t *testing.T) {
	svc, _, _ := newFixture(t)
	h, err := svc.Whois(context.Background(), cardMaintainerShort)
	if err != nil {
		t.Fatalf("Whois: %v", err)
	}
	if h.User.Nick != "maint" || h.Card.ID != cardMaintainerShort {
		t.Fatalf("Whois = %+v", h)
	}
	if _, err := svc.Whois(context.Background(), cardNeverSeen); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestVerifyNode(t *testing.T) {
	svc, store, _ := newFixture(t)
	ctx := context.Background()
	if err := store.PutTool(ctx, Tool{ID: 3, Name: "laser", Status: Online, Secret: "s3cret"}); err != nil {
		t.Fatalf("PutTool: %v", err)
	}
	cases := []struct {
		tool   int64
		secret string
		want   bool
	}{
		{1, "", true},
		{1, "anything", true},
		{3, "s3cret", true},
		{3, "", false},
		{3, "wrong", false},
	}
	for _, tc := range cases {
		got, err := svc.VerifyNode(ctx, tc.tool, tc.secret)
		if err != nil {
			t.Fatalf("VerifyNode(%d, %q): %v", tc.tool, tc.secret, err)
		}
		if got != tc.want {
			t.Fatalf("VerifyNode(%d, %q) = %v, want %v", tc.tool, tc.secret, got, tc.want)
		}
	}
	if _, err := svc.VerifyNode(ctx, 42, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEventsRecorded(t *testing.T) {
	sink := &captureSink{}
	svc, _, _ := newFixture(t, WithEventSink(sink))
	ctx := context.Background()
	mustResolve(t, svc, 1, cardUser)
	if _, err := svc.Grant(ctx, 1, cardNoPerm, cardUser); err != nil {
		t.Fatal(err)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 2 {
		t.Fatalf("events = %+v", sink.events)
	}
	if sink.events[0].Operation != "resolve" || sink.events[0].Result != "user" || sink.events[0].UserID != 2 {
		t.Fatalf("resolve event = %+v", sink.events[0])
	}
	if sink.events[1].Operation != "grant" || sink.events[1].Result != "refused" {
		t.Fatalf("grant event = %+v", sink.events[1])
	}
}

func TestConcurrentGrantsAndStatusChanges(t *testing.T) {
	svc, store, _ := newFixture(t)
	ctx := context.Background()

	var members []Member
	members = append(members, Member{User: User{ID: 1, Nick: "maint", Subscribed: true}, Cards: []CardID{cardMaintainerLong, cardMaintainerShort}})
	const n = 50
	for i := 0; i < n; i++ {
		members = append(members, Member{User: User{ID: int64(100 + i), Nick: fmt.Sprintf("u%d", i), Subscribed: true}, Cards: []CardID{CardID(0x10000000 + i)}})
	}
	if err := store.ReplaceMembers(ctx, members); err != nil {
		t.Fatalf("ReplaceMembers: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if out, err := svc.Grant(ctx, 1, CardID(0x10000000+i), cardMaintainerLong); err != nil || out != OK {
				t.Errorf("Grant %d = %v, %v", i, out, err)
			}
		}(i)
		go func() {
			defer wg.Done()
			_, _ = svc.Resolve(ctx, 1, cardMaintainerShort)
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if got := mustResolve(t, svc, 1, CardID(0x10000000+i)); got != GrantedUser {
			t.Fatalf("card %d = %v", i, got)
		}
	}
}

type failingStore struct{ err error }

func (f failingStore) View(ctx context.Context, fn func(Reader) error) error       { return f.err }
func (f failingStore) Update(ctx context.Context, _ int64, fn func(Tx) error) error { return f.err }
func (f failingStore) Ping(ctx context.Context) error                               { return f.err }

func TestStoreFailuresAreErrorsNotDenials(t *testing.T) {
	svc := NewService(failingStore{err: ErrUnavailable})
	ctx := context.Background()

	d, err := svc.Resolve(ctx, 1, cardUser)
	if !errors.Is(err, ErrUnavailable) || d != Unknown || d.Code() != -1 {
		t.Fatalf("Resolve = %v, %v", d, err)
	}
	if out, err := svc.Grant(ctx, 1, cardNoPerm, cardMaintainerLong); !errors.Is(err, ErrUnavailable) || out != Refused {
		t.Fatalf("Grant = %v, %v", out, err)
	}
}

func TestSinksRecordToEveryMember(t *testing.T) {
	a, b := &captureSink{}, &captureSink{}
	Sinks{a, b}.Record(Event{Operation: "grant"})
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("a=%d b=%d", len(a.events), len(b.events))
	}
}
