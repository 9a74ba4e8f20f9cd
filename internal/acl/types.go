package acl

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CardID is the numeric uid read off a card. Short (4 byte) uids fit in 32
// bits, long (7 byte) uids need 56.
type CardID uint64

const (
	maxShortCard = 1 << 32
	maxLongCard  = 1 << 56
)

// NewCardID validates that v fits in 56 bits.
func NewCardID(v uint64) (CardID, error) {
	if v >= maxLongCard {
		return 0, fmt.Errorf("%w: %#x exceeds 56 bits", ErrInvalidCard, v)
	}
	return CardID(v), nil
}

// String renders the id as lowercase hex: 8 digits for 32-bit uids, 14 otherwise.
func (c CardID) String() string {
	if uint64(c) < maxShortCard {
		return fmt.Sprintf("%08x", uint64(c))
	}
	return fmt.Sprintf("%014x", uint64(c))
}

// IsLong reports whether the uid needs the 7 byte form.
func (c CardID) IsLong() bool { return uint64(c) >= maxShortCard }

// ParseCardID parses an 8 or 14 digit hex card id.
func ParseCardID(s string) (CardID, error) {
	s = strings.TrimSpace(s)
	if len(s) != 8 && len(s) != 14 {
		return 0, fmt.Errorf("%w: %q must be 8 or 14 hex digits", ErrInvalidCard, s)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not hex", ErrInvalidCard, s)
	}
	return NewCardID(v)
}

// User is a member record imported from the card database.
type User struct {
	ID         int64  `json:"id"`
	Nick       string `json:"nick"`
	Subscribed bool   `json:"subscribed"`
}

// Card binds a card uid to the user who owns it.
type Card struct {
	ID     CardID `json:"id"`
	UserID int64  `json:"user_id"`
}

// Holder is a card joined with its owning user.
type Holder struct {
	Card Card
	User User
}

// ToolStatus is the in/out of service flag of a tool.
type ToolStatus int

const (
	Offline ToolStatus = 0
	Online  ToolStatus = 1
)

// ParseToolStatus converts the wire value 0/1.
func ParseToolStatus(v int) (ToolStatus, error) {
	switch ToolStatus(v) {
	case Offline, Online:
		return ToolStatus(v), nil
	}
	return 0, fmt.Errorf("%w: %d", ErrInvalidStatus, v)
}

func (s ToolStatus) String() string {
	if s == Online {
		return "Operational"
	}
	return "Out of service"
}

// Tool is a piece of shared equipment behind a node.
type Tool struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	Status        ToolStatus `json:"status"`
	StatusMessage string     `json:"status_message"`
	// Secret is the shared key nodes must present; empty accepts any.
	Secret string `json:"-"`
}

// Level is the stored permission of a user on a tool.
type Level int

const (
	LevelNone       Level = 0
	LevelUser       Level = 1
	LevelMaintainer Level = 2
)

func (l Level) String() string {
	switch l {
	case LevelUser:
		return "user"
	case LevelMaintainer:
		return "maintainer"
	}
	return "un-authorised"
}

// Permission is the audited (tool, user) grant. AddedBy is zero for rows
// written by the card database sync.
type Permission struct {
	ToolID  int64     `json:"tool_id"`
	UserID  int64     `json:"user_id"`
	Level   Level     `json:"permission"`
	AddedBy int64     `json:"added_by,omitempty"`
	AddedOn time.Time `json:"added_on"`
}

// UsageEvent is one interval of a card using a tool. EndedAt is nil while
// the interval is open. Timestamps carry second precision.
type UsageEvent struct {
	ID        string        `json:"id"`
	ToolID    int64         `json:"tool_id"`
	CardID    CardID        `json:"card_id"`
	UserID    int64         `json:"user_id"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Open reports whether the interval has not been closed yet.
func (e UsageEvent) Open() bool { return e.EndedAt == nil }

// UsageReport is the start/stop flag a node sends.
type UsageReport int

const (
	UsageStop  UsageReport = 0
	UsageStart UsageReport = 1
)

// ParseUsageReport converts the wire value 0/1.
func ParseUsageReport(v int) (UsageReport, error) {
	switch UsageReport(v) {
	case UsageStop, UsageStart:
		return UsageReport(v), nil
	}
	return 0, fmt.Errorf("%w: tool use flag %d", ErrInvalidStatus, v)
}

// MaxToolUse is the longest session a node may report in one go.
const MaxToolUse = 7 * 24 * time.Hour

// ToolUseDuration converts a reported session length in seconds, rejecting
// negative values and anything over MaxToolUse.
func ToolUseDuration(seconds int64) (time.Duration, error) {
	if seconds < 0 || seconds > int64(MaxToolUse/time.Second) {
		return 0, fmt.Errorf("%w: %d seconds", ErrInvalidDuration, seconds)
	}
	return time.Duration(seconds) * time.Second, nil
}

// ToolSummary is the per-tool row of the monitoring summary for one user.
type ToolSummary struct {
	Permission    string `json:"permission"`
	Status        string `json:"status"`
	StatusMessage string `json:"status_message"`
	Name          string `json:"name"`
	InUse         string `json:"in_use"`
}

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidCard     = errors.New("invalid card id")
	ErrInvalidStatus   = errors.New("invalid status")
	ErrInvalidDuration = errors.New("invalid duration")
	ErrUnavailable     = errors.New("store unavailable")
)
