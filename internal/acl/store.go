package acl

import (
	"context"
	"time"
)

// Reader is the read side of the permission state.
type Reader interface {
	// Card returns the card and its owner, or ErrNotFound.
	Card(ctx context.Context, id CardID) (Holder, error)
	User(ctx context.Context, id int64) (User, error)
	// Tool returns ErrNotFound for an unknown tool id.
	Tool(ctx context.Context, id int64) (Tool, error)
	Tools(ctx context.Context) ([]Tool, error)
	// Permission returns LevelNone when no row exists.
	Permission(ctx context.Context, toolID, userID int64) (Level, error)
	PermissionsForUser(ctx context.Context, userID int64) (map[int64]Level, error)
	// OpenUsage returns the most recent open interval of card on tool.
	OpenUsage(ctx context.Context, toolID int64, card CardID) (UsageEvent, bool, error)
	ToolInUse(ctx context.Context, toolID int64) (bool, error)
}

// Tx is a write transaction scoped to one tool.
type Tx interface {
	Reader
	UpsertPermission(ctx context.Context, p Permission) error
	SetToolStatus(ctx context.Context, toolID int64, status ToolStatus, message string) error
	RecordUsage(ctx context.Context, ev UsageEvent) error
	CloseUsage(ctx context.Context, id string, endedAt time.Time, d time.Duration) error
}

// Store is the repository the service runs against. View and Update run fn
// in one transaction; Update serializes all writers of the same tool.
type Store interface {
	View(ctx context.Context, fn func(r Reader) error) error
	Update(ctx context.Context, toolID int64, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}

// Member is one user record of the card database, with all cards it owns.
type Member struct {
	User  User
	Cards []CardID
}

// Admin covers writes made outside the node protocol: the card database
// sync and tool provisioning.
type Admin interface {
	// ReplaceMembers makes users and cards match members exactly. Users that
	// disappear are kept but marked unsubscribed so audit rows stay valid.
	ReplaceMembers(ctx context.Context, members []Member) error
	PutTool(ctx context.Context, t Tool) error
	PutPermission(ctx context.Context, p Permission) error
}
