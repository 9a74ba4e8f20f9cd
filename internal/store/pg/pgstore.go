package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/londonhackspace/acserver/internal/acl"
)

const pgErrForeignKeyViolation = "23503"

// Store implements acl.Store and acl.Admin on PostgreSQL.
type Store struct {
	db *sql.DB
}

var (
	_ acl.Store = (*Store)(nil)
	_ acl.Admin = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Card taps are short queries; a small pool is plenty.
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return acl.ErrUnavailable
	}
	return s.db.PingContext(ctx)
}

// View runs fn in a read-only repeatable read transaction so every lookup
// of one decision sees the same snapshot.
func (s *Store) View(ctx context.Context, fn func(r acl.Reader) error) error {
	if s.db == nil {
		return acl.ErrUnavailable
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin read: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&queries{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// Update runs fn with the tool row locked, so writers of the same tool
// queue behind each other, and with share locks on every user row it reads
// so a concurrent card database sync cannot change a subscription between
// the check and the write.
func (s *Store) Update(ctx context.Context, toolID int64, fn func(tx acl.Tx) error) error {
	if s.db == nil {
		return acl.ErrUnavailable
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var dummy int
	err = tx.QueryRowContext(ctx, `select 1 from tools where id=$1 for update`, toolID).Scan(&dummy)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lock tool %d: %w", toolID, err)
	}

	if err := fn(&queries{q: tx, locking: true}); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceMembers implements acl.Admin.
func (s *Store) ReplaceMembers(ctx context.Context, members []acl.Member) error {
	if s.db == nil {
		return acl.ErrUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `update users set subscribed = false, updated_at = now()`); err != nil {
		return fmt.Errorf("reset subscriptions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `delete from cards`); err != nil {
		return fmt.Errorf("clear cards: %w", err)
	}
	for _, m := range members {
		if _, err := tx.ExecContext(ctx, `
			insert into users(id, nick, subscribed)
			values ($1,$2,$3)
			on conflict (id) do update
			set nick = excluded.nick, subscribed = excluded.subscribed, updated_at = now()
		`, m.User.ID, m.User.Nick, m.User.Subscribed); err != nil {
			return fmt.Errorf("upsert user %d: %w", m.User.ID, err)
		}
		for _, c := range m.Cards {
			if _, err := tx.ExecContext(ctx, `
				insert into cards(card_id, user_id) values ($1,$2)
				on conflict (card_id) do update set user_id = excluded.user_id
			`, int64(c), m.User.ID); err != nil {
				return fmt.Errorf("upsert card %s: %w", c, err)
			}
		}
	}
	return tx.Commit()
}

// PutTool implements acl.Admin.
func (s *Store) PutTool(ctx context.Context, t acl.Tool) error {
	if s.db == nil {
		return acl.ErrUnavailable
	}
	_, err := s.db.ExecContext(ctx, `
		insert into tools(id, name, status, status_message, secret)
		values ($1,$2,$3,$4,$5)
		on conflict (id) do update
		set name = excluded.name, status = excluded.status,
		    status_message = excluded.status_message, secret = excluded.secret
	`, t.ID, t.Name, int(t.Status), t.StatusMessage, t.Secret)
	return err
}

// PutPermission implements acl.Admin.
func (s *Store) PutPermission(ctx context.Context, p acl.Permission) error {
	if s.db == nil {
		return acl.ErrUnavailable
	}
	return (&queries{q: s.db}).UpsertPermission(ctx, p)
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements acl.Tx over one transaction.
type queries struct {
	q       queryer
	locking bool
}

func (r *queries) Card(ctx context.Context, id acl.CardID) (acl.Holder, error) {
	query := `
		select c.card_id, c.user_id, u.nick, u.subscribed
		from cards c
		join users u on u.id = c.user_id
		where c.card_id = $1`
	if r.locking {
		query += ` for share`
	}
	var (
		h   acl.Holder
		raw int64
	)
	err := r.q.QueryRowContext(ctx, query, int64(id)).Scan(&raw, &h.Card.UserID, &h.User.Nick, &h.User.Subscribed)
	if errors.Is(err, sql.ErrNoRows) {
		return acl.Holder{}, acl.ErrNotFound
	}
	if err != nil {
		return acl.Holder{}, err
	}
	h.Card.ID = acl.CardID(uint64(raw))
	h.User.ID = h.Card.UserID
	return h, nil
}

func (r *queries) User(ctx context.Context, id int64) (acl.User, error) {
	var u acl.User
	err := r.q.QueryRowContext(ctx, `select id, nick, subscribed from users where id=$1`, id).
		Scan(&u.ID, &u.Nick, &u.Subscribed)
	if errors.Is(err, sql.ErrNoRows) {
		return acl.User{}, acl.ErrNotFound
	}
	if err != nil {
		return acl.User{}, err
	}
	return u, nil
}

func (r *queries) Tool(ctx context.Context, id int64) (acl.Tool, error) {
	var (
		t      acl.Tool
		status int
	)
	err := r.q.QueryRowContext(ctx, `
		select id, name, status, status_message, secret from tools where id=$1
	`, id).Scan(&t.ID, &t.Name, &status, &t.StatusMessage, &t.Secret)
	if errors.Is(err, sql.ErrNoRows) {
		return acl.Tool{}, acl.ErrNotFound
	}
	if err != nil {
		return acl.Tool{}, err
	}
	t.Status = acl.ToolStatus(status)
	return t, nil
}

func (r *queries) Tools(ctx context.Context) ([]acl.Tool, error) {
	rows, err := r.q.QueryContext(ctx, `
		select id, name, status, status_message, secret from tools order by id asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []acl.Tool
	for rows.Next() {
		var (
			t      acl.Tool
			status int
		)
		if err := rows.Scan(&t.ID, &t.Name, &status, &t.StatusMessage, &t.Secret); err != nil {
			return nil, err
		}
		t.Status = acl.ToolStatus(status)
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r *queries) Permission(ctx context.Context, toolID, userID int64) (acl.Level, error) {
	var lvl int
	err := r.q.QueryRowContext(ctx, `
		select permission from permissions where tool_id=$1 and user_id=$2
	`, toolID, userID).Scan(&lvl)
	if errors.Is(err, sql.ErrNoRows) {
		return acl.LevelNone, nil
	}
	if err != nil {
		return acl.LevelNone, err
	}
	return acl.Level(lvl), nil
}

func (r *queries) PermissionsForUser(ctx context.Context, userID int64) (map[int64]acl.Level, error) {
	rows, err := r.q.QueryContext(ctx, `
		select tool_id, permission from permissions where user_id=$1
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make(map[int64]acl.Level)
	for rows.Next() {
		var (
			tool int64
			lvl  int
		)
		if err := rows.Scan(&tool, &lvl); err != nil {
			return nil, err
		}
		res[tool] = acl.Level(lvl)
	}
	return res, rows.Err()
}

func (r *queries) OpenUsage(ctx context.Context, toolID int64, card acl.CardID) (acl.UsageEvent, bool, error) {
	var (
		ev  acl.UsageEvent
		raw int64
	)
	err := r.q.QueryRowContext(ctx, `
		select id, tool_id, card_id, user_id, started_at
		from tool_usage
		where tool_id=$1 and card_id=$2 and ended_at is null
		order by started_at desc, id desc
		limit 1
	`, toolID, int64(card)).Scan(&ev.ID, &ev.ToolID, &raw, &ev.UserID, &ev.StartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return acl.UsageEvent{}, false, nil
	}
	if err != nil {
		return acl.UsageEvent{}, false, err
	}
	ev.CardID = acl.CardID(uint64(raw))
	return ev, true, nil
}

func (r *queries) ToolInUse(ctx context.Context, toolID int64) (bool, error) {
	var inUse bool
	err := r.q.QueryRowContext(ctx, `
		select exists(select 1 from tool_usage where tool_id=$1 and ended_at is null)
	`, toolID).Scan(&inUse)
	return inUse, err
}

func (r *queries) UpsertPermission(ctx context.Context, p acl.Permission) error {
	var addedBy sql.NullInt64
	if p.AddedBy != 0 {
		addedBy = sql.NullInt64{Int64: p.AddedBy, Valid: true}
	}
	addedOn := p.AddedOn
	if addedOn.IsZero() {
		addedOn = time.Now().UTC()
	}
	_, err := r.q.ExecContext(ctx, `
		insert into permissions(tool_id, user_id, permission, added_by, added_on)
		values ($1,$2,$3,$4,$5)
		on conflict (tool_id, user_id) do update
		set permission = excluded.permission, added_by = excluded.added_by, added_on = excluded.added_on
	`, p.ToolID, p.UserID, int(p.Level), addedBy, addedOn)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return acl.ErrNotFound
	}
	return err
}

func (r *queries) SetToolStatus(ctx context.Context, toolID int64, status acl.ToolStatus, message string) error {
	res, err := r.q.ExecContext(ctx, `
		update tools set status=$2, status_message=$3 where id=$1
	`, toolID, int(status), message)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return acl.ErrNotFound
	}
	return nil
}

func (r *queries) RecordUsage(ctx context.Context, ev acl.UsageEvent) error {
	var ended sql.NullTime
	if ev.EndedAt != nil {
		ended = sql.NullTime{Time: *ev.EndedAt, Valid: true}
	}
	_, err := r.q.ExecContext(ctx, `
		insert into tool_usage(id, tool_id, card_id, user_id, started_at, ended_at, duration_s)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, ev.ID, ev.ToolID, int64(ev.CardID), ev.UserID, ev.StartedAt, ended, int64(ev.Duration/time.Second))
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return acl.ErrNotFound
	}
	return err
}

func (r *queries) CloseUsage(ctx context.Context, id string, endedAt time.Time, d time.Duration) error {
	res, err := r.q.ExecContext(ctx, `
		update tool_usage set ended_at=$2, duration_s=$3 where id=$1 and ended_at is null
	`, id, endedAt, int64(d/time.Second))
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return acl.ErrNotFound
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
