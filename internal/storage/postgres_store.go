package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/ride-dash/internal/models"
	"github.com/example/ride-dash/internal/storage/migrations"
)

const rideChangesChannel = "ride_changes"

var columns = map[string]string{
	"id":          "id",
	"passengerId": "passenger_id",
	"driverId":    "driver_id",
	"status":      "status",
}

// PostgresStore keeps each ride as a JSONB document with the queried fields
// mirrored into columns. Live queries are driven by LISTEN/NOTIFY.
type PostgresStore struct {
	db     *sql.DB
	dsn    string
	logger *slog.Logger
	subs   *registry

	listenOnce sync.Once
	listener   *pq.Listener
	listenErr  error
	done       chan struct{}
	closeOnce  sync.Once

	Now func() time.Time
}

func NewPostgresStore(dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{
		db:     db,
		dsn:    dsn,
		logger: logger.With("component", "postgres_store"),
		subs:   newRegistry(),
		done:   make(chan struct{}),
		Now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Migrate applies the embedded schema files in name order.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.FS.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		p.logger.Info("migration_applied", "file", name)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Create(ctx context.Context, r *models.Ride) (*models.Ride, error) {
	stored := r.Clone()
	stored.ID = uuid.NewString()
	stored.CreatedAt = p.Now()
	doc, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO rides(id, passenger_id, driver_id, status, created_at, doc) VALUES($1,$2,$3,$4,$5,$6)`,
		stored.ID, stored.PassengerID, stored.DriverID, string(stored.Status), stored.CreatedAt, doc)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM rides WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRide(id, doc)
}

func (p *PostgresStore) Update(ctx context.Context, id string, patch Patch) error {
	return p.update(ctx, id, nil, patch)
}

func (p *PostgresStore) UpdateIf(ctx context.Context, id string, cond Condition, patch Patch) error {
	return p.update(ctx, id, &cond, patch)
}

// update runs read-merge-write under a row lock, so concurrent writers to the
// same ride are serialized and the last commit wins.
func (p *PostgresStore) update(ctx context.Context, id string, cond *Condition, patch Patch) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var doc []byte
	err = tx.QueryRowContext(ctx, `SELECT doc FROM rides WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	current, err := decodeRide(id, doc)
	if err != nil {
		return err
	}
	if cond != nil && !cond.holds(current) {
		return ErrConditionFailed
	}
	next, err := ApplyPatch(current, patch, p.Now())
	if err != nil {
		return err
	}
	out, err := json.Marshal(next)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE rides SET driver_id = $2, status = $3, doc = $4 WHERE id = $1`,
		id, next.DriverID, string(next.Status), out); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Query(ctx context.Context, q Query) ([]models.Ride, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	stmt, args := buildSelect(q)
	rows, err := p.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Ride
	for rows.Next() {
		var id string
		var doc []byte
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		r, err := decodeRide(id, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Subscribe(ctx context.Context, q Query) (Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := p.startListener(); err != nil {
		return nil, err
	}
	// Registered before the first read so a change committed in between is
	// picked up by the next refresh.
	s := p.subs.add(q)
	rides, err := p.Query(ctx, q)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.seed(rides)
	context.AfterFunc(ctx, s.Close)
	return s, nil
}

func (p *PostgresStore) startListener() error {
	p.listenOnce.Do(func() {
		p.listener = pq.NewListener(p.dsn, time.Second, 30*time.Second, func(ev pq.ListenerEventType, lerr error) {
			if lerr != nil {
				p.logger.Warn("listener_event", "event", int(ev), "error", lerr)
			}
		})
		if err := p.listener.Listen(rideChangesChannel); err != nil {
			p.listenErr = fmt.Errorf("listen %s: %w", rideChangesChannel, err)
			return
		}
		go p.listen()
	})
	return p.listenErr
}

func (p *PostgresStore) listen() {
	for {
		select {
		case <-p.done:
			return
		case <-p.listener.Notify:
			// a nil notification means the connection was re-established
			// and changes may have been missed; either way re-run everything.
			p.refresh()
		case <-time.After(90 * time.Second):
			go func() { _ = p.listener.Ping() }()
		}
	}
}

func (p *PostgresStore) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range p.subs.snapshot() {
		rides, err := p.Query(ctx, s.query)
		if err != nil {
			p.logger.Error("subscription_refresh_failed", "query", s.query.Shape(), "error", err)
			continue
		}
		s.deliver(rides)
	}
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM users WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u := &models.User{}
	if err := json.Unmarshal(doc, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (p *PostgresStore) SaveUser(ctx context.Context, u *models.User) error {
	doc, err := json.Marshal(u)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO users(id, doc) VALUES($1,$2) ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`, u.ID, doc)
	return err
}

func (p *PostgresStore) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	p.subs.closeAll()
	if p.listener != nil {
		_ = p.listener.Close()
	}
	return p.db.Close()
}

func buildSelect(q Query) (string, []any) {
	var (
		where []string
		args  []any
	)
	cond := func(f Filter) string {
		col := columns[f.Field]
		if f.Op == OpEq {
			args = append(args, f.Values[0])
			return fmt.Sprintf("%s = $%d", col, len(args))
		}
		args = append(args, pq.Array(f.Values))
		return fmt.Sprintf("%s = ANY($%d)", col, len(args))
	}
	for _, f := range q.Where {
		where = append(where, cond(f))
	}
	if len(q.AnyOf) > 0 {
		var alts []string
		for _, f := range q.AnyOf {
			alts = append(alts, cond(f))
		}
		where = append(where, "("+strings.Join(alts, " OR ")+")")
	}

	var b strings.Builder
	b.WriteString("SELECT id, doc FROM rides")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	if q.OrderBy == "createdAt" {
		dir := "ASC"
		if q.Descending {
			dir = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY created_at %s, id %s", dir, dir)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String(), args
}

func decodeRide(id string, doc []byte) (*models.Ride, error) {
	r := &models.Ride{}
	if err := json.Unmarshal(doc, r); err != nil {
		return nil, fmt.Errorf("decode ride %s: %w", id, err)
	}
	r.ID = id
	return r, nil
}
