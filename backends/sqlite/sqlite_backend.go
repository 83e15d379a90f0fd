package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/acaloiaro/neodriver/config"
	"github.com/acaloiaro/neodriver/logging"
	"github.com/acaloiaro/neodriver/messages"
	"github.com/acaloiaro/neodriver/types"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite" // registers the sqlite:// migration driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/guregu/null"
	"golang.org/x/exp/slog"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

//go:embed migrations/*.sql
var sqliteMigrationsFS embed.FS

const (
	scheme          = "sqlite://"
	migrationsTable = "neodriver_schema_migrations"
	// available messages are unreserved, or were reserved by a consumer that never acknowledged them in time
	availableCondition = "(reserved_until IS NULL OR reserved_until <= ?)"
	ReserveQuery       = `UPDATE neodriver_messages
					SET reserved_until = ?, deliveries = deliveries + 1
					WHERE id IN (
						SELECT id
						FROM neodriver_messages
						WHERE queue = ?
						AND ` + availableCondition + `
						ORDER BY id ASC
						LIMIT ?
					)
					RETURNING id, body, deliveries`
	PeekQuery = `SELECT body
					FROM neodriver_messages
					WHERE queue = ?
					AND ` + availableCondition + `
					ORDER BY id ASC
					LIMIT ? OFFSET ?`
	CountQuery = `SELECT count(*)
					FROM neodriver_messages
					WHERE queue = ?
					AND ` + availableCondition
	InfoQuery = `SELECT count(*), min(created_at) FROM neodriver_messages`
)

var (
	ErrCnxString      = errors.New("invalid connecton string: see documentation for valid connection strings")
	ErrInvalidReceipt = errors.New("receipt was not issued by the sqlite backend")
)

// Receipt identifies one delivery of a message. A message redelivered after its reservation expired gets a new
// Delivery number, and only the latest delivery's receipt can acknowledge it.
type Receipt struct {
	ID       int64
	Delivery int64
}

// String formats r as "<id>.<delivery>", the form ParseReceipt reads
func (r Receipt) String() string {
	return fmt.Sprintf("%d.%d", r.ID, r.Delivery)
}

// ParseReceipt parses a receipt formatted by [Receipt.String]
func ParseReceipt(s string) (r Receipt, err error) {
	id, delivery, ok := strings.Cut(s, ".")
	if !ok {
		return r, fmt.Errorf("%w: '%s' is not <id>.<delivery>", ErrInvalidReceipt, s)
	}

	if r.ID, err = strconv.ParseInt(id, 10, 64); err != nil {
		return r, fmt.Errorf("%w: %w", ErrInvalidReceipt, err)
	}

	if r.Delivery, err = strconv.ParseInt(delivery, 10, 64); err != nil {
		return r, fmt.Errorf("%w: %w", ErrInvalidReceipt, err)
	}

	return
}

// SqliteBackend is a SQLite-based neodriver backend
//
// Reservations are claimed with a single UPDATE ... RETURNING statement, so they are atomic across processes sharing
// the database file. Consumers waiting for messages are only woken by sends from the same process; messages sent by
// other processes are found when the wait times out and the engine reserves again.
type SqliteBackend struct {
	config  *config.Config
	logger  logging.Logger
	db      *sql.DB
	mu      *sync.Mutex              // protects arrived
	arrived map[string]chan struct{} // closed and replaced whenever a message is sent to the queue
}

// Backend is a [config.BackendInitializer] that initializes a new SQLite-backed neodriver backend
//
// The connection string is a path to the database file, optionally prefixed with sqlite://. Query parameters are
// passed to the driver, e.g. sqlite://neodriver.db?_pragma=journal_mode(WAL).
func Backend(_ context.Context, opts ...config.Option) (sb types.Backend, err error) {
	s := &SqliteBackend{
		config:  config.New(),
		mu:      &sync.Mutex{},
		arrived: make(map[string]chan struct{}),
	}

	// Set all options
	for _, opt := range opts {
		opt(s.config)
	}

	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: s.config.LogLevel}))

	path, err := databasePath(s.config.ConnectionString)
	if err != nil {
		return
	}

	err = s.initializeDB(path)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize messages database: %w", err)
	}

	sb = s

	return sb, nil
}

// WithConnectionString configures neodriver to use the SQLite database at the specified path
func WithConnectionString(connectionString string) config.Option {
	return func(c *config.Config) {
		c.ConnectionString = connectionString
	}
}

func databasePath(connectionString string) (path string, err error) {
	path = strings.TrimPrefix(connectionString, scheme)
	if path == "" || strings.HasPrefix(path, "?") {
		return "", ErrCnxString
	}

	return
}

func (s *SqliteBackend) initializeDB(path string) (err error) {
	migrations, err := iofs.New(sqliteMigrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("unable to run migrations, error during iofs new: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", migrations, migrationURL(path))
	if err != nil {
		return fmt.Errorf("unable to run migrations, could not create new source: %w", err)
	}

	// We don't need the migration tooling to hold it's connections to the DB once it has been completed.
	defer m.Close()
	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("unable to run migrations, could not apply up migration: %w", err)
	}

	s.db, err = sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("unable to open database: %w", err)
	}

	// sqlite allows a single writer; one connection serializes writes instead of failing them with SQLITE_BUSY
	s.db.SetMaxOpenConns(1)

	return s.db.Ping()
}

func migrationURL(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}

	return scheme + path + sep + "x-migrations-table=" + url.QueryEscape(migrationsTable)
}

// Capability reserves up to the configured prefetch count per round trip
func (s *SqliteBackend) Capability() types.Capability {
	return types.BatchReserve{Size: s.config.Prefetch}
}

// Send inserts a message and wakes consumers in this process that are waiting on its queue
func (s *SqliteBackend) Send(ctx context.Context, queue string, body []byte) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error creating transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // rollback has no effect if the transaction has been committed

	now := time.Now().UnixNano()
	_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO neodriver_queues (name, created_at) VALUES (?, ?)`, queue, now)
	if err != nil {
		return fmt.Errorf("unable to register queue: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO neodriver_messages (queue, body, created_at) VALUES (?, ?, ?)`, queue, body, now)
	if err != nil {
		return fmt.Errorf("unable to insert message: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	s.signal(queue)

	return
}

// ReserveBatch reserves up to n messages on queue, waiting up to timeout for a send from this process when the queue
// is empty
func (s *SqliteBackend) ReserveBatch(ctx context.Context, queue string, n int, timeout time.Duration) (msgs []*messages.Message, err error) {
	deadline := time.Now().Add(timeout)

	for {
		// watch for sends before reserving, so that a send between the two is not missed
		arrived := s.watch(queue)

		msgs, err = s.reserve(ctx, queue, n)
		if err != nil || len(msgs) > 0 {
			return
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-arrived:
			timer.Stop()
		case <-timer.C:
			// one last attempt picks up messages sent by other processes
			return s.reserve(ctx, queue, n)
		}
	}
}

func (s *SqliteBackend) reserve(ctx context.Context, queue string, n int) (msgs []*messages.Message, err error) {
	now := time.Now()
	reservedUntil := now.Add(s.config.VisibilityTimeout).UnixNano()

	rows, err := s.db.QueryContext(ctx, ReserveQuery, reservedUntil, queue, now.UnixNano(), n)
	if err != nil {
		return nil, fmt.Errorf("unable to reserve messages: %w", err)
	}
	defer rows.Close()

	type reserved struct {
		id         int64
		body       []byte
		deliveries int64
	}

	var batch []reserved
	for rows.Next() {
		var r reserved
		if err = rows.Scan(&r.id, &r.body, &r.deliveries); err != nil {
			return nil, fmt.Errorf("unable to reserve messages: %w", err)
		}
		batch = append(batch, r)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("unable to reserve messages: %w", err)
	}

	// RETURNING rows come back in no particular order
	sort.Slice(batch, func(i, j int) bool { return batch[i].id < batch[j].id })

	for _, r := range batch {
		msgs = append(msgs, messages.New(r.body, Receipt{ID: r.id, Delivery: r.deliveries}))
	}

	if len(msgs) > 0 {
		s.logger.Debug("reserved messages", "queue", queue, "count", len(msgs))
	}

	return
}

// Acknowledge deletes a reserved message
//
// Receipts of earlier deliveries of a redelivered message acknowledge nothing.
func (s *SqliteBackend) Acknowledge(ctx context.Context, queue string, receipt messages.Receipt) (err error) {
	r, ok := receipt.(Receipt)
	if !ok {
		return fmt.Errorf("%w: %T", ErrInvalidReceipt, receipt)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM neodriver_messages WHERE id = ? AND queue = ? AND deliveries = ?`,
		r.ID, queue, r.Delivery)
	if err != nil {
		return
	}

	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("acknowledged nothing, the message was redelivered or already acknowledged", "queue", queue, "receipt", r)
	}

	return nil
}

// Create registers queue. Creating a queue that exists is not an error.
func (s *SqliteBackend) Create(ctx context.Context, queue string) (err error) {
	_, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO neodriver_queues (name, created_at) VALUES (?, ?)`,
		queue, time.Now().UnixNano())

	return
}

// Remove deletes queue and all of its messages, reserved or not
func (s *SqliteBackend) Remove(ctx context.Context, queue string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error creating transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx, `DELETE FROM neodriver_messages WHERE queue = ?`, queue); err != nil {
		return
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM neodriver_queues WHERE name = ?`, queue); err != nil {
		return
	}

	return tx.Commit()
}

// List lists registered queues, sorted by name
func (s *SqliteBackend) List(ctx context.Context) (queues []string, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM neodriver_queues ORDER BY name ASC`)
	if err != nil {
		return
	}
	defer rows.Close()

	queues = []string{}
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, err
		}
		queues = append(queues, name)
	}

	return queues, rows.Err()
}

// Count counts the messages on queue that are available for reservation
func (s *SqliteBackend) Count(ctx context.Context, queue string) (count int64, err error) {
	err = s.db.QueryRowContext(ctx, CountQuery, queue, time.Now().UnixNano()).Scan(&count)
	return
}

// Peek returns up to limit available message bodies starting at offset, in delivery order
func (s *SqliteBackend) Peek(ctx context.Context, queue string, offset, limit int) (bodies [][]byte, err error) {
	rows, err := s.db.QueryContext(ctx, PeekQuery, queue, time.Now().UnixNano(), limit, offset)
	if err != nil {
		return
	}
	defer rows.Close()

	bodies = [][]byte{}
	for rows.Next() {
		var body []byte
		if err = rows.Scan(&body); err != nil {
			return nil, err
		}
		bodies = append(bodies, body)
	}

	return bodies, rows.Err()
}

// Info reports the prefetch size, the number of stored messages and the creation time of the oldest one
func (s *SqliteBackend) Info(ctx context.Context) (info map[string]any, err error) {
	var total int64
	var oldest null.Int

	if err = s.db.QueryRowContext(ctx, InfoQuery).Scan(&total, &oldest); err != nil {
		return
	}

	oldestMessage := null.Time{}
	if oldest.Valid {
		oldestMessage = null.TimeFrom(time.Unix(0, oldest.Int64))
	}

	info = map[string]any{
		"prefetch":           s.config.Prefetch,
		"visibility_timeout": s.config.VisibilityTimeout.String(),
		"messages":           total,
		"oldest_message":     oldestMessage,
	}

	return
}

// SetLogger sets this backend's logger
func (s *SqliteBackend) SetLogger(logger logging.Logger) {
	s.logger = logger
}

// Close closes the database
func (s *SqliteBackend) Close(_ context.Context) (err error) {
	return s.db.Close()
}

func (s *SqliteBackend) watch(queue string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.arrived[queue]
	if !ok {
		ch = make(chan struct{})
		s.arrived[queue] = ch
	}

	return ch
}

func (s *SqliteBackend) signal(queue string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.arrived[queue]; ok {
		close(ch)
		delete(s.arrived, queue)
	}
}
