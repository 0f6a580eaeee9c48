// Package sqlstore implements session.Store on PostgreSQL or SQLite.
//
// Records live in a single table keyed by subject. Expiry is stored as unix
// nanoseconds; Get ignores expired rows and an optional sweeper deletes them.
//
// Examples:
//
//	store, err := sqlstore.Open("postgres", "postgres://relay@localhost/relay?sslmode=disable")
//
//	store, err := sqlstore.Open("sqlite", ":memory:", sqlstore.WithTable("sessions"))
package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dpup/authrelay/errors"
	"github.com/dpup/authrelay/logging"
	"github.com/dpup/authrelay/session"
	pluralize "github.com/gertd/go-pluralize"
	"github.com/iancoleman/strcase"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"google.golang.org/grpc/codes"
)

// Dialect selects placeholder syntax and driver specific error handling.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	switch d {
	case DialectPostgres:
		return "postgres"
	default:
		return "sqlite3"
	}
}

// ParseDialect maps a driver name from configuration to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	}
	return 0, errors.Errorf("sqlstore: unknown driver %q", name).WithReason("config_error")
}

// DefaultTable is derived from the record type, e.g. "session_records".
var DefaultTable = tableName(sessionRecord{})

type sessionRecord struct{}

var validTable = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Option configures the store.
type Option func(*Store)

// WithTable overrides the default table name.
func WithTable(name string) Option {
	return func(s *Store) {
		s.table = name
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithSweepInterval starts a background sweeper that deletes expired rows.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		s.sweepInterval = d
	}
}

// WithLogger sets the logger used by the background sweeper.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithAutoCreateTable controls whether the table is created on startup.
// Defaults to true.
func WithAutoCreateTable(create bool) Option {
	return func(s *Store) {
		s.autoCreate = create
	}
}

// Open connects to the database, verifies the connection and prepares the
// table. The returned store owns the connection pool.
func Open(driverName, dsn string, opts ...Option) (*Store, error) {
	d, err := ParseDialect(driverName)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.String(), dsn)
	if err != nil {
		return nil, errors.WrapPrefix(err, "sqlstore: failed to open connection", 0)
	}
	if d == DialectSQLite && strings.Contains(dsn, ":memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, translateError(err)
	}

	s, err := New(db, d, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New returns a store using an existing pool. The caller keeps ownership of
// db.
func New(db *sql.DB, d Dialect, opts ...Option) (*Store, error) {
	s := &Store{
		db:         db,
		dialect:    d,
		table:      DefaultTable,
		now:        time.Now,
		autoCreate: true,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if !validTable.MatchString(s.table) {
		return nil, errors.Errorf("sqlstore: invalid table name %q", s.table).WithReason("config_error")
	}
	if s.logger == nil {
		s.logger = logging.FromContext(context.Background())
	}
	if s.autoCreate {
		if err := s.ensureTable(context.Background()); err != nil {
			return nil, err
		}
	}
	if s.sweepInterval > 0 {
		go s.sweepLoop()
	}
	return s, nil
}

// Store is a SQL backed session.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	table   string
	now     func() time.Time
	logger  logging.Logger
	owned   bool

	autoCreate    bool
	sweepInterval time.Duration
	done          chan struct{}
	closeOnce     sync.Once
}

var _ session.Store = (*Store)(nil)

func (s *Store) Put(ctx context.Context, subject, token string, ttl time.Duration) error {
	now := s.now()
	rec, err := session.NewRecord(subject, token, ttl, now)
	if err != nil {
		return err
	}
	query := `INSERT INTO ` + s.table + ` (subject, token, expires_at, updated_at)
		VALUES (` + s.ph(1) + `, ` + s.ph(2) + `, ` + s.ph(3) + `, ` + s.ph(4) + `)
		ON CONFLICT (subject) DO UPDATE SET
		token = excluded.token, expires_at = excluded.expires_at, updated_at = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, query, subject, rec.Token, rec.ExpiresAt.UnixNano(), now.UnixNano())
	return translateError(err)
}

func (s *Store) Get(ctx context.Context, subject string) (string, bool, error) {
	query := `SELECT token FROM ` + s.table + ` WHERE subject = ` + s.ph(1) + ` AND expires_at > ` + s.ph(2)
	var token string
	err := s.db.QueryRowContext(ctx, query, subject, s.now().UnixNano()).Scan(&token)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, translateError(err)
	}
	return token, true, nil
}

func (s *Store) Delete(ctx context.Context, subject string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE subject = `+s.ph(1), subject)
	return translateError(err)
}

// Sweep deletes expired rows and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE expires_at <= `+s.ph(1), s.now().UnixNano())
	if err != nil {
		return 0, translateError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, translateError(err)
	}
	return n, nil
}

// Ping checks connectivity, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return translateError(s.db.PingContext(ctx))
}

// Close stops the sweeper and, if the store opened the pool, closes it.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.owned {
			err = s.db.Close()
		}
	})
	return err
}

func (s *Store) sweepLoop() {
	t := time.NewTicker(s.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.sweepInterval)
			n, err := s.Sweep(ctx)
			cancel()
			if err != nil {
				s.logger.Warnw("sqlstore: sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Debugw("sqlstore: swept expired sessions", "count", n)
			}
		}
	}
}

func (s *Store) ensureTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		subject TEXT NOT NULL PRIMARY KEY,
		token TEXT NOT NULL,
		expires_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`)
	if err != nil {
		return errors.WrapPrefix(translateError(err), "sqlstore: failed to create table", 0)
	}
	index := "idx_" + strings.ReplaceAll(s.table, ".", "_") + "_expires_at"
	_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS `+index+` ON `+s.table+` (expires_at)`)
	if err != nil {
		return errors.WrapPrefix(translateError(err), "sqlstore: failed to create index", 0)
	}
	return nil
}

// ph returns the i'th bind placeholder.
func (s *Store) ph(i int) string {
	if s.dialect == DialectPostgres {
		return "$" + strconv.Itoa(i)
	}
	return "?"
}

// tableName derives a snake case plural name from the struct type.
func tableName(m any) string {
	return pluralize.NewClient().Plural(strcase.ToSnake(reflect.TypeOf(m).Name()))
}

// translateError maps driver errors onto session errors. Connection failures
// become session.ErrUnavailable so callers can retry them. Cancellation is
// passed through.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return session.Unavailable(err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "08", // connection_exception
			pqErr.Code.Class() == "53", // insufficient_resources
			pqErr.Code == "57P01",      // admin_shutdown
			pqErr.Code == "57P02",      // crash_shutdown
			pqErr.Code == "57P03":      // cannot_connect_now
			return session.Unavailable(err)
		}
		return errors.Wrap(err, 0).WithCode(codes.Internal)
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen, sqlite3.ErrIoErr:
			return session.Unavailable(err)
		}
		return errors.Wrap(err, 0).WithCode(codes.Internal)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return session.Unavailable(err)
	}
	return errors.Wrap(err, 0).WithCode(codes.Internal)
}
