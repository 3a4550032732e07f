// Package sqlexec runs generated SQL against a user's own database connection.
package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNotConnected is returned when a user has not established a connection. Connections are
// explicit, user-initiated state and are never opened implicitly by a query.
var ErrNotConnected = errors.New("not connected")

const defaultPingTimeout = 10 * time.Second

// Credentials identify the database a user connects to.
type Credentials struct {
	Dialect Dialect
	DSN     string
}

func (c Credentials) Validate() error {
	if c.Dialect == "" {
		return errors.New("dialect is required")
	}
	if _, err := ParseDialect(string(c.Dialect)); err != nil {
		return err
	}
	if c.DSN == "" {
		return errors.New("dsn is required")
	}
	return nil
}

// OpenFunc opens a database handle. sql.Open is used by default.
type OpenFunc func(driverName, dsn string) (*sql.DB, error)

type ConnectionManagerConfig struct {
	Logger      *slog.Logger
	Open        OpenFunc
	PingTimeout time.Duration
}

func (c *ConnectionManagerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Open == nil {
		c.Open = sql.Open
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = defaultPingTimeout
	}
	return nil
}

// ConnectionManager holds at most one live connection per user. Connecting is serialized per
// user; m.mu only guards the maps and is never held across I/O.
type ConnectionManager struct {
	log *slog.Logger
	cfg *ConnectionManagerConfig

	mu         sync.Mutex
	conns      map[string]*Conn
	connecting map[string]*sync.Mutex
}

func NewConnectionManager(cfg *ConnectionManagerConfig) (*ConnectionManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ConnectionManager{
		log:        cfg.Logger,
		cfg:        cfg,
		conns:      make(map[string]*Conn),
		connecting: make(map[string]*sync.Mutex),
	}, nil
}

func (m *ConnectionManager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.connecting[userID]
	if !ok {
		l = &sync.Mutex{}
		m.connecting[userID] = l
	}
	return l
}

// GetOrCreateConnection returns the user's connection, opening and pinging it first when the
// user has none. An existing connection with different credentials is replaced once the new
// one is up.
func (m *ConnectionManager) GetOrCreateConnection(ctx context.Context, userID string, creds Credentials) (*Conn, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}

	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if c, err := m.Conn(userID); err == nil && c.creds == creds {
		return c, nil
	}

	db, err := m.cfg.Open(creds.Dialect.DriverName(), creds.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", creds.Dialect, err)
	}
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", creds.Dialect, err)
	}

	c := &Conn{userID: userID, creds: creds, db: db}
	m.mu.Lock()
	prev := m.conns[userID]
	m.conns[userID] = c
	m.mu.Unlock()

	if prev != nil {
		m.log.Info("sqlexec: replaced connection with new credentials", "user", userID, "dialect", creds.Dialect)
		if err := prev.close(); err != nil {
			m.log.Warn("sqlexec: failed to close previous connection", "user", userID, "error", err)
		}
	}
	m.log.Info("sqlexec: connected", "user", userID, "dialect", creds.Dialect)
	return c, nil
}

// Conn returns the user's live connection or ErrNotConnected.
func (m *ConnectionManager) Conn(userID string) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[userID]
	if !ok {
		return nil, ErrNotConnected
	}
	return c, nil
}

func (m *ConnectionManager) IsConnected(userID string) bool {
	_, err := m.Conn(userID)
	return err == nil
}

// Disconnect closes the user's connection. Disconnecting a user without one is a no-op.
func (m *ConnectionManager) Disconnect(userID string) error {
	m.mu.Lock()
	c, ok := m.conns[userID]
	delete(m.conns, userID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return c.close()
}

// Close disconnects every user.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Conn is one user's connection. Queries on it are serialized.
type Conn struct {
	userID string
	creds  Credentials
	db     *sql.DB

	mu sync.Mutex
}

func (c *Conn) Dialect() Dialect { return c.creds.Dialect }

// QueryResult is what Conn.Query read. Truncated is set when the result set had rows past
// the cap that were not read.
type QueryResult struct {
	Columns   []string
	Rows      [][]any
	Truncated bool
}

// Query runs query and returns at most maxRows rows; maxRows <= 0 reads everything.
// []byte values are returned as strings.
func (c *Conn) Query(ctx context.Context, query string, maxRows int) (*QueryResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	res := &QueryResult{Columns: columns, Rows: make([][]any, 0)}
	for rows.Next() {
		if maxRows > 0 && len(res.Rows) >= maxRows {
			res.Truncated = true
			break
		}
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return res, nil
}

// SampleRows returns up to n rows of table.
func (c *Conn) SampleRows(ctx context.Context, table string, n int) ([][]any, error) {
	res, err := c.Query(ctx, c.Dialect().SampleQuery(table, n), n)
	if err != nil {
		return nil, fmt.Errorf("failed to sample %s: %w", table, err)
	}
	return res.Rows, nil
}

func (c *Conn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Close()
}
