package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Glitchfix/crossroads/internal/models"
)

const (
	sqliteBusyCode             = 5
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
	busyRetryAttempts          = 5
	busyRetryInitialBackoff    = 10 * time.Millisecond
	busyRetryMaxBackoff        = 200 * time.Millisecond

	// Fixed width so created_at sorts correctly as text.
	sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

// SQLiteRegistry stores the registry in a single SQLite database file.
type SQLiteRegistry struct {
	db  *sql.DB
	cfg SQLiteConfig
}

// NewSQLiteRegistry opens (creating if needed) the database at path and
// applies the schema.
func NewSQLiteRegistry(path string, opts ...Option) (*SQLiteRegistry, error) {
	cfg := newSQLiteConfig(path, opts...)
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection keeps pragmas and transactions on one handle and
	// avoids SQLITE_BUSY between our own writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()),
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply sqlite schema: %w", err)
		}
	}
	return &SQLiteRegistry{db: db, cfg: cfg}, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func isSQLiteUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) {
		switch coder.Code() {
		case sqliteConstraintPrimaryKey, sqliteConstraintUnique:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// withTx runs fn inside a transaction, committing only when fn succeeds.
func (r *SQLiteRegistry) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return retryOnBusy(ctx, func() error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}

func (r *SQLiteRegistry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRegistry) ListChannels(ctx context.Context, limit, offset int) ([]models.ChannelSummary, error) {
	limit, offset = NormalizePage(limit, offset)
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, url, description FROM channels
		WHERE visible = 1
		ORDER BY created_at, rowid
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	summaries := make([]models.ChannelSummary, 0)
	for rows.Next() {
		var s models.ChannelSummary
		if err := rows.Scan(&s.Name, &s.URL, &s.Description); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return summaries, nil
}

func (r *SQLiteRegistry) GetChannel(ctx context.Context, url string) (models.Channel, error) {
	var (
		ch        models.Channel
		visible   int
		smart     int
		createdAt string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT url, name, description, header_size, visible, source_address, source_port,
			splitter_count, splitter_port, monitor_port, smart_source_client,
			monitor_address, listen_port, created_at
		FROM channels WHERE url = ?`, url).
		Scan(&ch.URL, &ch.Name, &ch.Description, &ch.HeaderSize, &visible, &ch.SourceAddress, &ch.SourcePort,
			&ch.SplitterCount, &ch.SplitterPort, &ch.MonitorPort, &smart,
			&ch.MonitorAddress, &ch.ListenPort, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Channel{}, notFound("channel", url)
	}
	if err != nil {
		return models.Channel{}, fmt.Errorf("get channel: %w", err)
	}
	ch.Visible = visible != 0
	ch.SmartSourceClient = smart != 0
	if parsed, err := time.Parse(sqliteTimeLayout, createdAt); err == nil {
		ch.CreatedAt = parsed
	}
	return ch, nil
}

func (r *SQLiteRegistry) InsertChannelWithPool(ctx context.Context, channel models.Channel, addresses []string) error {
	if err := validateInsert(channel, addresses); err != nil {
		return err
	}
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = r.cfg.Clock()
	}
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO channels (
				url, name, password, description, header_size, visible, source_address, source_port,
				splitter_count, splitter_port, monitor_port, smart_source_client,
				monitor_address, listen_port, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			channel.URL, channel.Name, channel.CredentialHash, channel.Description, channel.HeaderSize,
			boolToInt(channel.Visible), channel.SourceAddress, channel.SourcePort,
			channel.SplitterCount, channel.SplitterPort, channel.MonitorPort, boolToInt(channel.SmartSourceClient),
			channel.MonitorAddress, channel.ListenPort, channel.CreatedAt.UTC().Format(sqliteTimeLayout),
		); err != nil {
			if isSQLiteUniqueViolation(err) {
				return fmt.Errorf("insert channel %q: %w", channel.URL, ErrDuplicateURL)
			}
			return fmt.Errorf("insert channel: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO splitter (splitter_url, splitter_address, splitter_available, position) VALUES (?, ?, 1, ?)`)
		if err != nil {
			return fmt.Errorf("prepare splitter insert: %w", err)
		}
		defer stmt.Close()
		for i, addr := range addresses {
			if _, err := stmt.ExecContext(ctx, channel.URL, addr, i); err != nil {
				return fmt.Errorf("insert splitter %s: %w", addr, err)
			}
		}
		return nil
	})
	return err
}

func (r *SQLiteRegistry) UpdateChannelMetadata(ctx context.Context, url string, update models.MetadataUpdate) error {
	return r.execAffecting(ctx, notFound("channel", url),
		`UPDATE channels SET name = ?, description = ? WHERE url = ?`,
		update.Name, update.Description, url)
}

func (r *SQLiteRegistry) DeleteChannel(ctx context.Context, url string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		// Splitter rows go first so the delete does not depend on the
		// foreign key pragma being honoured.
		if _, err := tx.ExecContext(ctx, `DELETE FROM splitter WHERE splitter_url = ?`, url); err != nil {
			return fmt.Errorf("delete splitters: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE url = ?`, url)
		if err != nil {
			return fmt.Errorf("delete channel: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return notFound("channel", url)
		}
		return nil
	})
}

func (r *SQLiteRegistry) GetCredentialHash(ctx context.Context, url string) (string, error) {
	var hash string
	err := r.db.QueryRowContext(ctx, `SELECT password FROM channels WHERE url = ?`, url).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFound("channel", url)
	}
	if err != nil {
		return "", fmt.Errorf("get credential hash: %w", err)
	}
	return hash, nil
}

func (r *SQLiteRegistry) GetSplitterAddresses(ctx context.Context, url string, availableOnly bool) ([]string, error) {
	query := `SELECT splitter_address FROM splitter WHERE splitter_url = ?`
	if availableOnly {
		query += ` AND splitter_available = 1`
	}
	query += ` ORDER BY position`
	rows, err := r.db.QueryContext(ctx, query, url)
	if err != nil {
		return nil, fmt.Errorf("get splitter addresses: %w", err)
	}
	defer rows.Close()

	addresses := make([]string, 0)
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("scan splitter address: %w", err)
		}
		addresses = append(addresses, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate splitter addresses: %w", err)
	}
	return addresses, nil
}

func (r *SQLiteRegistry) ListSplitters(ctx context.Context, url string) ([]models.Splitter, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT splitter_url, splitter_address, splitter_available FROM splitter
		WHERE splitter_url = ? ORDER BY position`, url)
	if err != nil {
		return nil, fmt.Errorf("list splitters: %w", err)
	}
	defer rows.Close()

	splitters := make([]models.Splitter, 0)
	for rows.Next() {
		var (
			sp        models.Splitter
			available int
		)
		if err := rows.Scan(&sp.ChannelURL, &sp.Address, &available); err != nil {
			return nil, fmt.Errorf("scan splitter: %w", err)
		}
		sp.Available = available != 0
		splitters = append(splitters, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate splitters: %w", err)
	}
	return splitters, nil
}

func (r *SQLiteRegistry) SetSplitterAvailability(ctx context.Context, url, address string, available bool) error {
	return r.execAffecting(ctx, notFound("splitter", url+"/"+address),
		`UPDATE splitter SET splitter_available = ? WHERE splitter_url = ? AND splitter_address = ?`,
		boolToInt(available), url, address)
}

func (r *SQLiteRegistry) ResolveSplitterChannel(ctx context.Context, address string) (string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT splitter_url FROM splitter WHERE splitter_address = ? LIMIT 2`, address)
	if err != nil {
		return "", fmt.Errorf("resolve splitter channel: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return "", fmt.Errorf("resolve splitter channel: %w", err)
		}
		owners = append(owners, url)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("resolve splitter channel: %w", err)
	}
	return soleOwner(address, owners)
}

func (r *SQLiteRegistry) Close(context.Context) error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// execAffecting runs a single statement and returns missing when it matched
// no rows. SQLite counts matched rows, so re-applying a value still succeeds.
func (r *SQLiteRegistry) execAffecting(ctx context.Context, missing error, query string, args ...any) error {
	var res sql.Result
	err := retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = r.db.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return missing
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Registry = (*SQLiteRegistry)(nil)
