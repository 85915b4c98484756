package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Glitchfix/crossroads/internal/models"
)

const pgUniqueViolation = "23505"

// PostgresRegistry stores the registry in Postgres through a pgx pool.
type PostgresRegistry struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRegistry opens a Postgres-backed registry. Call Migrate before
// first use on a fresh database.
func NewPostgresRegistry(ctx context.Context, dsn string, opts ...Option) (*PostgresRegistry, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresRegistry{pool: pool, cfg: cfg}, nil
}

// Migrate creates the registry tables when they do not exist yet.
func (r *PostgresRegistry) Migrate(ctx context.Context) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer rollbackTx(ctx, tx)
	for _, stmt := range postgresSchema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply postgres schema: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(context.WithoutCancel(ctx))
}

// acquireContext bounds a single statement by the configured acquire timeout.
func (r *PostgresRegistry) acquireContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.AcquireTimeout > 0 {
		return context.WithTimeout(ctx, r.cfg.AcquireTimeout)
	}
	return ctx, func() {}
}

func (r *PostgresRegistry) Ping(ctx context.Context) error {
	ctx, cancel := r.acquireContext(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

func (r *PostgresRegistry) ListChannels(ctx context.Context, limit, offset int) ([]models.ChannelSummary, error) {
	limit, offset = NormalizePage(limit, offset)
	rows, err := r.pool.Query(ctx,
		`SELECT name, url, description FROM channels
		WHERE visible
		ORDER BY created_at, url
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	summaries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ChannelSummary, error) {
		var s models.ChannelSummary
		err := row.Scan(&s.Name, &s.URL, &s.Description)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan channels: %w", err)
	}
	if summaries == nil {
		summaries = make([]models.ChannelSummary, 0)
	}
	return summaries, nil
}

func (r *PostgresRegistry) GetChannel(ctx context.Context, url string) (models.Channel, error) {
	var ch models.Channel
	err := r.pool.QueryRow(ctx,
		`SELECT url, name, description, header_size, visible, source_address, source_port,
			splitter_count, splitter_port, monitor_port, smart_source_client,
			monitor_address, listen_port, created_at
		FROM channels WHERE url = $1`, url).
		Scan(&ch.URL, &ch.Name, &ch.Description, &ch.HeaderSize, &ch.Visible, &ch.SourceAddress, &ch.SourcePort,
			&ch.SplitterCount, &ch.SplitterPort, &ch.MonitorPort, &ch.SmartSourceClient,
			&ch.MonitorAddress, &ch.ListenPort, &ch.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Channel{}, notFound("channel", url)
	}
	if err != nil {
		return models.Channel{}, fmt.Errorf("get channel: %w", err)
	}
	ch.CreatedAt = ch.CreatedAt.UTC()
	return ch, nil
}

func (r *PostgresRegistry) InsertChannelWithPool(ctx context.Context, channel models.Channel, addresses []string) error {
	if err := validateInsert(channel, addresses); err != nil {
		return err
	}
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = r.cfg.Clock()
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin insert channel: %w", err)
	}
	defer rollbackTx(ctx, tx)

	_, err = tx.Exec(ctx,
		`INSERT INTO channels (
			url, name, password, description, header_size, visible, source_address, source_port,
			splitter_count, splitter_port, monitor_port, smart_source_client,
			monitor_address, listen_port, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		channel.URL, channel.Name, channel.CredentialHash, channel.Description, channel.HeaderSize,
		channel.Visible, channel.SourceAddress, channel.SourcePort,
		channel.SplitterCount, channel.SplitterPort, channel.MonitorPort, channel.SmartSourceClient,
		channel.MonitorAddress, channel.ListenPort, channel.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("insert channel %q: %w", channel.URL, ErrDuplicateURL)
		}
		return fmt.Errorf("insert channel: %w", err)
	}

	batch := &pgx.Batch{}
	for i, addr := range addresses {
		batch.Queue(`INSERT INTO splitter (splitter_url, splitter_address, splitter_available, position)
			VALUES ($1, $2, TRUE, $3)`, channel.URL, addr, i)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert splitters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit insert channel: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) UpdateChannelMetadata(ctx context.Context, url string, update models.MetadataUpdate) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE channels SET name = $1, description = $2 WHERE url = $3`,
		update.Name, update.Description, url)
	if err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("channel", url)
	}
	return nil
}

func (r *PostgresRegistry) DeleteChannel(ctx context.Context, url string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin delete channel: %w", err)
	}
	defer rollbackTx(ctx, tx)

	if _, err := tx.Exec(ctx, `DELETE FROM splitter WHERE splitter_url = $1`, url); err != nil {
		return fmt.Errorf("delete splitters: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM channels WHERE url = $1`, url)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("channel", url)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete channel: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) GetCredentialHash(ctx context.Context, url string) (string, error) {
	var hash string
	err := r.pool.QueryRow(ctx, `SELECT password FROM channels WHERE url = $1`, url).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", notFound("channel", url)
	}
	if err != nil {
		return "", fmt.Errorf("get credential hash: %w", err)
	}
	return hash, nil
}

func (r *PostgresRegistry) GetSplitterAddresses(ctx context.Context, url string, availableOnly bool) ([]string, error) {
	query := `SELECT splitter_address FROM splitter WHERE splitter_url = $1`
	if availableOnly {
		query += ` AND splitter_available`
	}
	query += ` ORDER BY position`
	rows, err := r.pool.Query(ctx, query, url)
	if err != nil {
		return nil, fmt.Errorf("get splitter addresses: %w", err)
	}
	addresses, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan splitter addresses: %w", err)
	}
	if addresses == nil {
		addresses = make([]string, 0)
	}
	return addresses, nil
}

func (r *PostgresRegistry) ListSplitters(ctx context.Context, url string) ([]models.Splitter, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT splitter_url, splitter_address, splitter_available FROM splitter
		WHERE splitter_url = $1 ORDER BY position`, url)
	if err != nil {
		return nil, fmt.Errorf("list splitters: %w", err)
	}
	splitters, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Splitter, error) {
		var sp models.Splitter
		err := row.Scan(&sp.ChannelURL, &sp.Address, &sp.Available)
		return sp, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan splitters: %w", err)
	}
	if splitters == nil {
		splitters = make([]models.Splitter, 0)
	}
	return splitters, nil
}

func (r *PostgresRegistry) SetSplitterAvailability(ctx context.Context, url, address string, available bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE splitter SET splitter_available = $1 WHERE splitter_url = $2 AND splitter_address = $3`,
		available, url, address)
	if err != nil {
		return fmt.Errorf("set splitter availability: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("splitter", url+"/"+address)
	}
	return nil
}

func (r *PostgresRegistry) ResolveSplitterChannel(ctx context.Context, address string) (string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT splitter_url FROM splitter WHERE splitter_address = $1 LIMIT 2`, address)
	if err != nil {
		return "", fmt.Errorf("resolve splitter channel: %w", err)
	}
	owners, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return "", fmt.Errorf("resolve splitter channel: %w", err)
	}
	return soleOwner(address, owners)
}

func (r *PostgresRegistry) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

var _ Registry = (*PostgresRegistry)(nil)
