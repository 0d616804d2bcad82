package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/charging-platform/ocpp-gateway/internal/business/transaction"
	"github.com/charging-platform/ocpp-gateway/internal/config"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Execer 执行SQL的最小接口，*pgxpool.Pool实现了它
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

const createTransactionsTable = `
	create table if not exists transactions (
		transaction_id  bigint primary key,
		charge_point_id text not null,
		connector_id    integer not null,
		id_tag          text not null,
		meter_start     integer not null,
		started_at      timestamptz not null,
		status          text not null,
		meter_stop      integer,
		stopped_at      timestamptz,
		updated_at      timestamptz not null default now()
	)`

const upsertTransaction = `
	insert into transactions (transaction_id, charge_point_id, connector_id, id_tag, meter_start, started_at, status, meter_stop, stopped_at)
	values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	on conflict (transaction_id) do update set
		status=excluded.status,
		meter_stop=excluded.meter_stop,
		stopped_at=excluded.stopped_at,
		updated_at=now()`

// NewPostgresPool 创建连接池
func NewPostgresPool(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return pool, nil
}

// PostgresTransactionStore 将停止的交易写入Postgres
type PostgresTransactionStore struct {
	db Execer
}

var _ transaction.Store = (*PostgresTransactionStore)(nil)

// NewPostgresTransactionStore 创建交易存储
func NewPostgresTransactionStore(db Execer) *PostgresTransactionStore {
	return &PostgresTransactionStore{db: db}
}

// EnsureSchema 创建交易表
func (s *PostgresTransactionStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createTransactionsTable); err != nil {
		return fmt.Errorf("failed to create transactions table: %w", err)
	}
	return nil
}

// SaveTransaction 按交易ID幂等写入
func (s *PostgresTransactionStore) SaveTransaction(ctx context.Context, tx transaction.Transaction) error {
	_, err := s.db.Exec(ctx, upsertTransaction,
		tx.ID, tx.ChargePointID, tx.ConnectorID, tx.IdTag, tx.MeterStart, tx.StartTimestamp,
		string(tx.Status), tx.MeterStop, tx.StopTimestamp)
	if err != nil {
		return fmt.Errorf("failed to save transaction %d: %w", tx.ID, err)
	}
	return nil
}
