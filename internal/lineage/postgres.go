package lineage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xkilldash9x/metos/api/schemas"
	"go.uber.org/zap"
)

// DBPool abstracts *pgxpool.Pool so the store can be tested with pgxmock.
type DBPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const (
	sqlCreateReplicas = `
        CREATE TABLE IF NOT EXISTS replicas (
            child_id       TEXT PRIMARY KEY,
            fork_url       TEXT NOT NULL,
            clone_location TEXT NOT NULL,
            parent_id      TEXT NOT NULL,
            created_at     TIMESTAMPTZ NOT NULL
        );
    `
	sqlInsertReplica = `
        INSERT INTO replicas (child_id, fork_url, clone_location, parent_id, created_at)
        VALUES ($1, $2, $3, $4, $5);
    `
	sqlListReplicas = `
        SELECT child_id, fork_url, clone_location, parent_id, created_at
        FROM replicas
        ORDER BY created_at ASC;
    `
)

// PostgresStore records replicas in the replicas table.
type PostgresStore struct {
	pool   DBPool
	logger *zap.Logger
}

var _ schemas.LineageStore = (*PostgresStore)(nil)

// NewPostgresStore creates the table if it does not exist.
func NewPostgresStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, sqlCreateReplicas); err != nil {
		return nil, fmt.Errorf("failed to ensure replicas table: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger.Named("lineage.postgres")}, nil
}

func (s *PostgresStore) Record(ctx context.Context, d schemas.ReplicaDescriptor) error {
	tag, err := s.pool.Exec(ctx, sqlInsertReplica, d.ChildID, d.ForkURL, d.CloneLocation, d.ParentID, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert replica %s: %w", d.ChildID, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("insert of replica %s affected %d rows", d.ChildID, tag.RowsAffected())
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]schemas.ReplicaDescriptor, error) {
	rows, err := s.pool.Query(ctx, sqlListReplicas)
	if err != nil {
		return nil, fmt.Errorf("failed to query replicas: %w", err)
	}
	defer rows.Close()

	out := []schemas.ReplicaDescriptor{}
	for rows.Next() {
		var d schemas.ReplicaDescriptor
		if err := rows.Scan(&d.ChildID, &d.ForkURL, &d.CloneLocation, &d.ParentID, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan replica row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating replica rows: %w", err)
	}
	return out, nil
}
