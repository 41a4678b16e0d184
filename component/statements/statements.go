package statements

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Row is one pg_stat_statements record, the tabular boundary consumed by
// the reporting layer.
type Row struct {
	QueryID     int64   `json:"queryid"`
	Query       string  `json:"query"`
	Calls       int64   `json:"calls"`
	TotalExecMs float64 `json:"total_exec_time"`
	Rows        int64   `json:"rows"`
	WALBytes    int64   `json:"wal_bytes"`
	AvgExecMs   float64 `json:"avg_exec_ms"`
	TotalPlanMs float64 `json:"total_plan_time"`
}

// Store supplies statement statistics. Implementations must be safe for
// concurrent use.
type Store interface {
	Statements(ctx context.Context) ([]Row, error)
	CheckReachable(ctx context.Context) error
}

const statementsQuery = `
SELECT queryid,
       query,
       calls,
       total_exec_time,
       rows,
       wal_bytes,
       COALESCE(total_exec_time / NULLIF(calls, 0), 0) AS avg_exec_ms,
       total_plan_time
FROM pg_stat_statements
WHERE queryid IS NOT NULL`

// PostgresStore reads pg_stat_statements through a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Open connects a pool for the DSN and verifies reachability.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "create postgres pool")
	}
	s := NewPostgresStore(pool)
	if err := s.CheckReachable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) CheckReachable(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return errors.Wrap(err, "database not reachable")
	}
	return nil
}

func (s *PostgresStore) Statements(ctx context.Context) ([]Row, error) {
	rows, err := s.pool.Query(ctx, statementsQuery)
	if err != nil {
		return nil, errors.Wrap(err, "query pg_stat_statements")
	}
	defer rows.Close()

	out := make([]Row, 0)
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.QueryID, &r.Query, &r.Calls, &r.TotalExecMs,
			&r.Rows, &r.WALBytes, &r.AvgExecMs, &r.TotalPlanMs); err != nil {
			return nil, errors.WithStack(err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}
