package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/blobqueue/internal/format"
)

// PostgresInserter feeds a Postgres table through a pgx connection pool.
type PostgresInserter struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresInserter connects the pool and pings it once so configuration
// errors surface at startup, not on the first streaming tick.
func NewPostgresInserter(dsn, table string) (*PostgresInserter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresInserter{pool: pool, table: table}, nil
}

func (p *PostgresInserter) Close() {
	p.pool.Close()
}

func (p *PostgresInserter) Begin(ctx context.Context, schema format.Schema) (Pipeline, error) {
	cols := schema.Names()
	placeholders := make([]string, len(cols))
	quoted := make([]string, len(cols))
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier{p.table}.Sanitize(),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "))
	return &postgresPipeline{pool: p.pool, stmt: stmt, cols: cols}, nil
}

type postgresPipeline struct {
	pool *pgxpool.Pool
	stmt string
	cols []string

	mu    sync.Mutex
	batch pgx.Batch
}

func (p *postgresPipeline) Write(ctx context.Context, rows []format.Row) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, row := range rows {
		args := make([]any, len(p.cols))
		for i, c := range p.cols {
			args[i] = row[c]
		}
		p.batch.Queue(p.stmt, args...)
	}
	return nil
}

func (p *postgresPipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.batch.Len() == 0 {
		return nil
	}
	results := p.pool.SendBatch(ctx, &p.batch)
	defer results.Close()
	for i := 0; i < p.batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert batch row %d: %w", i, err)
		}
	}
	return nil
}
