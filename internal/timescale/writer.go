package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"funding-arb-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// PositionPair is one poll tick's view of both legs.
type PositionPair struct {
	Time           time.Time
	BaseToken      string
	State          string
	PerpSize       float64
	PerpNotional   float64
	HedgeSize      float64
	HedgeNotional  float64
	TargetNotional float64
}

// Writer records position pairs to TimescaleDB from a background
// goroutine so a slow database never stalls the poll loop. Snapshots are
// dropped, not queued unboundedly, when the writer falls behind.
type Writer struct {
	db      *sql.DB
	log     *zap.Logger
	schema  string
	pairs   chan PositionPair
	started atomic.Bool
	dropped atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:     db,
		log:    log,
		schema: schema,
		pairs:  make(chan PositionPair, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueuePair(pair PositionPair) {
	if w == nil {
		return
	}
	select {
	case w.pairs <- pair:
		return
	default:
		if w.dropped.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale pair queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pair := <-w.pairs:
			w.writePair(ctx, pair)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		base_token TEXT NOT NULL,
		state TEXT NOT NULL,
		perp_size DOUBLE PRECISION NOT NULL,
		perp_notional DOUBLE PRECISION NOT NULL,
		hedge_size DOUBLE PRECISION NOT NULL,
		hedge_notional DOUBLE PRECISION NOT NULL,
		target_notional DOUBLE PRECISION NOT NULL
	)`, w.table("position_pairs"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(
		"SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)",
		w.table("position_pairs"))); err != nil {
		if w.log != nil {
			w.log.Warn("hypertable ensure failed", zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writePair(ctx context.Context, pair PositionPair) {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(writeCtx, fmt.Sprintf(
		`INSERT INTO %s (ts, base_token, state, perp_size, perp_notional, hedge_size, hedge_notional, target_notional)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, w.table("position_pairs")),
		pair.Time, pair.BaseToken, pair.State,
		pair.PerpSize, pair.PerpNotional, pair.HedgeSize, pair.HedgeNotional, pair.TargetNotional,
	)
	if err != nil && w.log != nil {
		w.log.Warn("timescale pair write failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	execCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(execCtx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
