package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"

	"crypto-tracker/internal/domain"
)

type fakeBatchResults struct {
	tags []pgconn.CommandTag
	err  error
	n    int
}

func (f *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	tag := f.tags[f.n]
	f.n++
	return tag, nil
}

func (f *fakeBatchResults) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }
func (f *fakeBatchResults) QueryRow() pgx.Row        { return nil }
func (f *fakeBatchResults) Close() error             { return nil }

type fakePool struct {
	batch   *pgx.Batch
	results *fakeBatchResults
	execSQL string
	execTag pgconn.CommandTag
}

func (f *fakePool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = sql
	return f.execTag, nil
}

func (f *fakePool) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	f.batch = b
	return f.results
}

func (f *fakePool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

func sampleSnapshot() domain.MarketSnapshot {
	return domain.MarketSnapshot{
		"bitcoin": {
			Price:       decimal.RequireFromString("97000.5"),
			LastUpdated: "2025-01-01T00:00:00.000Z",
		},
		"ethereum": {
			Price:       decimal.NewFromInt(2500),
			LastUpdated: domain.FallbackTimestamp,
		},
		"solana": {
			Price:       decimal.NewFromInt(150),
			LastUpdated: "",
		},
	}
}

func TestRecordSnapshotSkipsFallbackRows(t *testing.T) {
	pool := &fakePool{results: &fakeBatchResults{tags: []pgconn.CommandTag{pgconn.NewCommandTag("INSERT 0 1")}}}
	repo := NewPriceHistoryRepository(pool, trace.NewNoopTracerProvider().Tracer("test"))

	recordedAt := time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC)
	n, err := repo.RecordSnapshot(context.Background(), sampleSnapshot(), recordedAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 inserted row, got %d", n)
	}
	if pool.batch.Len() != 1 {
		t.Fatalf("expected a single queued insert, got %d", pool.batch.Len())
	}
	args := pool.batch.QueuedQueries[0].Arguments
	if args[0] != "bitcoin" || args[1] != "97000.5" {
		t.Fatalf("unexpected arguments: %v", args)
	}
	if !args[5].(time.Time).Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected source timestamp: %v", args[5])
	}
}

func TestRecordSnapshotNothingToWrite(t *testing.T) {
	pool := &fakePool{}
	repo := NewPriceHistoryRepository(pool, trace.NewNoopTracerProvider().Tracer("test"))

	n, err := repo.RecordSnapshot(context.Background(), domain.MarketSnapshot{"ethereum": {LastUpdated: domain.FallbackTimestamp}}, time.Now())
	if err != nil || n != 0 || pool.batch != nil {
		t.Fatalf("expected no batch, got n=%d err=%v", n, err)
	}
}

func TestRecordSnapshotPropagatesErrors(t *testing.T) {
	pool := &fakePool{results: &fakeBatchResults{err: errors.New("relation does not exist")}}
	repo := NewPriceHistoryRepository(pool, trace.NewNoopTracerProvider().Tracer("test"))

	if _, err := repo.RecordSnapshot(context.Background(), sampleSnapshot(), time.Now()); err == nil {
		t.Fatal("expected batch error")
	}
}

func TestDeleteOlderThan(t *testing.T) {
	pool := &fakePool{execTag: pgconn.NewCommandTag("DELETE 7")}
	repo := NewPriceHistoryRepository(pool, trace.NewNoopTracerProvider().Tracer("test"))

	n, err := repo.DeleteOlderThan(context.Background(), time.Now())
	if err != nil || n != 7 {
		t.Fatalf("expected 7 deleted rows, got %d err=%v", n, err)
	}
}

type fakeRow struct {
	values []any
}

func (f fakeRow) Scan(dest ...any) error {
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = f.values[i].(string)
		case *time.Time:
			*v = f.values[i].(time.Time)
		}
	}
	return nil
}

func TestScanPricePoint(t *testing.T) {
	now := time.Now().UTC()
	p, err := scanPricePoint(fakeRow{values: []any{"bitcoin", "97000.12345678", "-1.5", "0", "123", now, now}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Cryptocurrency != "bitcoin" || p.PriceUSD.String() != "97000.12345678" || p.Change24h.String() != "-1.5" {
		t.Fatalf("unexpected point: %+v", p)
	}

	if _, err := scanPricePoint(fakeRow{values: []any{"bitcoin", "NaN?", "0", "0", "0", now, now}}); err == nil {
		t.Fatal("expected decimal parse error")
	}
}
