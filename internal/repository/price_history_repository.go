package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"crypto-tracker/internal/domain"
)

const insertPricePoint = `
INSERT INTO crypto_prices (cryptocurrency, price_usd, change_24h, market_cap, volume_24h, source_updated_at, recorded_at)
VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5::numeric, $6, $7)
ON CONFLICT (cryptocurrency, source_updated_at) DO NOTHING`

type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PriceHistoryRepository stores one row per coin per provider update.
type PriceHistoryRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewPriceHistoryRepository(pool PgxPool, tracer trace.Tracer) *PriceHistoryRepository {
	return &PriceHistoryRepository{pool: pool, tracer: tracer}
}

// RecordSnapshot inserts every live record of snapshot and returns how many
// rows were new. FALLBACK records and records without a parseable provider
// timestamp are skipped.
func (r *PriceHistoryRepository) RecordSnapshot(ctx context.Context, snapshot domain.MarketSnapshot, recordedAt time.Time) (int, error) {
	points := pricePoints(snapshot, recordedAt)
	if len(points) == 0 {
		return 0, nil
	}

	ctx, span := r.tracer.Start(ctx, "price-history-repo.record-snapshot")
	defer span.End()
	span.SetAttributes(attribute.Int("points", len(points)))

	batch := &pgx.Batch{}
	for _, p := range points {
		batch.Queue(insertPricePoint,
			p.Cryptocurrency,
			p.PriceUSD.String(),
			p.Change24h.String(),
			p.MarketCap.String(),
			p.Volume24h.String(),
			p.SourceUpdatedAt,
			p.RecordedAt,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for range points {
		tag, err := br.Exec()
		if err != nil {
			return inserted, err
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// GetHistory returns up to limit points for coin, newest first.
func (r *PriceHistoryRepository) GetHistory(ctx context.Context, coin string, limit int) ([]domain.PricePoint, error) {
	ctx, span := r.tracer.Start(ctx, "price-history-repo.get-history")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT cryptocurrency, price_usd::text, change_24h::text, market_cap::text, volume_24h::text, source_updated_at, recorded_at
		 FROM crypto_prices
		 WHERE cryptocurrency = $1
		 ORDER BY source_updated_at DESC
		 LIMIT $2`,
		coin, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []domain.PricePoint
	for rows.Next() {
		p, err := scanPricePoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// DeleteOlderThan prunes history recorded before cutoff.
func (r *PriceHistoryRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "price-history-repo.delete-older-than")
	defer span.End()

	tag, err := r.pool.Exec(ctx, `DELETE FROM crypto_prices WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func pricePoints(snapshot domain.MarketSnapshot, recordedAt time.Time) []domain.PricePoint {
	points := make([]domain.PricePoint, 0, len(snapshot))
	for _, id := range snapshot.IDs() {
		coin := snapshot[id]
		if coin.LastUpdated == domain.FallbackTimestamp {
			continue
		}
		updated, err := time.Parse(time.RFC3339, coin.LastUpdated)
		if err != nil {
			continue
		}
		points = append(points, domain.PricePoint{
			Cryptocurrency:  id,
			PriceUSD:        coin.Price,
			Change24h:       coin.Change24h,
			MarketCap:       coin.MarketCap,
			Volume24h:       coin.Volume24h,
			SourceUpdatedAt: updated.UTC(),
			RecordedAt:      recordedAt.UTC(),
		})
	}
	return points
}

func scanPricePoint(s interface{ Scan(dest ...any) error }) (domain.PricePoint, error) {
	var p domain.PricePoint
	var price, change, mcap, volume string
	if err := s.Scan(&p.Cryptocurrency, &price, &change, &mcap, &volume, &p.SourceUpdatedAt, &p.RecordedAt); err != nil {
		return p, err
	}
	var err error
	if p.PriceUSD, err = decimal.NewFromString(price); err != nil {
		return p, err
	}
	if p.Change24h, err = decimal.NewFromString(change); err != nil {
		return p, err
	}
	if p.MarketCap, err = decimal.NewFromString(mcap); err != nil {
		return p, err
	}
	if p.Volume24h, err = decimal.NewFromString(volume); err != nil {
		return p, err
	}
	return p, nil
}
