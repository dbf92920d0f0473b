package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"rideradar/models"
)

// Pool is the slice of pgxpool.Pool the store needs.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type PostgresStore struct {
	pool Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "parse config")
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, eris.Wrap(err, "create pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "ping")
	}

	return &PostgresStore{pool: pool}, nil
}

func NewPostgresStoreWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

const listingsDDL = `
CREATE TABLE IF NOT EXISTS listings (
	source       TEXT NOT NULL,
	source_id    TEXT NOT NULL,
	source_url   TEXT NOT NULL,
	fingerprint  TEXT NOT NULL,
	make         TEXT,
	model        TEXT,
	variant      TEXT,
	year         INTEGER,
	price        INTEGER,
	odometer     INTEGER,
	body         TEXT,
	trans        TEXT,
	fuel         TEXT,
	engine       TEXT,
	drive        TEXT,
	state        TEXT,
	suburb       TEXT,
	postcode     TEXT,
	lat          DOUBLE PRECISION,
	lng          DOUBLE PRECISION,
	media        JSONB NOT NULL DEFAULT '[]',
	seller       JSONB NOT NULL DEFAULT '{}',
	raw          JSONB,
	sale_method  TEXT,
	status       TEXT NOT NULL DEFAULT 'active',
	first_seen   TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (source, source_id)
);
CREATE INDEX IF NOT EXISTS listings_fingerprint_idx ON listings (fingerprint)`

// Migrate creates the listings table when it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, listingsDDL); err != nil {
		return eris.Wrap(err, "migrate listings")
	}
	return nil
}

const upsertListingSQL = `
	INSERT INTO listings (
		source, source_id, source_url, fingerprint, make, model, variant,
		year, price, odometer, body, trans, fuel, engine, drive,
		state, suburb, postcode, lat, lng, media, seller, raw,
		sale_method, status, last_seen
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, now()
	)
	ON CONFLICT (source, source_id) DO UPDATE SET
		source_url = EXCLUDED.source_url,
		fingerprint = EXCLUDED.fingerprint,
		make = EXCLUDED.make,
		model = EXCLUDED.model,
		variant = EXCLUDED.variant,
		year = EXCLUDED.year,
		price = EXCLUDED.price,
		odometer = EXCLUDED.odometer,
		body = EXCLUDED.body,
		trans = EXCLUDED.trans,
		fuel = EXCLUDED.fuel,
		engine = EXCLUDED.engine,
		drive = EXCLUDED.drive,
		state = EXCLUDED.state,
		suburb = EXCLUDED.suburb,
		postcode = EXCLUDED.postcode,
		lat = EXCLUDED.lat,
		lng = EXCLUDED.lng,
		media = EXCLUDED.media,
		seller = EXCLUDED.seller,
		raw = EXCLUDED.raw,
		sale_method = EXCLUDED.sale_method,
		status = EXCLUDED.status,
		last_seen = now()
	RETURNING last_seen`

// Upsert writes l keyed by (source, source_id) and stores the row's new
// last_seen back on l.
func (s *PostgresStore) Upsert(ctx context.Context, l *models.Listing) error {
	if err := prepare(l); err != nil {
		return err
	}

	media := l.Media
	if media == nil {
		media = []string{}
	}
	mediaJSON, err := json.Marshal(media)
	if err != nil {
		return eris.Wrap(err, "marshal media")
	}
	seller := l.Seller
	if seller == nil {
		seller = map[string]any{}
	}
	sellerJSON, err := json.Marshal(seller)
	if err != nil {
		return eris.Wrap(err, "marshal seller")
	}
	var raw []byte
	if len(l.Raw) > 0 {
		raw = l.Raw
	}

	err = s.pool.QueryRow(ctx, upsertListingSQL,
		l.Source, l.SourceID, l.SourceURL, l.Fingerprint,
		nullString(l.Make), nullString(l.Model), nullString(l.Variant),
		l.Year, l.Price, l.Odometer,
		nullString(l.Body), nullString(l.Trans), nullString(l.Fuel), nullString(l.Engine), nullString(l.Drive),
		nullString(l.State), nullString(l.Suburb), nullString(l.Postcode),
		l.Lat, l.Lng, mediaJSON, sellerJSON, raw,
		nullString(l.SaleMethod), l.Status,
	).Scan(&l.LastSeen)
	if err != nil {
		return eris.Wrapf(err, "upsert listing %s/%s", l.Source, l.SourceID)
	}
	return nil
}

const getListingSQL = `
	SELECT source, source_id, source_url, fingerprint,
		COALESCE(make, ''), COALESCE(model, ''), COALESCE(variant, ''),
		year, price, odometer,
		COALESCE(state, ''), COALESCE(suburb, ''), COALESCE(sale_method, ''),
		media, status, last_seen
	FROM listings WHERE source = $1 AND source_id = $2`

// GetListing returns nil, nil when no row matches.
func (s *PostgresStore) GetListing(ctx context.Context, source, sourceID string) (*models.Listing, error) {
	var (
		l     models.Listing
		media []byte
	)
	err := s.pool.QueryRow(ctx, getListingSQL, source, sourceID).Scan(
		&l.Source, &l.SourceID, &l.SourceURL, &l.Fingerprint,
		&l.Make, &l.Model, &l.Variant,
		&l.Year, &l.Price, &l.Odometer,
		&l.State, &l.Suburb, &l.SaleMethod,
		&media, &l.Status, &l.LastSeen,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "get listing %s/%s", source, sourceID)
	}
	if len(media) > 0 {
		if err := json.Unmarshal(media, &l.Media); err != nil {
			return nil, eris.Wrap(err, "decode media")
		}
	}
	return &l, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
