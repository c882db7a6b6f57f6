// Package warehouse is a thin query gateway to the ClickHouse price warehouse.
// It executes parameterized queries and returns typed rows; routing and
// ranking decisions live elsewhere.
package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/crossdock/pricing-engine/internal/lookup"
	"github.com/crossdock/pricing-engine/internal/observability"
)

// Config holds warehouse connection settings. Credentials arrive here
// explicitly; nothing is read from globals.
type Config struct {
	Addr         string
	Database     string
	Username     string
	Password     string
	DialTimeout  time.Duration
	QueryTimeout time.Duration
}

// Client executes price-warehouse queries over the ClickHouse native protocol.
type Client struct {
	conn   driver.Conn
	logger *observability.Logger
	cfg    Config
}

// NewClient opens a warehouse connection and verifies it with a ping.
func NewClient(logger *observability.Logger, cfg Config) (*Client, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping failed: %w", err)
	}

	return &Client{conn: conn, logger: logger, cfg: cfg}, nil
}

// Close releases the warehouse connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// SupplierIDsForGroup resolves a supplier-group selector to supplier ids from
// the membership feed.
func (c *Client) SupplierIDsForGroup(ctx context.Context, group string) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	const query = `
		SELECT DISTINCT toInt64(dif_id)
		FROM sup_stat.sup_list
		WHERE has(lists, ?)
	`
	rows, err := c.conn.Query(ctx, query, group)
	if err != nil {
		return nil, fmt.Errorf("supplier group query: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan supplier id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("supplier group rows: %w", err)
	}

	c.logger.Debug().Str("group", group).Int("suppliers", len(ids)).Msg("Resolved supplier group")
	return ids, nil
}

// RawOffers runs the general-path query against raw price events: the latest
// in-stock row per supplier within the lookback window. Brands must be
// lowercased alias expansions.
func (c *Client) RawOffers(ctx context.Context, brands []string, article string, supplierIDs []int64, lookbackDays int) ([]lookup.Offer, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	const query = `
		SELECT
			toFloat64(argMax(df.p, df.dateupd)) AS price,
			toInt64(argMax(df.q, df.dateupd))   AS quantity,
			sl.name                             AS supplier_name
		FROM dif.dif_step_1 AS df
		INNER JOIN sup_stat.sup_list AS sl ON df.supid = sl.dif_id
		WHERE lower(df.a) = ?
		  AND lower(df.b) IN (?)
		  AND df.dateupd >= now() - toIntervalDay(?)
		  AND df.supid IN (?)
		  AND df.q > 0
		GROUP BY sl.name
		ORDER BY price ASC
	`
	rows, err := c.conn.Query(ctx, query, article, brands, lookbackDays, supplierIDs)
	if err != nil {
		return nil, fmt.Errorf("raw offer query: %w", err)
	}
	defer rows.Close()

	return scanOffers(rows)
}

// ProjectedOffers runs the fast-path query against the pre-aggregated
// projection. The projection is refreshed on a fixed schedule by an external
// job and carries a bounded retention window, so no lookback parameter is
// needed here.
func (c *Client) ProjectedOffers(ctx context.Context, brands []string, article, group string) ([]lookup.Offer, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	const query = `
		SELECT
			toFloat64(price)   AS price,
			toInt64(quantity)  AS quantity,
			supplier_name
		FROM dif.best_prices_mv
		WHERE sku_lower = ?
		  AND brand_lower IN (?)
		  AND has(supplier_groups, ?)
		  AND quantity > 0
	`
	rows, err := c.conn.Query(ctx, query, article, brands, group)
	if err != nil {
		return nil, fmt.Errorf("projection query: %w", err)
	}
	defer rows.Close()

	return scanOffers(rows)
}

func scanOffers(rows driver.Rows) ([]lookup.Offer, error) {
	var offers []lookup.Offer
	for rows.Next() {
		var (
			price    float64
			quantity int64
			supplier string
		)
		if err := rows.Scan(&price, &quantity, &supplier); err != nil {
			return nil, fmt.Errorf("scan offer row: %w", err)
		}
		offers = append(offers, lookup.Offer{
			Price:    price,
			Quantity: int(quantity),
			Supplier: supplier,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offer rows: %w", err)
	}
	return offers, nil
}
