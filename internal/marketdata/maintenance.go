package marketdata

import (
	"database/sql"
	"fmt"

	"github.com/chrysalisfund/chrysalis/internal/domain"
)

// RetentionPolicy controls the tiered candle lifecycle. Zero values fall
// back to the defaults below.
type RetentionPolicy struct {
	Days5m  int // 5m bars older than this are rolled into 1h and pruned
	Days1h  int // 1h bars older than this are rolled into 1d and pruned
	Years1d int // 1d bars older than this are dropped outright
}

// DefaultRetention matches the shipped config defaults.
var DefaultRetention = RetentionPolicy{Days5m: 30, Days1h: 365, Years1d: 7}

// MaintenanceStats reports what one nightly pass touched.
type MaintenanceStats struct {
	Aggregated1h int
	Aggregated1d int
	Pruned5m     int64
	Pruned1h     int64
	Pruned1d     int64
}

// RunMaintenance performs the nightly tiered aggregation and pruning pass.
// Cutoffs snap down to the destination bucket boundary so a bucket is
// never split across two runs.
func (s *Service) RunMaintenance(p RetentionPolicy) (*MaintenanceStats, error) {
	if p.Days5m <= 0 {
		p.Days5m = DefaultRetention.Days5m
	}
	if p.Days1h <= 0 {
		p.Days1h = DefaultRetention.Days1h
	}
	if p.Years1d <= 0 {
		p.Years1d = DefaultRetention.Years1d
	}

	now := unixNow()
	stats := &MaintenanceStats{}

	cutoff5m := now - int64(p.Days5m)*86400
	cutoff5m -= cutoff5m % 3600
	n, pruned, err := s.aggregateTier(domain.Timeframe5m, domain.Timeframe1h, 3600, cutoff5m)
	if err != nil {
		return stats, fmt.Errorf("5m->1h aggregation: %w", err)
	}
	stats.Aggregated1h = n
	stats.Pruned5m = pruned

	cutoff1h := now - int64(p.Days1h)*86400
	cutoff1h -= cutoff1h % 86400
	n, pruned, err = s.aggregateTier(domain.Timeframe1h, domain.Timeframe1d, 86400, cutoff1h)
	if err != nil {
		return stats, fmt.Errorf("1h->1d aggregation: %w", err)
	}
	stats.Aggregated1d = n
	stats.Pruned1h = pruned

	cutoff1d := now - int64(p.Years1d)*365*86400
	cutoff1d -= cutoff1d % 86400
	res, err := s.store.Exec(
		"DELETE FROM candles WHERE timeframe = ? AND timestamp < ?",
		string(domain.Timeframe1d), cutoff1d)
	if err != nil {
		return stats, fmt.Errorf("1d pruning: %w", err)
	}
	stats.Pruned1d, _ = res.RowsAffected()

	s.log.Info().
		Int("aggregated_1h", stats.Aggregated1h).
		Int("aggregated_1d", stats.Aggregated1d).
		Int64("pruned_5m", stats.Pruned5m).
		Int64("pruned_1h", stats.Pruned1h).
		Int64("pruned_1d", stats.Pruned1d).
		Msg("candle maintenance complete")
	return stats, nil
}

// aggregateTier rolls src bars older than cutoff into dst buckets of
// bucketSecs, then deletes the source rows. Exchange-provided dst bars
// win over derived ones, so inserts ignore conflicts.
func (s *Service) aggregateTier(src, dst domain.Timeframe, bucketSecs, cutoff int64) (int, int64, error) {
	var inserted int
	var pruned int64

	err := s.store.WithTransaction(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT symbol, timestamp, open, high, low, close, volume
			FROM candles WHERE timeframe = ? AND timestamp < ?
			ORDER BY symbol, timestamp`, string(src), cutoff)
		if err != nil {
			return err
		}

		var source []domain.Candle
		for rows.Next() {
			var c domain.Candle
			if err := rows.Scan(&c.Symbol, &c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
				rows.Close()
				return err
			}
			source = append(source, c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if len(source) == 0 {
			return nil
		}

		buckets := rollUp(source, dst, bucketSecs)

		stmt, err := tx.Prepare(`INSERT INTO candles (symbol, timeframe, timestamp, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(symbol, timeframe, timestamp) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, b := range buckets {
			if _, err := stmt.Exec(b.Symbol, string(b.Timeframe), b.Timestamp,
				b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
				return err
			}
		}
		inserted = len(buckets)

		res, err := tx.Exec("DELETE FROM candles WHERE timeframe = ? AND timestamp < ?",
			string(src), cutoff)
		if err != nil {
			return err
		}
		pruned, _ = res.RowsAffected()
		return nil
	})
	return inserted, pruned, err
}

// rollUp folds ordered source candles into coarser buckets. Input must be
// sorted by (symbol, timestamp); output preserves that order.
func rollUp(source []domain.Candle, dst domain.Timeframe, bucketSecs int64) []domain.Candle {
	var out []domain.Candle
	var cur *domain.Candle

	for _, c := range source {
		bucketTs := (c.Timestamp / bucketSecs) * bucketSecs
		if cur == nil || cur.Symbol != c.Symbol || cur.Timestamp != bucketTs {
			if cur != nil {
				out = append(out, *cur)
			}
			cur = &domain.Candle{
				Symbol:    c.Symbol,
				Timeframe: dst,
				Timestamp: bucketTs,
				Open:      c.Open,
				High:      c.High,
				Low:       c.Low,
				Close:     c.Close,
				Volume:    c.Volume,
			}
			continue
		}
		if c.High > cur.High {
			cur.High = c.High
		}
		if c.Low < cur.Low {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		cur.Volume += c.Volume
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}
