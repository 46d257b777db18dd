// Package tradelog keeps the append-only in-memory record of trade events
// and serializes it for operators.
package tradelog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"broker_engine/internal/core"
)

// Log is an append-only trade-event log. Appends take the lock briefly;
// snapshots copy so readers never block writers.
type Log struct {
	mu      sync.Mutex
	records []core.TradeRecord
}

// New creates an empty log.
func New() *Log {
	return &Log{}
}

// Append adds one record.
func (l *Log) Append(rec core.TradeRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
}

// Snapshot returns a copy of all records.
func (l *Log) Snapshot() []core.TradeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]core.TradeRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Len returns the number of records.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// WriteCSV serializes the log as CSV with a header row.
func (l *Log) WriteCSV(w io.Writer) error {
	records := l.Snapshot()

	cw := csv.NewWriter(w)
	header := []string{"time", "strategy", "asset", "side", "type", "status", "price", "filled_quantity", "trade_cost"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, rec := range records {
		row := []string{
			rec.Time.Format(time.RFC3339Nano),
			rec.Strategy,
			rec.Asset,
			rec.Side.String(),
			rec.Type.String(),
			rec.Status.String(),
			rec.Price.String(),
			rec.FilledQuantity.String(),
			rec.TradeCost.String(),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// ExportCSV writes the log to the named file.
func (l *Log) ExportCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create trade log file: %w", err)
	}
	defer f.Close()

	if err := l.WriteCSV(f); err != nil {
		return err
	}
	return f.Sync()
}
