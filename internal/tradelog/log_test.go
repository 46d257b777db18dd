package tradelog

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"broker_engine/internal/core"
)

func sampleRecord() core.TradeRecord {
	return core.TradeRecord{
		Time:           time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC),
		Strategy:       "alpha",
		Asset:          "SPY",
		Side:           core.OrderSideBuy,
		Type:           core.OrderTypeLimit,
		Status:         core.OrderStatusFilled,
		Price:          decimal.NewFromInt(100),
		FilledQuantity: decimal.NewFromInt(10),
		TradeCost:      decimal.NewFromInt(1000),
	}
}

func TestLog_AppendAndSnapshot(t *testing.T) {
	l := New()
	l.Append(sampleRecord())
	l.Append(sampleRecord())

	if l.Len() != 2 {
		t.Fatalf("Expected 2 records, got %d", l.Len())
	}

	snap := l.Snapshot()
	snap[0].Strategy = "mutated"
	if l.Snapshot()[0].Strategy != "alpha" {
		t.Error("Snapshot must be a copy")
	}
}

func TestLog_WriteCSV(t *testing.T) {
	l := New()
	l.Append(sampleRecord())

	var buf bytes.Buffer
	if err := l.WriteCSV(&buf); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("Output is not valid CSV: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Expected header plus one row, got %d rows", len(rows))
	}
	if rows[0][0] != "time" || rows[0][8] != "trade_cost" {
		t.Errorf("Unexpected header: %v", rows[0])
	}
	if rows[1][1] != "alpha" || rows[1][3] != "buy" || rows[1][6] != "100" {
		t.Errorf("Unexpected row: %v", rows[1])
	}
}

func TestLog_ExportCSV(t *testing.T) {
	l := New()
	l.Append(sampleRecord())

	path := filepath.Join(t.TempDir(), "trades.csv")
	if err := l.ExportCSV(path); err != nil {
		t.Fatalf("ExportCSV failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Reading exported file failed: %v", err)
	}
	if len(data) == 0 {
		t.Error("Exported file is empty")
	}
}
