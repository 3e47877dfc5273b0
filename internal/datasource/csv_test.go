package datasource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeSeries(t *testing.T, dir, symbol string, rows [][2]string) {
	t.Helper()
	var content string
	for _, row := range rows {
		content += row[0] + "," + row[1] + "\n"
	}
	if err := os.WriteFile(filepath.Join(dir, symbol+".csv"), []byte(content), 0o644); err != nil {
		t.Fatalf("write series %s: %v", symbol, err)
	}
}

func TestCSVProviderInnerJoin(t *testing.T) {
	dir := t.TempDir()
	writeSeries(t, dir, "btc", [][2]string{
		{"2026-08-01T00:00:00Z", "100.5"},
		{"2026-08-02T00:00:00Z", "101.0"},
		{"2026-08-03T00:00:00Z", "102.0"},
	})
	writeSeries(t, dir, "eth", [][2]string{
		{"2026-08-01T00:00:00Z", "10.1"},
		// 2026-08-02 missing on this leg
		{"2026-08-03T00:00:00Z", "10.4"},
	})

	p := NewCSV(CSVOptions{Dir: dir}, zerolog.Nop())
	series, err := p.FetchAligned(context.Background(), "btc", "eth", 365)
	if err != nil {
		t.Fatalf("FetchAligned failed: %v", err)
	}
	if series.Len() != 2 {
		t.Fatalf("inner join should keep 2 shared rows, got %d", series.Len())
	}
	if !series.Timestamps[0].Before(series.Timestamps[1]) {
		t.Fatal("series should be sorted chronologically")
	}
	if series.Primary[0] != 100.5 || series.Secondary[1] != 10.4 {
		t.Fatalf("values misaligned: %v / %v", series.Primary, series.Secondary)
	}
}

func TestCSVProviderMissingFileIsEmpty(t *testing.T) {
	p := NewCSV(CSVOptions{Dir: t.TempDir()}, zerolog.Nop())
	series, err := p.FetchAligned(context.Background(), "nope", "also_nope", 30)
	if err != nil {
		t.Fatalf("missing files should not error: %v", err)
	}
	if series.Len() != 0 {
		t.Fatalf("expected empty series, got %d rows", series.Len())
	}
}

func TestCSVProviderHeaderRowSkipped(t *testing.T) {
	dir := t.TempDir()
	writeSeries(t, dir, "spy", [][2]string{
		{"date", "close"},
		{"2026-08-01T00:00:00Z", "500"},
		{"2026-08-02T00:00:00Z", "501"},
	})
	writeSeries(t, dir, "tlt", [][2]string{
		{"2026-08-01T00:00:00Z", "90"},
		{"2026-08-02T00:00:00Z", "91"},
	})

	p := NewCSV(CSVOptions{Dir: dir}, zerolog.Nop())
	series, err := p.FetchAligned(context.Background(), "spy", "tlt", 365)
	if err != nil {
		t.Fatalf("FetchAligned failed: %v", err)
	}
	if series.Len() != 2 {
		t.Fatalf("header should be skipped, got %d rows", series.Len())
	}
}

func TestCSVProviderBadValueErrors(t *testing.T) {
	dir := t.TempDir()
	writeSeries(t, dir, "btc", [][2]string{
		{"2026-08-01T00:00:00Z", "not-a-number"},
	})
	writeSeries(t, dir, "eth", [][2]string{
		{"2026-08-01T00:00:00Z", "10"},
	})

	p := NewCSV(CSVOptions{Dir: dir}, zerolog.Nop())
	if _, err := p.FetchAligned(context.Background(), "btc", "eth", 365); err == nil {
		t.Fatal("unparseable close value should error")
	}
}

func TestCSVProviderLookbackTruncates(t *testing.T) {
	dir := t.TempDir()
	var rowsA, rowsB [][2]string
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		ts := base.AddDate(0, 0, i).Format(time.RFC3339)
		rowsA = append(rowsA, [2]string{ts, "100"})
		rowsB = append(rowsB, [2]string{ts, "200"})
	}
	writeSeries(t, dir, "btc", rowsA)
	writeSeries(t, dir, "eth", rowsB)

	p := NewCSV(CSVOptions{Dir: dir}, zerolog.Nop())
	series, err := p.FetchAligned(context.Background(), "btc", "eth", 7)
	if err != nil {
		t.Fatalf("FetchAligned failed: %v", err)
	}
	if series.Len() != 7 {
		t.Fatalf("lookback should truncate to 7 rows, got %d", series.Len())
	}
	if !series.LastTimestamp().Equal(base.AddDate(0, 0, 29)) {
		t.Fatal("truncation should keep the newest rows")
	}
}
