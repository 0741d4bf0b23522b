package metadata

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGeneratorCreatesMetadata(t *testing.T) {
	dir := t.TempDir()
	gen := NewGenerator(dir, "ticks")
	df := DataFile{
		Path:        "s3://bucket/ticks/symbol=AAPL/date=2026-08-30/file.parquet",
		FileSize:    100,
		RecordCount: 10,
		Partition: map[string]any{
			"symbol": "AAPL",
			"date":   "2026-08-30",
		},
		Timestamp: time.Unix(0, 0),
	}
	if err := gen.AddFile(df); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "metadata", "metadata.json")); err != nil {
		t.Fatalf("metadata not written: %v", err)
	}
	catalogDir := filepath.Join(dir, "catalog")
	if err := gen.WriteCatalogEntry(catalogDir); err != nil {
		t.Fatalf("catalog entry: %v", err)
	}
	if _, err := os.Stat(filepath.Join(catalogDir, "ticks.json")); err != nil {
		t.Fatalf("catalog entry not written: %v", err)
	}
}
