package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"gttdesk/internal/domain"
)

// EventRecord is the Parquet schema for archived journal events.
type EventRecord struct {
	PlanID    string `parquet:"plan_id"`
	Timestamp int64  `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Type      string `parquet:"type"`
	Op        string `parquet:"op"`
	Layer     string `parquet:"layer"`
	From      string `parquet:"from_status"`
	To        string `parquet:"to_status"`
	AlertID   string `parquet:"alert_id"`
	Quantity  int64  `parquet:"quantity"`
	Detail    string `parquet:"detail"`
}

// ArchivePath returns the archive file for a plan.
// Layout: <dir>/<plan id>.parquet
func ArchivePath(dir, planID string) string {
	return filepath.Join(dir, planID+".parquet")
}

// WriteArchive writes a plan's journal to its archive file, replacing any
// earlier archive, and returns the path written.
func WriteArchive(dir, planID string, events []domain.Event) (string, error) {
	records := make([]EventRecord, 0, len(events))
	for _, ev := range events {
		records = append(records, EventRecord{
			PlanID:    ev.PlanID,
			Timestamp: ev.Time.UnixMilli(),
			Type:      string(ev.Type),
			Op:        ev.Op,
			Layer:     ev.Layer,
			From:      string(ev.From),
			To:        string(ev.To),
			AlertID:   ev.AlertID,
			Quantity:  ev.Quantity,
			Detail:    ev.Detail,
		})
	}
	path := ArchivePath(dir, planID)
	if err := writeParquetFile(path, records); err != nil {
		return "", fmt.Errorf("archiving journal of %s: %w", planID, err)
	}
	return path, nil
}

// ReadArchive reads back an archive written by WriteArchive.
func ReadArchive(path string) ([]domain.Event, error) {
	records, err := readParquetFile[EventRecord](path)
	if err != nil {
		return nil, err
	}
	events := make([]domain.Event, 0, len(records))
	for _, r := range records {
		events = append(events, domain.Event{
			Time:     time.UnixMilli(r.Timestamp).UTC(),
			PlanID:   r.PlanID,
			Type:     domain.EventType(r.Type),
			Op:       r.Op,
			Layer:    r.Layer,
			From:     domain.LayerStatus(r.From),
			To:       domain.LayerStatus(r.To),
			AlertID:  r.AlertID,
			Quantity: r.Quantity,
			Detail:   r.Detail,
		})
	}
	return events, nil
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
