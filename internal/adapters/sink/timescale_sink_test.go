package sink

import (
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ghalamif/fieldlink/internal/domain"
)

func TestTimescaleSinkWriteBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink := NewTimescaleSink(db, "point_history")
	device := time.UnixMilli(1_700_000_000_000)
	ingest := device.Add(time.Millisecond)

	records := []domain.Record{
		{SourceID: "src", PointID: "Temp", Value: "21.5", DeviceTime: device, IngestTime: ingest},
		{SourceID: "src", PointID: "Temp", Quality: domain.QualityBad, ErrorMessage: "BadTimeout"},
		{SourceID: "src", PointID: "Flow", Value: "3", DeviceTime: device, IngestTime: ingest, Quality: domain.QualityUncertain},
	}

	expectedQuery := regexp.QuoteMeta("INSERT INTO point_history (source_id, node_id, value, device_ts, ingest_ts, quality) VALUES ($1,$2,$3,$4,$5,$6),($7,$8,$9,$10,$11,$12) ON CONFLICT (source_id, node_id, device_ts) DO NOTHING")
	mock.ExpectExec(expectedQuery).
		WithArgs("src", "Temp", "21.5", device, ingest, 0, "src", "Flow", "3", device, ingest, 1).
		WillReturnResult(sqlmock.NewResult(2, 2))

	if err := sink.WriteBatch(records); err != nil {
		t.Fatalf("write batch: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTimescaleSinkSkipsErrorOnlyBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink := NewTimescaleSink(db, "point_history")
	if err := sink.WriteBatch(nil); err != nil {
		t.Fatalf("expected nil error for empty batch, got %v", err)
	}
	if err := sink.WriteBatch([]domain.Record{{ErrorMessage: "BadNodeIdUnknown"}}); err != nil {
		t.Fatalf("expected nil error for error-only batch, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestOpenTimescaleRejectsBadTable(t *testing.T) {
	if _, err := OpenTimescale("postgres://localhost/db", "points; DROP TABLE x"); err == nil {
		t.Fatalf("expected invalid table name error")
	}
}

func TestTimescaleSinkName(t *testing.T) {
	db, _, _ := sqlmock.New()
	defer db.Close()

	sink := NewTimescaleSink(db, "point_history")
	if sink.Name() != "timescaledb" {
		t.Fatalf("expected sink name timescaledb, got %s", sink.Name())
	}
}
