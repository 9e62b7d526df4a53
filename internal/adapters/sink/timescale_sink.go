package sink

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ghalamif/fieldlink/internal/domain"
	"github.com/ghalamif/fieldlink/internal/ports"

	_ "github.com/lib/pq"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// TimescaleSink appends measurements to a history table. Error records are not
// measurements and are skipped.
type TimescaleSink struct {
	db        *sql.DB
	tableName string
}

// OpenTimescale connects through lib/pq and verifies the connection.
func OpenTimescale(connString, table string) (*TimescaleSink, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("archive: invalid table name %q", table)
	}
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	return NewTimescaleSink(db, table), nil
}

func NewTimescaleSink(db *sql.DB, table string) *TimescaleSink {
	return &TimescaleSink{db: db, tableName: table}
}

func (t *TimescaleSink) Name() string { return "timescaledb" }

func (t *TimescaleSink) WriteBatch(records []domain.Record) error {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(t.tableName)
	b.WriteString(" (source_id, node_id, value, device_ts, ingest_ts, quality) VALUES ")

	args := make([]any, 0, len(records)*6)
	for _, r := range records {
		if r.HasError() {
			continue
		}
		if len(args) > 0 {
			b.WriteString(",")
		}
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d)",
			len(args)+1, len(args)+2, len(args)+3, len(args)+4, len(args)+5, len(args)+6))
		args = append(args,
			r.SourceID,
			r.PointID,
			r.Value,
			orNow(r.DeviceTime),
			orNow(r.IngestTime),
			int(r.Quality),
		)
	}
	if len(args) == 0 {
		return nil
	}

	b.WriteString(" ON CONFLICT (source_id, node_id, device_ts) DO NOTHING")

	_, err := t.db.Exec(b.String(), args...)
	return err
}

func (t *TimescaleSink) Close() error {
	return t.db.Close()
}

func orNow(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now()
	}
	return ts
}

var _ ports.Sink = (*TimescaleSink)(nil)
