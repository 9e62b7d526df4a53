package ports

import "github.com/ghalamif/fieldlink/internal/domain"

// Sink persists batches of records to an archive.
type Sink interface {
	WriteBatch(records []domain.Record) error
	Name() string
}
