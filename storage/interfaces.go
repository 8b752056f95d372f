package storage

import (
	"context"

	"yta-ingest/models"
)

// TableStore is the interface any canonical table backend must satisfy.
// It exclusively owns the files of the tables it manages.
type TableStore interface {
	Upsert(name string, batch *models.ReportBatch, naturalKey []string) (*UpsertResult, error)
	EnsurePlaceholder(name string, columns []string) (bool, error)
	Read(name string) (*Table, error)
}

// Mirror receives a copy of every successfully merged canonical table.
// Mirror failures never affect the canonical file.
type Mirror interface {
	Name() string
	Publish(ctx context.Context, name string, res *UpsertResult, naturalKey []string) error
	Close() error
}
