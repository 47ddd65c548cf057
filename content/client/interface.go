package client

import (
	"context"

	"github.com/ipni/go-sectioncache/content/model"
)

// Interface is the interface implemented by all content API clients.
type Interface interface {
	// GetAll fetches every section. Only well-formed records are returned.
	GetAll(ctx context.Context) ([]*model.Record, error)
	// GetBySection fetches a single section.
	GetBySection(ctx context.Context, section string) (*model.Record, error)
	// CreateOrUpdate writes a section and returns the stored record.
	CreateOrUpdate(ctx context.Context, rec *model.Record) (*model.Record, error)
	// Delete removes a section.
	Delete(ctx context.Context, section string) error
}
