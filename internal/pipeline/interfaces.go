package pipeline

import (
	"context"
	"time"

	"github.com/torwi-dev/juscash/internal/crawl"
	"github.com/torwi-dev/juscash/internal/document"
	"github.com/torwi-dev/juscash/internal/extract"
	"github.com/torwi-dev/juscash/internal/model"
	"github.com/torwi-dev/juscash/internal/registry"
)

// Registry records runs and case records.
type Registry interface {
	HealthCheck(ctx context.Context) bool
	CreateRun(ctx context.Context, date model.Date) (model.RunRecord, error)
	TodayRun(ctx context.Context) (*model.RunRecord, error)
	UpdateRun(ctx context.Context, id string, upd registry.RunUpdate) (model.RunRecord, error)
	SubmitBatch(ctx context.Context, recs []model.CaseRecord) (registry.BatchResult, error)
}

// Crawler enumerates result pages for a date.
type Crawler interface {
	Crawl(ctx context.Context, date model.Date, handle crawl.PageHandler) (crawl.Summary, error)
	Stop()
}

// Documents turns a document location into text.
type Documents interface {
	Extract(ctx context.Context, url string) (document.Result, error)
}

// Extractor turns document text into case records.
type Extractor interface {
	Extract(text, source, runID string) extract.Result
}

// BlobStore persists extracted document text.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, data []byte) (string, error)
}

// Publisher announces finished runs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher derives archive object names.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator issues run correlation ids.
type IDGenerator interface {
	NewID() (string, error)
}
