package store

import (
	"context"
	"errors"

	"github.com/reliefnet/fieldagent/internal/models"
)

var ErrNotFound = errors.New("store: not found")

// DraftStore is the single logical table of locally saved hazard reports.
type DraftStore interface {
	PutDraft(ctx context.Context, d *models.Draft) error
	GetDraft(ctx context.Context, id int64) (*models.Draft, error)
	// ListDrafts returns drafts newest first.
	ListDrafts(ctx context.Context) ([]models.Draft, error)
	UpdateDraftStatus(ctx context.Context, id int64, status models.DraftStatus, lastError string) error
	DeleteDraft(ctx context.Context, id int64) error
	// ResetSyncing moves drafts left in syncing back to pending and returns how many moved.
	ResetSyncing(ctx context.Context) (int64, error)
	CountDrafts(ctx context.Context) (int, error)
}

// SeenStore remembers alert ids that have already been surfaced.
type SeenStore interface {
	MarkSeen(ctx context.Context, id string) error
	Seen(ctx context.Context, id string) (bool, error)
}
