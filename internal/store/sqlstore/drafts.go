package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/reliefnet/fieldagent/internal/models"
	"github.com/reliefnet/fieldagent/internal/store"
)

const draftColumns = "id, idempotency_key, name, contact, hazard_type, description, latitude, longitude, address, media, media_type, media_name, status, last_error, created_at"

func (s *SQLStore) PutDraft(ctx context.Context, d *models.Draft) error {
	p := d.Payload
	var media []byte
	var mediaType, mediaName string
	if p.Media != nil {
		media, mediaType, mediaName = p.Media.Data, p.Media.MIMEType, p.Media.Filename
	}

	query := s.rebind(`
		INSERT INTO drafts (` + draftColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			contact = excluded.contact,
			hazard_type = excluded.hazard_type,
			description = excluded.description,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			address = excluded.address,
			media = excluded.media,
			media_type = excluded.media_type,
			media_name = excluded.media_name,
			status = excluded.status,
			last_error = excluded.last_error
	`)
	_, err := s.db.ExecContext(ctx, query,
		d.ID, d.IdempotencyKey,
		p.Name, p.Contact, p.Type, p.Description,
		nullFloat(p.Latitude), nullFloat(p.Longitude),
		p.Address, media, mediaType, mediaName,
		string(d.Status), d.LastError, d.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("put draft %d: %w", d.ID, err)
	}
	return nil
}

func (s *SQLStore) GetDraft(ctx context.Context, id int64) (*models.Draft, error) {
	query := s.rebind("SELECT " + draftColumns + " FROM drafts WHERE id = ?")
	d, err := scanDraft(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get draft %d: %w", id, err)
	}
	return d, nil
}

func (s *SQLStore) ListDrafts(ctx context.Context) ([]models.Draft, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+draftColumns+" FROM drafts ORDER BY id DESC")
	if err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}
	defer rows.Close()

	drafts := []models.Draft{}
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("list drafts: %w", err)
		}
		drafts = append(drafts, *d)
	}
	return drafts, rows.Err()
}

func (s *SQLStore) UpdateDraftStatus(ctx context.Context, id int64, status models.DraftStatus, lastError string) error {
	query := s.rebind("UPDATE drafts SET status = ?, last_error = ? WHERE id = ?")
	result, err := s.db.ExecContext(ctx, query, string(status), lastError, id)
	if err != nil {
		return fmt.Errorf("update draft %d: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SQLStore) DeleteDraft(ctx context.Context, id int64) error {
	query := s.rebind("DELETE FROM drafts WHERE id = ?")
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete draft %d: %w", id, err)
	}
	return nil
}

func (s *SQLStore) ResetSyncing(ctx context.Context) (int64, error) {
	query := s.rebind("UPDATE drafts SET status = ? WHERE status = ?")
	result, err := s.db.ExecContext(ctx, query, string(models.DraftPending), string(models.DraftSyncing))
	if err != nil {
		return 0, fmt.Errorf("reset syncing drafts: %w", err)
	}
	return result.RowsAffected()
}

func (s *SQLStore) CountDrafts(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM drafts").Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDraft(row rowScanner) (*models.Draft, error) {
	var (
		d                    models.Draft
		lat, lon             sql.NullFloat64
		media                []byte
		mediaType, mediaName string
		status               string
	)
	err := row.Scan(&d.ID, &d.IdempotencyKey,
		&d.Payload.Name, &d.Payload.Contact, &d.Payload.Type, &d.Payload.Description,
		&lat, &lon, &d.Payload.Address,
		&media, &mediaType, &mediaName,
		&status, &d.LastError, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lat.Valid {
		d.Payload.Latitude = &lat.Float64
	}
	if lon.Valid {
		d.Payload.Longitude = &lon.Float64
	}
	if len(media) > 0 || mediaType != "" {
		d.Payload.Media = &models.Media{Data: media, MIMEType: mediaType, Filename: mediaName, Size: len(media)}
	}
	d.Status = models.DraftStatus(status)
	return &d, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
