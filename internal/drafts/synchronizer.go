// Package drafts keeps hazard reports that could not be delivered and
// replays them once the backend is reachable again.
package drafts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reliefnet/fieldagent/internal/media"
	"github.com/reliefnet/fieldagent/internal/models"
	"github.com/reliefnet/fieldagent/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrOffline       = errors.New("drafts: client is offline")
	ErrDraftNotFound = errors.New("drafts: draft not found")
)

// Policy decides what SyncAll does after a failed submission.
type Policy int

const (
	// FailFast stops at the first failure and leaves later drafts untouched.
	FailFast Policy = iota
	// BestEffort attempts every draft and reports the outcome of each.
	BestEffort
)

type Submitter interface {
	SubmitHazardReport(ctx context.Context, p models.ReportPayload, idempotencyKey string) error
}

type Connectivity interface {
	Online() bool
}

// Event is emitted on every draft status transition. Deleted is set when the
// draft left the store for a reason other than a successful sync.
type Event struct {
	ID      int64              `json:"id"`
	Status  models.DraftStatus `json:"status,omitempty"`
	Deleted bool               `json:"deleted,omitempty"`
}

// SyncReport tells how far a SyncAll pass got.
type SyncReport struct {
	Synced    []int64 `json:"synced"`
	Failed    []int64 `json:"failed"`
	Untouched []int64 `json:"untouched"`
}

type SubmitResult struct {
	Delivered bool  `json:"delivered"`
	Queued    bool  `json:"queued"`
	DraftID   int64 `json:"draft_id,omitempty"`
}

type Options struct {
	Policy        Policy
	DefaultRegion string
	Now           func() time.Time
}

type Synchronizer struct {
	store     store.DraftStore
	submitter Submitter
	conn      Connectivity
	logger    *zap.SugaredLogger
	policy    Policy
	region    string
	now       func() time.Time

	flights singleflight.Group

	idMu   sync.Mutex
	lastID int64

	mu           sync.Mutex
	listeners    map[int]func(Event)
	nextListener int
}

func NewSynchronizer(st store.DraftStore, sub Submitter, conn Connectivity, logger *zap.SugaredLogger, opts Options) *Synchronizer {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Synchronizer{
		store:     st,
		submitter: sub,
		conn:      conn,
		logger:    logger,
		policy:    opts.Policy,
		region:    opts.DefaultRegion,
		now:       now,
		listeners: make(map[int]func(Event)),
	}
}

// Recover reverts drafts left in syncing by a previous run and seeds the id
// generator so new ids stay above the stored ones.
func (s *Synchronizer) Recover(ctx context.Context) error {
	n, err := s.store.ResetSyncing(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Warnw("Reverted interrupted draft syncs", "count", n)
	}

	drafts, err := s.store.ListDrafts(ctx)
	if err != nil {
		return err
	}
	if len(drafts) > 0 {
		s.idMu.Lock()
		if drafts[0].ID > s.lastID {
			s.lastID = drafts[0].ID
		}
		s.idMu.Unlock()
	}
	return nil
}

// SaveDraft persists a report with status pending.
func (s *Synchronizer) SaveDraft(ctx context.Context, p models.ReportPayload) (int64, error) {
	return s.saveDraft(ctx, s.normalize(p), uuid.NewString())
}

func (s *Synchronizer) saveDraft(ctx context.Context, p models.ReportPayload, key string) (int64, error) {
	d := &models.Draft{
		ID:             s.nextID(),
		IdempotencyKey: key,
		Payload:        p,
		Status:         models.DraftPending,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.PutDraft(ctx, d); err != nil {
		return 0, err
	}
	s.logger.Infow("Draft saved", "draft_id", d.ID, "type", p.Type, "has_media", p.Media != nil)
	s.emit(Event{ID: d.ID, Status: models.DraftPending})
	return d.ID, nil
}

// ListDrafts returns every draft still waiting for delivery, newest first.
func (s *Synchronizer) ListDrafts(ctx context.Context) ([]models.Draft, error) {
	all, err := s.store.ListDrafts(ctx)
	if err != nil {
		return nil, err
	}
	drafts := all[:0]
	for _, d := range all {
		if d.Status != models.DraftSynced {
			drafts = append(drafts, d)
		}
	}
	return drafts, nil
}

// DeleteDraft removes a draft. Removing an absent draft is not an error.
func (s *Synchronizer) DeleteDraft(ctx context.Context, id int64) error {
	if err := s.store.DeleteDraft(ctx, id); err != nil {
		return err
	}
	s.emit(Event{ID: id, Deleted: true})
	return nil
}

// SyncOne submits one draft. Concurrent calls for the same id share a single
// submission. A failed submission is reported through the returned status and
// the draft's LastError; the error result is reserved for local problems.
func (s *Synchronizer) SyncOne(ctx context.Context, id int64) (models.DraftStatus, error) {
	if !s.conn.Online() {
		return "", ErrOffline
	}
	return s.syncOne(ctx, id)
}

// syncOne and SyncAll run the shared flight detached from the caller's
// context: a caller that gives up stops waiting, but the submission other
// callers joined keeps going.
func (s *Synchronizer) syncOne(ctx context.Context, id int64) (models.DraftStatus, error) {
	flight := s.flights.DoChan(strconv.FormatInt(id, 10), func() (any, error) {
		return s.submitDraft(context.WithoutCancel(ctx), id)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-flight:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(models.DraftStatus), nil
	}
}

func (s *Synchronizer) submitDraft(ctx context.Context, id int64) (models.DraftStatus, error) {
	d, err := s.store.GetDraft(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrDraftNotFound
	}
	if err != nil {
		return "", err
	}
	if d.Status == models.DraftSynced {
		return models.DraftSynced, s.forget(ctx, id)
	}

	if err := s.store.UpdateDraftStatus(ctx, id, models.DraftSyncing, ""); err != nil {
		return "", err
	}
	s.emit(Event{ID: id, Status: models.DraftSyncing})

	if err := s.submitter.SubmitHazardReport(ctx, d.Payload, d.IdempotencyKey); err != nil {
		s.logger.Warnw("Draft sync failed", "draft_id", id, "error", err)
		if uerr := s.store.UpdateDraftStatus(ctx, id, models.DraftFailed, err.Error()); uerr != nil {
			return "", fmt.Errorf("record failure of draft %d: %w", id, uerr)
		}
		s.emit(Event{ID: id, Status: models.DraftFailed})
		return models.DraftFailed, nil
	}

	s.logger.Infow("Draft synced", "draft_id", id)
	if err := s.forget(ctx, id); err != nil {
		// Delivered but not removed: park it as synced so it is never listed
		// or resubmitted.
		s.logger.Errorw("Failed to remove synced draft", "draft_id", id, "error", err)
		_ = s.store.UpdateDraftStatus(ctx, id, models.DraftSynced, "")
	}
	s.emit(Event{ID: id, Status: models.DraftSynced})
	return models.DraftSynced, nil
}

func (s *Synchronizer) forget(ctx context.Context, id int64) error {
	return s.store.DeleteDraft(ctx, id)
}

// SyncAll submits drafts oldest first, one at a time. Under FailFast it stops
// at the first failed submission. Concurrent calls share one pass.
func (s *Synchronizer) SyncAll(ctx context.Context) (SyncReport, error) {
	if !s.conn.Online() {
		return SyncReport{}, ErrOffline
	}
	flight := s.flights.DoChan("all", func() (any, error) {
		return s.syncAll(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return SyncReport{}, ctx.Err()
	case res := <-flight:
		report, _ := res.Val.(SyncReport)
		return report, res.Err
	}
}

func (s *Synchronizer) syncAll(ctx context.Context) (SyncReport, error) {
	report := SyncReport{Synced: []int64{}, Failed: []int64{}, Untouched: []int64{}}

	drafts, err := s.ListDrafts(ctx)
	if err != nil {
		return report, err
	}
	sort.Slice(drafts, func(i, j int) bool { return drafts[i].ID < drafts[j].ID })

	for i, d := range drafts {
		if !s.conn.Online() {
			report.Untouched = appendIDs(report.Untouched, drafts[i:])
			break
		}
		status, err := s.syncOne(ctx, d.ID)
		if errors.Is(err, ErrDraftNotFound) {
			continue
		}
		if err != nil {
			report.Untouched = appendIDs(report.Untouched, drafts[i+1:])
			return report, err
		}
		if status == models.DraftSynced {
			report.Synced = append(report.Synced, d.ID)
			continue
		}
		report.Failed = append(report.Failed, d.ID)
		if s.policy == FailFast {
			report.Untouched = appendIDs(report.Untouched, drafts[i+1:])
			break
		}
	}

	s.logger.Infow("Draft sync pass finished",
		"synced", len(report.Synced),
		"failed", len(report.Failed),
		"untouched", len(report.Untouched),
	)
	return report, nil
}

// OnConnectivity is the reconnect hook: an online transition starts one
// SyncAll pass in the background. Delivery is best effort; failures stay in
// the store for the next explicit or reconnect-driven pass.
func (s *Synchronizer) OnConnectivity(online bool) {
	if !online {
		return
	}
	go func() {
		if _, err := s.SyncAll(context.Background()); err != nil && !errors.Is(err, ErrOffline) {
			s.logger.Errorw("Reconnect sync failed", "error", err)
		}
	}()
}

// Submit validates a report and tries to deliver it right away. When the
// client is offline or delivery fails the report is queued as a draft.
func (s *Synchronizer) Submit(ctx context.Context, p models.ReportPayload) (SubmitResult, error) {
	if err := Validate(p); err != nil {
		return SubmitResult{}, err
	}
	p = s.normalize(p)
	key := uuid.NewString()

	if s.conn.Online() {
		err := s.submitter.SubmitHazardReport(ctx, p, key)
		if err == nil {
			return SubmitResult{Delivered: true}, nil
		}
		s.logger.Warnw("Direct submission failed, queueing draft", "error", err)
	}

	id, err := s.saveDraft(ctx, p, key)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Queued: true, DraftID: id}, nil
}

// OnChange registers fn for draft events and returns a func that removes it.
func (s *Synchronizer) OnChange(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Synchronizer) emit(ev Event) {
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// nextID is millisecond time, bumped so that ids strictly increase.
func (s *Synchronizer) nextID() int64 {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	id := s.now().UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id
	return id
}

func (s *Synchronizer) normalize(p models.ReportPayload) models.ReportPayload {
	p.Contact = NormalizeContact(p.Contact, s.region)
	if p.Media != nil {
		m := *p.Media
		media.Detect(&m)
		p.Media = &m
	}
	return p
}

func appendIDs(ids []int64, drafts []models.Draft) []int64 {
	for _, d := range drafts {
		ids = append(ids, d.ID)
	}
	return ids
}
