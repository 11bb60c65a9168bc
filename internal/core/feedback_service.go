package core

import (
	"context"
	"log"

	"github.com/keyton-weissinger/patchworkmcp/internal/apperr"
	"github.com/keyton-weissinger/patchworkmcp/internal/store"
)

// FeedbackService is the ledger as seen by the HTTP layer.
type FeedbackService struct {
	dbStore *store.SQLiteStore
	drafts  *DraftService
}

func NewFeedbackService(db *store.SQLiteStore, drafts *DraftService) *FeedbackService {
	return &FeedbackService{dbStore: db, drafts: drafts}
}

func (s *FeedbackService) Submit(ctx context.Context, in store.FeedbackInput) (*store.FeedbackItem, error) {
	item, err := s.dbStore.Submit(ctx, in)
	if err != nil {
		return nil, err
	}
	log.Printf("Recorded feedback %s from %s (%s)", item.ID, item.ServerName, item.GapType)
	return item, nil
}

func (s *FeedbackService) List(ctx context.Context, f store.Filter) ([]store.FeedbackItem, error) {
	if f.GapType != "" {
		f.GapType = string(store.ParseGapType(f.GapType))
	}
	if f.Resolution != "" {
		r, ok := store.ParseResolution(f.Resolution)
		if !ok {
			return nil, apperr.Validation("resolution", "unknown resolution "+f.Resolution)
		}
		f.Resolution = string(r)
	}
	return s.dbStore.List(ctx, f)
}

// Get returns the item with its notes in order.
func (s *FeedbackService) Get(ctx context.Context, id string) (*store.FeedbackItem, error) {
	item, err := s.dbStore.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Notes, err = s.dbStore.Notes(ctx, id); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *FeedbackService) SetReviewed(ctx context.Context, id string, reviewed bool) (*store.FeedbackItem, error) {
	item, err := s.dbStore.SetReviewed(ctx, id, reviewed)
	if err != nil {
		return nil, err
	}
	log.Printf("Feedback %s marked reviewed=%t", id, reviewed)
	return item, nil
}

func (s *FeedbackService) AppendNote(ctx context.Context, id, body string) (*store.Note, error) {
	note, err := s.dbStore.AppendNote(ctx, id, body)
	if err != nil {
		return nil, err
	}
	log.Printf("Note %s added to feedback %s", note.ID, id)
	return note, nil
}

func (s *FeedbackService) Stats(ctx context.Context) (*store.Stats, error) {
	return s.dbStore.Stats(ctx)
}

// StartDraft launches a draft attempt for id.
func (s *FeedbackService) StartDraft(ctx context.Context, id string) (*DraftAttempt, <-chan Event, error) {
	return s.drafts.Start(ctx, id)
}
