package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/csirtgadgets/verbose-robot/pkg/logger"
	"github.com/csirtgadgets/verbose-robot/pkg/models"
	"github.com/csirtgadgets/verbose-robot/pkg/store/engine"
)

// Upsert merges inds into storage and returns how many records were
// inserted or updated. Every item must already have passed Check.
//
// Items are committed in chunks of the queue limit. A chunk that fails is
// rolled back once and replayed item by item so a single bad record does
// not cost the rest of the chunk.
func (s *Store) Upsert(inds []models.Indicator) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for start := 0; start < len(inds); start += s.cfg.QueueLimit {
		end := start + s.cfg.QueueLimit
		if end > len(inds) {
			end = len(inds)
		}
		chunk := inds[start:end]
		n, err := s.commitBatch(chunk)
		if err != nil {
			logger.Warn("upsert_batch_failed", "size", len(chunk), "error", err)
			n, err = s.replay(chunk)
			if err != nil {
				return total, err
			}
		}
		total += n
	}
	return total, nil
}

func (s *Store) commitBatch(inds []models.Indicator) (int, error) {
	tx, err := s.eng.Begin()
	if err != nil {
		return 0, err
	}
	cache := map[string]*models.Indicator{}
	n := 0
	for i := range inds {
		changed, err := upsertOne(tx, cache, inds[i])
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("item %s: %w", inds[i].Indicator, err)
		}
		if changed {
			n++
		}
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	return n, nil
}

func (s *Store) replay(inds []models.Indicator) (int, error) {
	n := 0
	failed := 0
	for i := range inds {
		tx, err := s.eng.Begin()
		if err != nil {
			return n, err
		}
		changed, err := upsertOne(tx, map[string]*models.Indicator{}, inds[i])
		if err == nil {
			err = tx.Commit()
		}
		if err != nil {
			_ = tx.Rollback()
			failed++
			logger.Error("upsert_item_failed", "indicator", inds[i].Indicator, "provider", inds[i].Provider, "error", err)
			continue
		}
		if changed {
			n++
		}
	}
	logger.Info("upsert_replayed", "size", len(inds), "committed", n, "failed", failed)
	return n, nil
}

// upsertOne applies the recency rule: an existing match with a last_at at
// or after the incoming one is left untouched.
func upsertOne(tx engine.Tx, cache map[string]*models.Indicator, in models.Indicator) (bool, error) {
	key := in.MatchKey()
	existing := cache[key]
	if existing == nil {
		rec, err := tx.Lookup(key)
		switch {
		case err == nil:
			existing = rec
		case errors.Is(err, engine.ErrNotFound):
		default:
			return false, err
		}
	}

	if existing != nil {
		if !in.LastAt.After(existing.LastAt) {
			return false, nil
		}
		existing.Count++
		existing.LastAt = in.LastAt
		existing.ReportedAt = in.ReportedAt
		existing.Confidence = in.Confidence
		existing.Tags = append(models.Tags(nil), in.Tags...)
		if in.Probability != nil {
			p := *in.Probability
			existing.Probability = &p
		}
		if err := tx.Put(existing); err != nil {
			return false, err
		}
		cache[key] = existing
		return true, nil
	}

	rec := in.Clone()
	if rec.UUID == "" {
		rec.UUID = uuid.NewString()
	}
	if rec.Count <= 0 {
		rec.Count = 1
	}
	if err := tx.Put(&rec); err != nil {
		return false, err
	}
	cache[key] = &rec
	return true, nil
}
