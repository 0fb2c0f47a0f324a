package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"strata/internal/errs"
	"strata/internal/models"
	"strata/internal/store"
)

const (
	maxMemoryContentBytes = 64 << 10
	maxOwnerLength        = 128
	defaultConfidence     = 1.0
)

// MemoryInput describes one memory entry to store.
type MemoryInput struct {
	Owner      string
	EntryType  string
	Content    string
	Tags       []string
	Confidence *float64
	Source     string
	Metadata   map[string]any
}

// StoreMemory validates and stores one entry and indexes its content.
func (s *Service) StoreMemory(ctx context.Context, in MemoryInput) (int64, error) {
	entry, err := s.prepareMemory(in)
	if err != nil {
		return 0, err
	}
	err = s.db.Write(ctx, func(tx *sql.Tx) error {
		if err := store.InsertMemoryTx(ctx, tx, entry); err != nil {
			return err
		}
		return store.IndexTx(ctx, tx, store.EntityMemory, entry.ID, entry.Content, entry.Tags)
	})
	if err != nil {
		return 0, err
	}
	s.logger.Debug("memory stored", "id", entry.ID, "owner", entry.Owner, "type", entry.EntryType)
	return entry.ID, nil
}

func (s *Service) prepareMemory(in MemoryInput) (*models.MemoryEntry, error) {
	body := strings.TrimSpace(in.Content)
	if body == "" {
		return nil, errs.InvalidCode(fmt.Errorf("content is required"), errs.CodeMissingRequired)
	}
	if len(body) > maxMemoryContentBytes {
		return nil, errs.InvalidCode(fmt.Errorf("content exceeds %d bytes", maxMemoryContentBytes), errs.CodeTooLarge)
	}
	owner := strings.TrimSpace(in.Owner)
	if owner == "" {
		owner = models.DefaultMemoryOwner
	}
	if len(owner) > maxOwnerLength {
		return nil, errs.InvalidCode(fmt.Errorf("owner too long"), errs.CodeInvalidArgument)
	}
	entryType, err := models.NormalizeEntryType(in.EntryType)
	if err != nil {
		return nil, errs.InvalidCode(err, errs.CodeInvalidArgument)
	}
	confidence := defaultConfidence
	if in.Confidence != nil {
		confidence = *in.Confidence
	}
	if err := models.ValidateConfidence(confidence); err != nil {
		return nil, errs.InvalidCode(err, errs.CodeInvalidArgument)
	}
	tags, err := normalizeTags(in.Tags)
	if err != nil {
		return nil, err
	}
	meta, err := normalizeMetadata(in.Metadata)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	return &models.MemoryEntry{
		Owner:          owner,
		EntryType:      entryType,
		Content:        body,
		Tags:           tags,
		Confidence:     confidence,
		Source:         strings.TrimSpace(in.Source),
		Metadata:       meta,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
	}, nil
}

// GetMemory returns one entry and records the access.
func (s *Service) GetMemory(ctx context.Context, id int64) (*models.MemoryEntry, error) {
	entry, err := s.memory(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	if err := s.db.Write(ctx, func(tx *sql.Tx) error {
		return store.TouchMemoriesTx(ctx, tx, []int64{id}, now)
	}); err != nil {
		return nil, err
	}
	entry.LastAccessedAt = now
	return entry, nil
}

func (s *Service) memory(ctx context.Context, id int64) (*models.MemoryEntry, error) {
	entry, err := s.db.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, errs.NotFoundf(errs.CodeMemoryNotFound, "memory %d not found", id)
	}
	return entry, nil
}

// UpdateMemoryContent replaces the content of one entry and reindexes it.
func (s *Service) UpdateMemoryContent(ctx context.Context, id int64, body string) (*models.MemoryEntry, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, errs.InvalidCode(fmt.Errorf("content is required"), errs.CodeMissingRequired)
	}
	if len(body) > maxMemoryContentBytes {
		return nil, errs.InvalidCode(fmt.Errorf("content exceeds %d bytes", maxMemoryContentBytes), errs.CodeTooLarge)
	}
	now := s.clock()
	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		entry, err := store.GetMemoryTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if entry == nil {
			return errs.NotFoundf(errs.CodeMemoryNotFound, "memory %d not found", id)
		}
		if err := store.UpdateMemoryContentTx(ctx, tx, id, body, now); err != nil {
			return err
		}
		return store.IndexTx(ctx, tx, store.EntityMemory, id, body, entry.Tags)
	})
	if err != nil {
		return nil, err
	}
	return s.memory(ctx, id)
}

// SearchMemory returns ranked entries matching filter. Archived entries
// are excluded unless filter.IncludeArchived is set. Returned entries
// count as accessed.
func (s *Service) SearchMemory(ctx context.Context, filter store.MemoryFilter) ([]models.MemoryEntry, error) {
	tags, err := normalizeTags(filter.Tags)
	if err != nil {
		return nil, err
	}
	filter.Tags = tags
	filter.Owner = strings.TrimSpace(filter.Owner)
	if filter.EntryType != "" {
		if filter.EntryType, err = models.NormalizeEntryType(filter.EntryType); err != nil {
			return nil, errs.InvalidCode(err, errs.CodeInvalidArgument)
		}
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, errs.InvalidCode(fmt.Errorf("limit and offset must not be negative"), errs.CodeInvalidArgument)
	}
	if filter.Limit == 0 {
		filter.Limit = defaultSearchLimit
	}

	entries, err := s.db.ListMemories(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return entries, nil
	}

	ids := make([]int64, 0, len(entries))
	for _, entry := range entries {
		if !entry.Archived {
			ids = append(ids, entry.ID)
		}
	}
	now := s.clock()
	if err := s.db.Write(ctx, func(tx *sql.Tx) error {
		return store.TouchMemoriesTx(ctx, tx, ids, now)
	}); err != nil {
		return nil, err
	}
	for i := range entries {
		if !entries[i].Archived {
			entries[i].LastAccessedAt = now
		}
	}
	return entries, nil
}

// ArchiveMemory hides one entry from default searches.
func (s *Service) ArchiveMemory(ctx context.Context, id int64) error {
	return s.setArchived(ctx, id, true, s.clock())
}

// UnarchiveMemory makes one entry visible to default searches again.
func (s *Service) UnarchiveMemory(ctx context.Context, id int64) error {
	return s.setArchived(ctx, id, false, s.clock())
}

// ArchiveIfIdle archives one active entry whose last creation or access
// is at least idle before now. It reports whether the entry was archived.
func (s *Service) ArchiveIfIdle(ctx context.Context, id int64, now time.Time, idle time.Duration) (bool, error) {
	archived := false
	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		entry, err := store.GetMemoryTx(ctx, tx, id)
		if err != nil || entry == nil || entry.Archived {
			return err
		}
		if MemoryAge(*entry, now) < idle {
			return nil
		}
		archived = true
		return store.SetMemoryArchivedTx(ctx, tx, id, true, now)
	})
	return archived, err
}

func (s *Service) setArchived(ctx context.Context, id int64, archived bool, now time.Time) error {
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		entry, err := store.GetMemoryTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if entry == nil {
			return errs.NotFoundf(errs.CodeMemoryNotFound, "memory %d not found", id)
		}
		if entry.Archived == archived {
			return nil
		}
		return store.SetMemoryArchivedTx(ctx, tx, id, archived, now)
	})
}

// PruneMemory physically removes the listed entries. Only archived
// entries are removed unless force is set; nothing is removed when any
// entry fails the check.
func (s *Service) PruneMemory(ctx context.Context, ids []int64, force bool) (int, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	removed := 0
	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			entry, err := store.GetMemoryTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if entry == nil {
				return errs.NotFoundf(errs.CodeMemoryNotFound, "memory %d not found", id)
			}
			if !entry.Archived && !force {
				return errs.Conflict(fmt.Errorf("memory %d is active; archive it first or force the prune", id), errs.CodeConflict)
			}
		}
		for _, id := range ids {
			if err := store.DeleteMemoryTx(ctx, tx, id); err != nil {
				return err
			}
			if err := store.UnindexTx(ctx, tx, store.EntityMemory, id); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("memory pruned", "count", removed, "force", force)
	return removed, nil
}

// MemoryAge is the time since creation or last access of entry, whichever
// is later.
func MemoryAge(entry models.MemoryEntry, now time.Time) time.Duration {
	last := entry.CreatedAt
	if entry.LastAccessedAt.After(last) {
		last = entry.LastAccessedAt
	}
	return now.Sub(last)
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
