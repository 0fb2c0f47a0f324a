package retention

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"strata/internal/catalog"
	"strata/internal/errs"
	"strata/internal/models"
)

const (
	candidateFile   = "file"
	candidateMemory = "memory"
	memoryNameWidth = 40
)

// Candidates lists what a prune of scope would change at now, without
// changing anything. An empty scope covers files and memory; backups have
// no per-record candidates. Records never read back rank first, then the
// longest idle.
func (e *Engine) Candidates(ctx context.Context, scope string) ([]models.PruneCandidate, error) {
	now := e.now().UTC()
	out := []models.PruneCandidate{}
	switch scope {
	case "", ScopeFiles, ScopeMemory, ScopeBackups:
	default:
		return nil, errs.InvalidCode(fmt.Errorf("invalid prune scope: %s", scope), errs.CodeInvalidScope)
	}

	if scope == "" || scope == ScopeFiles {
		maxID, err := e.db.MaxFileID(ctx)
		if err != nil {
			return nil, err
		}
		for after := int64(0); ; {
			page, err := e.db.ListFilesPage(ctx, after, maxID, e.policy.PageSize)
			if err != nil {
				return nil, err
			}
			if len(page) == 0 {
				break
			}
			for _, file := range page {
				if target := e.DueTier(file, now); target != file.Tier && !file.MigrationPending {
					out = append(out, fileCandidate(file, target, now))
				}
			}
			after = page[len(page)-1].ID
		}
	}

	if (scope == "" || scope == ScopeMemory) && e.policy.ArchiveAfter > 0 {
		maxID, err := e.db.MaxMemoryID(ctx)
		if err != nil {
			return nil, err
		}
		for after := int64(0); ; {
			page, err := e.db.ListMemoriesPage(ctx, after, maxID, e.policy.PageSize)
			if err != nil {
				return nil, err
			}
			if len(page) == 0 {
				break
			}
			for _, entry := range page {
				if idle := catalog.MemoryAge(entry, now); !entry.Archived && idle >= e.policy.ArchiveAfter {
					out = append(out, models.PruneCandidate{
						Kind:           candidateMemory,
						ID:             entry.ID,
						Name:           memoryName(entry.Content),
						From:           "active",
						To:             "archived",
						IdleDays:       idleDays(idle),
						Recommendation: "archive",
					})
				}
			}
			after = page[len(page)-1].ID
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.AccessCount != b.AccessCount {
			return a.AccessCount < b.AccessCount
		}
		return a.IdleDays > b.IdleDays
	})
	return out, nil
}

func fileCandidate(file models.FileRecord, target models.Tier, now time.Time) models.PruneCandidate {
	c := models.PruneCandidate{
		Kind:           candidateFile,
		ID:             file.ID,
		Name:           file.Filename,
		From:           string(file.Tier),
		To:             string(target),
		IdleDays:       idleDays(catalog.FileAge(file, now)),
		SizeBytes:      file.SizeBytes,
		AccessCount:    file.AccessCount,
		Recommendation: "archive",
	}
	if file.AccessCount > 0 {
		c.Recommendation = "review"
	}
	return c
}

func idleDays(d time.Duration) float64 {
	return float64(d.Round(time.Hour)/time.Hour) / 24
}

func memoryName(content string) string {
	name := strings.Join(strings.Fields(content), " ")
	if r := []rune(name); len(r) > memoryNameWidth {
		name = string(r[:memoryNameWidth-3]) + "..."
	}
	return name
}
