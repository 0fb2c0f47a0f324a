package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"strata/internal/models"
)

const memoryColumns = "id, owner, entry_type, content, confidence, source, meta_json, archived, created_at, updated_at, last_accessed_at"
const qualifiedMemoryColumns = "memories.id, memories.owner, memories.entry_type, memories.content, memories.confidence, memories.source, memories.meta_json, memories.archived, memories.created_at, memories.updated_at, memories.last_accessed_at"

// MemoryFilter selects memory entries. Archived entries are excluded
// unless IncludeArchived is set.
type MemoryFilter struct {
	Query           string
	Owner           string
	EntryType       string
	Tags            []string
	IncludeArchived bool
	OnlyArchived    bool
	CreatedAfter    *time.Time
	CreatedBefore   *time.Time
	Limit           int
	Offset          int
}

// InsertMemoryTx inserts a memory row and its tags and sets entry.ID.
func InsertMemoryTx(ctx context.Context, tx *sql.Tx, entry *models.MemoryEntry) error {
	if entry == nil {
		return fmt.Errorf("memory entry is required")
	}
	metaJSON, err := metaToJSON(entry.Metadata)
	if err != nil {
		return err
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = entry.CreatedAt
	}
	if entry.LastAccessedAt.IsZero() {
		entry.LastAccessedAt = entry.CreatedAt
	}

	args := []any{
		entry.Owner, entry.EntryType, entry.Content, entry.Confidence, nullIfEmpty(entry.Source), metaJSON,
		boolToInt(entry.Archived), formatTime(entry.CreatedAt), formatTime(entry.UpdatedAt), formatTime(entry.LastAccessedAt),
	}
	query := `INSERT INTO memories (owner, entry_type, content, confidence, source, meta_json, archived, created_at, updated_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if entry.ID > 0 {
		query = `INSERT INTO memories (` + memoryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		args = append([]any{entry.ID}, args...)
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	entry.ID = id
	return insertTagsTx(ctx, tx, "memory_tags", "memory_id", id, entry.Tags)
}

// GetMemory returns one memory entry with tags, or nil when absent.
func (s *Store) GetMemory(ctx context.Context, id int64) (*models.MemoryEntry, error) {
	return GetMemoryTx(ctx, s.db, id)
}

// GetMemoryTx reads one memory entry through q.
func GetMemoryTx(ctx context.Context, q querier, id int64) (*models.MemoryEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	entry, err := scanMemory(row)
	if err != nil || entry == nil {
		return entry, err
	}
	return entry, attachMemoryTags(ctx, q, []*models.MemoryEntry{entry})
}

// UpdateMemoryContentTx rewrites the content of one entry.
func UpdateMemoryContentTx(ctx context.Context, tx *sql.Tx, id int64, content string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE memories SET content = ?, updated_at = ? WHERE id = ?`, content, formatTime(now), id)
	return err
}

// SetMemoryArchivedTx sets or clears the archived flag. Unarchiving also
// counts as an access so the entry is not re-archived by the next sweep.
func SetMemoryArchivedTx(ctx context.Context, tx *sql.Tx, id int64, archived bool, now time.Time) error {
	query := `UPDATE memories SET archived = ?, updated_at = ? WHERE id = ?`
	args := []any{boolToInt(archived), formatTime(now), id}
	if !archived {
		query = `UPDATE memories SET archived = 0, updated_at = ?, last_accessed_at = ? WHERE id = ?`
		args = []any{formatTime(now), formatTime(now), id}
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// TouchMemoriesTx records an access on each listed entry.
func TouchMemoriesTx(ctx context.Context, tx *sql.Tx, ids []int64, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]any{formatTime(now)}, int64Args(ids)...)
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE memories SET last_accessed_at = ? WHERE id IN (%s)`, placeholders(len(ids))), args...)
	return err
}

// DeleteMemoryTx physically removes one entry; tags cascade.
func DeleteMemoryTx(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	return err
}

// ListMemories lists entries matching filter.
func (s *Store) ListMemories(ctx context.Context, filter MemoryFilter) ([]models.MemoryEntry, error) {
	query, args := buildMemoryQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	return entries, attachMemoryTagValues(ctx, s.db, entries)
}

// ListMemoriesPage lists entries with afterID < id <= maxID in id order.
func (s *Store) ListMemoriesPage(ctx context.Context, afterID, maxID int64, limit int) ([]models.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id > ? AND id <= ? ORDER BY id LIMIT ?`,
		afterID, maxID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	return entries, attachMemoryTagValues(ctx, s.db, entries)
}

// MaxMemoryID returns the highest memory id, or 0.
func (s *Store) MaxMemoryID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM memories`).Scan(&id)
	return id, err
}

// ListMemoriesTx lists every entry, used for snapshots.
func ListMemoriesTx(ctx context.Context, q querier) ([]models.MemoryEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+memoryColumns+` FROM memories ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	return entries, attachMemoryTagValues(ctx, q, entries)
}

func buildMemoryQuery(filter MemoryFilter) (string, []any) {
	var args []any
	var where []string

	match := MatchExpression(filter.Query)
	query := "SELECT " + qualifiedMemoryColumns + " FROM memories"
	if match != "" {
		query += " JOIN search_index ON search_index.entity_type = 'memory' AND search_index.entity_id = memories.id AND search_index MATCH ?"
		args = append(args, match)
	}

	switch {
	case filter.OnlyArchived:
		where = append(where, "memories.archived = 1")
	case !filter.IncludeArchived:
		where = append(where, "memories.archived = 0")
	}
	if filter.Owner != "" {
		where = append(where, "memories.owner = ?")
		args = append(args, filter.Owner)
	}
	if filter.EntryType != "" {
		where = append(where, "memories.entry_type = ?")
		args = append(args, filter.EntryType)
	}
	if len(filter.Tags) > 0 {
		where = append(where, fmt.Sprintf("memories.id IN (SELECT memory_id FROM memory_tags WHERE tag IN (%s))", placeholders(len(filter.Tags))))
		for _, tag := range filter.Tags {
			args = append(args, tag)
		}
	}
	if filter.CreatedAfter != nil {
		where = append(where, "memories.created_at >= ?")
		args = append(args, formatTime(*filter.CreatedAfter))
	}
	if filter.CreatedBefore != nil {
		where = append(where, "memories.created_at < ?")
		args = append(args, formatTime(*filter.CreatedBefore))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	if match != "" {
		query += " ORDER BY bm25(search_index), memories.id"
	} else {
		query += " ORDER BY memories.created_at DESC, memories.id DESC"
	}

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}
	return query, args
}

func scanMemories(rows *sql.Rows) ([]models.MemoryEntry, error) {
	entries := []models.MemoryEntry{}
	for rows.Next() {
		entry, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			entries = append(entries, *entry)
		}
	}
	return entries, rows.Err()
}

func attachMemoryTagValues(ctx context.Context, q querier, entries []models.MemoryEntry) error {
	ptrs := make([]*models.MemoryEntry, len(entries))
	for i := range entries {
		ptrs[i] = &entries[i]
	}
	return attachMemoryTags(ctx, q, ptrs)
}

func attachMemoryTags(ctx context.Context, q querier, entries []*models.MemoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	tags, err := listTags(ctx, q, "memory_tags", "memory_id", ids)
	if err != nil {
		return err
	}
	for _, e := range entries {
		e.Tags = tags[e.ID]
	}
	return nil
}

func scanMemory(scanner interface {
	Scan(dest ...any) error
}) (*models.MemoryEntry, error) {
	entry := models.MemoryEntry{}
	var source, metaJSON sql.NullString
	var createdAt, updatedAt, lastAccessedAt string
	var archived int

	err := scanner.Scan(
		&entry.ID,
		&entry.Owner,
		&entry.EntryType,
		&entry.Content,
		&entry.Confidence,
		&source,
		&metaJSON,
		&archived,
		&createdAt,
		&updatedAt,
		&lastAccessedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	entry.Source = source.String
	entry.Archived = archived != 0
	if entry.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if entry.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if entry.LastAccessedAt, err = parseTime(lastAccessedAt); err != nil {
		return nil, err
	}
	if metaJSON.Valid {
		if entry.Metadata, err = metaFromJSON(metaJSON.String); err != nil {
			return nil, err
		}
	}
	return &entry, nil
}
