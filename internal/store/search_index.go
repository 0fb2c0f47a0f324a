package store

import (
	"context"
	"database/sql"
	"strings"
	"unicode"
)

// Entity types held in the search index.
const (
	EntityFile   = "file"
	EntityMemory = "memory"
)

// Hit is one ranked search result. Lower scores rank higher (bm25).
type Hit struct {
	EntityType string
	ID         int64
	Score      float64
}

// IndexTx replaces the index entry for one entity inside the caller's
// transaction, so index and catalog commit together.
func IndexTx(ctx context.Context, tx *sql.Tx, entityType string, id int64, body string, tags []string) error {
	if err := UnindexTx(ctx, tx, entityType, id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO search_index (entity_type, entity_id, body, tags) VALUES (?, ?, ?, ?)`,
		entityType, id, body, strings.Join(tags, " "),
	)
	return err
}

// UnindexTx removes the index entry for one entity.
func UnindexTx(ctx context.Context, tx *sql.Tx, entityType string, id int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM search_index WHERE entity_type = ? AND entity_id = ?`, entityType, id)
	return err
}

// Search runs a ranked free-text query against one entity type.
func (s *Store) Search(ctx context.Context, entityType, text string, limit int) ([]Hit, error) {
	match := MatchExpression(text)
	if match == "" {
		return []Hit{}, nil
	}
	query := `SELECT entity_type, entity_id, bm25(search_index) FROM search_index
		WHERE search_index MATCH ? AND entity_type = ? ORDER BY bm25(search_index)`
	args := []any{match, entityType}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hits := []Hit{}
	for rows.Next() {
		var hit Hit
		if err := rows.Scan(&hit.EntityType, &hit.ID, &hit.Score); err != nil {
			return nil, err
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// MatchExpression turns user text into an FTS5 query: every token is
// quoted and the tokens are ANDed, so no input is parsed as FTS syntax.
func MatchExpression(text string) string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = `"` + tok + `"`
	}
	return strings.Join(quoted, " ")
}

// rebuildSearchIndexTx regenerates every index entry from catalog rows.
func rebuildSearchIndexTx(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM search_index`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO search_index (entity_type, entity_id, body, tags)
	SELECT 'file', f.id, f.filename || ' ' || f.namespace || ' ' || COALESCE(f.mime_type, ''),
		COALESCE((SELECT group_concat(tag, ' ') FROM file_tags WHERE file_id = f.id), '')
	FROM files f`); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO search_index (entity_type, entity_id, body, tags)
	SELECT 'memory', m.id, m.content,
		COALESCE((SELECT group_concat(tag, ' ') FROM memory_tags WHERE memory_id = m.id), '')
	FROM memories m`)
	return err
}

// FileSearchBody is the indexed text of a file record.
func FileSearchBody(filename, namespace, mimeType string) string {
	return strings.TrimSpace(filename + " " + namespace + " " + mimeType)
}
