package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Tag tables share one shape: (<owner>_id, tag). table and column are
// always package constants, never caller input.

func insertTagsTx(ctx context.Context, tx *sql.Tx, table, column string, id int64, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	query := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s, tag) VALUES %s", table, column, tagValues(len(tags)))
	_, err := tx.ExecContext(ctx, query, tagArgs(id, tags)...)
	return err
}

func replaceTagsTx(ctx context.Context, tx *sql.Tx, table, column string, id int64, tags []string) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, column), id); err != nil {
		return err
	}
	return insertTagsTx(ctx, tx, table, column, id, tags)
}

func listTags(ctx context.Context, q querier, table, column string, ids []int64) (map[int64][]string, error) {
	out := make(map[int64][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := fmt.Sprintf("SELECT %s, tag FROM %s WHERE %s IN (%s) ORDER BY %s, tag", column, table, column, placeholders(len(ids)), column)
	rows, err := q.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var tag string
		if err := rows.Scan(&id, &tag); err != nil {
			return nil, err
		}
		out[id] = append(out[id], tag)
	}
	return out, rows.Err()
}

// ReplaceFileTagsTx replaces all tags of one file.
func ReplaceFileTagsTx(ctx context.Context, tx *sql.Tx, id int64, tags []string) error {
	return replaceTagsTx(ctx, tx, "file_tags", "file_id", id, tags)
}

// ReplaceMemoryTagsTx replaces all tags of one memory entry.
func ReplaceMemoryTagsTx(ctx context.Context, tx *sql.Tx, id int64, tags []string) error {
	return replaceTagsTx(ctx, tx, "memory_tags", "memory_id", id, tags)
}
