package store

import (
	"fmt"
	"strings"
)

type fileQueryBuilder struct {
	filter FileFilter
	match  string
	query  string
	args   []any
	where  []string
}

func buildFileQuery(filter FileFilter) (string, []any) {
	builder := &fileQueryBuilder{filter: filter, match: MatchExpression(filter.Query)}
	builder.buildSelect()
	builder.buildWhere()
	builder.buildOrder()
	builder.buildPagination()
	return builder.query, builder.args
}

func (b *fileQueryBuilder) buildSelect() {
	b.query = "SELECT " + fileColumns + " FROM files"
	if b.match == "" {
		return
	}
	b.query = "SELECT " + qualifiedFileColumns + " FROM files JOIN search_index ON search_index.entity_type = 'file' AND search_index.entity_id = files.id AND search_index MATCH ?"
	b.args = append(b.args, b.match)
}

func (b *fileQueryBuilder) buildWhere() {
	b.appendNamespace()
	b.appendTier()
	b.appendMimeType()
	b.appendTags()
	b.appendTimeFilters()

	if len(b.where) == 0 {
		return
	}
	b.query += " WHERE " + strings.Join(b.where, " AND ")
}

func (b *fileQueryBuilder) buildOrder() {
	if b.match != "" {
		b.query += " ORDER BY bm25(search_index), files.id"
		return
	}
	b.query += " ORDER BY files.created_at DESC, files.id DESC"
}

func (b *fileQueryBuilder) buildPagination() {
	hasLimit := false
	if b.filter.Limit > 0 {
		b.query += " LIMIT ?"
		b.args = append(b.args, b.filter.Limit)
		hasLimit = true
	}
	if b.filter.Offset > 0 {
		if !hasLimit {
			b.query += " LIMIT -1"
		}
		b.query += " OFFSET ?"
		b.args = append(b.args, b.filter.Offset)
	}
}

func (b *fileQueryBuilder) appendNamespace() {
	if b.filter.Namespace == "" {
		return
	}
	b.where = append(b.where, "files.namespace = ?")
	b.args = append(b.args, b.filter.Namespace)
}

func (b *fileQueryBuilder) appendTier() {
	if b.filter.Tier == "" {
		return
	}
	b.where = append(b.where, "files.tier = ?")
	b.args = append(b.args, string(b.filter.Tier))
}

func (b *fileQueryBuilder) appendMimeType() {
	if b.filter.MimeType == "" {
		return
	}
	if strings.HasSuffix(b.filter.MimeType, "/*") {
		b.where = append(b.where, "files.mime_type LIKE ? || '%'")
		b.args = append(b.args, strings.TrimSuffix(b.filter.MimeType, "*"))
		return
	}
	b.where = append(b.where, "files.mime_type = ?")
	b.args = append(b.args, b.filter.MimeType)
}

func (b *fileQueryBuilder) appendTags() {
	if len(b.filter.Tags) == 0 {
		return
	}
	b.where = append(b.where, fmt.Sprintf("files.id IN (SELECT file_id FROM file_tags WHERE tag IN (%s))", placeholders(len(b.filter.Tags))))
	for _, tag := range b.filter.Tags {
		b.args = append(b.args, tag)
	}
}

func (b *fileQueryBuilder) appendTimeFilters() {
	if b.filter.CreatedAfter != nil {
		b.where = append(b.where, "files.created_at >= ?")
		b.args = append(b.args, formatTime(*b.filter.CreatedAfter))
	}
	if b.filter.CreatedBefore != nil {
		b.where = append(b.where, "files.created_at < ?")
		b.args = append(b.args, formatTime(*b.filter.CreatedBefore))
	}
}
