// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package docs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// DocClassName is the Weaviate class for documentation chunks.
const DocClassName = "LibraryDoc"

// indexBatchSize is the batch import size.
const indexBatchSize = 100

// WeaviateBackend stores documentation chunks in Weaviate, searched
// with BM25.
//
// # Thread Safety
//
// Safe for concurrent use.
type WeaviateBackend struct {
	client *weaviate.Client
	logger *slog.Logger

	schemaOnce sync.Once
	schemaErr  error
}

// NewWeaviateBackend wraps an existing Weaviate client.
func NewWeaviateBackend(client *weaviate.Client, logger *slog.Logger) *WeaviateBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &WeaviateBackend{client: client, logger: logger}
}

// docSchema returns the LibraryDoc class definition.
func docSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       DocClassName,
		Description: "Documentation chunks for projects and reference libraries",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "docId", DataType: []string{"text"}, IndexFilterable: indexFilterable, Tokenization: "field"},
			{Name: "projectId", DataType: []string{"text"}, IndexFilterable: indexFilterable, Tokenization: "field"},
			{Name: "library", DataType: []string{"text"}, IndexFilterable: indexFilterable, Tokenization: "field"},
			{Name: "source", DataType: []string{"text"}, Tokenization: "word"},
			{Name: "title", DataType: []string{"text"}, Tokenization: "word"},
			{Name: "content", DataType: []string{"text"}, Tokenization: "word"},
			{Name: "chunk", DataType: []string{"int"}},
		},
	}
}

// ensureSchema creates the class if absent. Idempotent.
func (b *WeaviateBackend) ensureSchema(ctx context.Context) error {
	b.schemaOnce.Do(func() {
		if _, err := b.client.Schema().ClassGetter().WithClassName(DocClassName).Do(ctx); err == nil {
			return
		}
		b.logger.Info("creating documentation schema", "class", DocClassName)
		b.schemaErr = b.client.Schema().ClassCreator().WithClass(docSchema()).Do(ctx)
	})
	return b.schemaErr
}

// IndexDocs batch imports chunks, overwriting by deterministic id.
func (b *WeaviateBackend) IndexDocs(ctx context.Context, docs []Doc) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	if err := b.ensureSchema(ctx); err != nil {
		return 0, fmt.Errorf("ensure doc schema: %w", err)
	}

	indexed := 0
	for i := 0; i < len(docs); i += indexBatchSize {
		if err := ctx.Err(); err != nil {
			return indexed, err
		}
		end := min(i+indexBatchSize, len(docs))

		objects := make([]*models.Object, 0, end-i)
		for _, d := range docs[i:end] {
			objects = append(objects, &models.Object{
				Class: DocClassName,
				ID:    strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(d.DocID)).String()),
				Properties: map[string]any{
					"docId":     d.DocID,
					"projectId": d.ProjectID,
					"library":   d.Library,
					"source":    d.Source,
					"title":     d.Title,
					"content":   d.Content,
					"chunk":     d.Chunk,
				},
			})
		}

		result, err := b.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return indexed, fmt.Errorf("batch import: %w", err)
		}
		for _, obj := range result {
			if obj.Result == nil || obj.Result.Errors == nil {
				indexed++
			}
		}
	}
	return indexed, nil
}

// SearchDocs runs BM25 over the chunks, optionally scoped to one
// library.
func (b *WeaviateBackend) SearchDocs(ctx context.Context, projectID, library, query string, limit int) ([]Doc, error) {
	if err := b.ensureSchema(ctx); err != nil {
		return nil, err
	}

	where := filters.Where().
		WithPath([]string{"projectId"}).
		WithOperator(filters.Equal).
		WithValueString(projectID)
	if library != "" {
		where = filters.Where().
			WithOperator(filters.And).
			WithOperands([]*filters.WhereBuilder{
				where,
				filters.Where().
					WithPath([]string{"library"}).
					WithOperator(filters.Equal).
					WithValueString(library),
			})
	}

	fields := []graphql.Field{
		{Name: "docId"}, {Name: "projectId"}, {Name: "library"},
		{Name: "source"}, {Name: "title"}, {Name: "content"}, {Name: "chunk"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "score"}}},
	}

	result, err := b.client.GraphQL().Get().
		WithClassName(DocClassName).
		WithFields(fields...).
		WithBM25(b.client.GraphQL().Bm25ArgBuilder().WithQuery(query)).
		WithWhere(where).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("doc search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("doc search: %s", result.Errors[0].Message)
	}

	get, ok := result.Data["Get"].(map[string]any)
	if !ok {
		return nil, nil
	}
	rows, ok := get[DocClassName].([]any)
	if !ok {
		return nil, nil
	}

	str := func(m map[string]any, key string) string {
		s, _ := m[key].(string)
		return s
	}
	out := make([]Doc, 0, len(rows))
	for _, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			continue
		}
		d := Doc{
			DocID:     str(m, "docId"),
			ProjectID: str(m, "projectId"),
			Library:   str(m, "library"),
			Source:    str(m, "source"),
			Title:     str(m, "title"),
			Content:   str(m, "content"),
		}
		if v, ok := m["chunk"].(float64); ok {
			d.Chunk = int(v)
		}
		if add, ok := m["_additional"].(map[string]any); ok {
			if s, ok := add["score"].(string); ok {
				fmt.Sscanf(s, "%f", &d.Score)
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// Libraries lists the distinct reference libraries indexed for a
// project, via a grouped aggregate.
func (b *WeaviateBackend) Libraries(ctx context.Context, projectID string) ([]string, error) {
	if err := b.ensureSchema(ctx); err != nil {
		return nil, err
	}

	result, err := b.client.GraphQL().Aggregate().
		WithClassName(DocClassName).
		WithGroupBy("library").
		WithFields(graphql.Field{
			Name:   "groupedBy",
			Fields: []graphql.Field{{Name: "value"}},
		}).
		WithWhere(filters.Where().
			WithPath([]string{"projectId"}).
			WithOperator(filters.Equal).
			WithValueString(projectID)).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("list libraries: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("list libraries: %s", result.Errors[0].Message)
	}

	agg, ok := result.Data["Aggregate"].(map[string]any)
	if !ok {
		return nil, nil
	}
	rows, ok := agg[DocClassName].([]any)
	if !ok {
		return nil, nil
	}
	var libs []string
	for _, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			continue
		}
		grouped, ok := m["groupedBy"].(map[string]any)
		if !ok {
			continue
		}
		if v, ok := grouped["value"].(string); ok && v != "" {
			libs = append(libs, v)
		}
	}
	return libs, nil
}
