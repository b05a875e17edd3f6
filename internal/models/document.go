// Package models defines the documents, chunks, queries and results shared by the pipeline.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// DefaultSource is recorded when an input does not name its origin channel.
const DefaultSource = "unknown"

// Document is one registered source artifact.
type Document struct {
	ID          string         `json:"document_id"`
	Source      string         `json:"source"`
	Title       string         `json:"title,omitempty"`
	Author      string         `json:"author,omitempty"`
	Date        string         `json:"date,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Chunk is one retrievable segment. An empty DocumentID means the chunk was ingested
// without document registration and is stored with a NULL parent.
type Chunk struct {
	ID          string         `json:"chunk_id"`
	DocumentID  string         `json:"document_id,omitempty"`
	Position    int            `json:"position"`
	ChunkIndex  int            `json:"chunk_index"`
	Content     string         `json:"content"`
	ContentHash string         `json:"content_hash,omitempty"`
	Embedding   []float32      `json:"-"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Source      string         `json:"source"`
	URL         string         `json:"url,omitempty"`
	Title       string         `json:"title,omitempty"`
	Date        string         `json:"date,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// DocumentInput is what the extraction collaborator hands to ingestion.
// Text may also arrive as "content" and Date as "fecha".
type DocumentInput struct {
	ID          string         `json:"id,omitempty"`
	Text        string         `json:"text"`
	Source      string         `json:"source,omitempty"`
	URL         string         `json:"url,omitempty"`
	Title       string         `json:"title,omitempty"`
	Date        string         `json:"date,omitempty"`
	Author      string         `json:"author,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts the aliases used by older scraper output.
func (in *DocumentInput) UnmarshalJSON(data []byte) error {
	type plain DocumentInput
	var aux struct {
		plain
		Content    string `json:"content"`
		Fecha      string `json:"fecha"`
		DocumentID string `json:"document_id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*in = DocumentInput(aux.plain)
	if in.Text == "" {
		in.Text = aux.Content
	}
	if in.Date == "" {
		in.Date = aux.Fecha
	}
	if in.ID == "" {
		in.ID = aux.DocumentID
	}
	return nil
}

// Validate checks the input and fills the default source.
func (in *DocumentInput) Validate() error {
	if strings.TrimSpace(in.Text) == "" {
		return Validationf("validate_document", "document %q has no text", in.ID)
	}
	if in.Source == "" {
		in.Source = DefaultSource
	}
	return nil
}

// Registered reports whether the input carries a document id and so gets a documents row.
func (in *DocumentInput) Registered() bool {
	return in.ID != ""
}

// Document builds the row registered for this input.
func (in *DocumentInput) Document() *Document {
	return &Document{
		ID:          in.ID,
		Source:      in.Source,
		Title:       in.Title,
		Author:      in.Author,
		Date:        in.Date,
		ContentType: in.ContentType,
		Metadata:    in.Metadata,
	}
}
