// Package model holds the domain types shared across the ingestion pipeline.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"golang.org/x/text/unicode/norm"
)

// DocClass describes the physical shape of a fetched document.
type DocClass string

const (
	DocClassText       DocClass = "text"
	DocClassScanned    DocClass = "scanned"
	DocClassStructured DocClass = "structured"
)

// Evidence is an immutable fetched regulatory document. Discovery creates it
// once; the pipeline only ever reads it.
type Evidence struct {
	ID          string    `json:"id"`
	SourceSlug  string    `json:"source_slug"`
	URL         string    `json:"url,omitempty"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	Class       DocClass  `json:"class"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// HashContent returns the dedup hash for evidence content. Content is
// NFC-normalized first so the same document fetched under different
// encodings hashes identically.
func HashContent(content string) string {
	normalized := norm.NFC.String(content)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
