// Package ident derives the stable identifiers that make re-ingestion idempotent.
package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
)

const filePrefix = "file:"

// chunkNamespace scopes chunk UUIDs so they never collide with other v5 ids.
var chunkNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("shiori:chunk"))

// ContentHash returns the hex sha256 of text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ChunkID returns a UUIDv5 over owner, position and content hash. The same content at
// the same position of the same owner always maps to the same id.
func ChunkID(owner string, position int, contentHash string) string {
	name := owner + "|" + strconv.Itoa(position) + "|" + contentHash
	return uuid.NewSHA1(chunkNamespace, []byte(name)).String()
}

// FileDocumentID returns a stable document ID for the given absolute path.
// Same path always yields the same ID.
func FileDocumentID(absolutePath string) string {
	normalized := filepath.Clean(absolutePath)
	hash := sha256.Sum256([]byte(normalized))
	return filePrefix + hex.EncodeToString(hash[:])
}
