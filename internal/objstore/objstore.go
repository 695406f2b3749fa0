// Package objstore abstracts the audio object store. The production
// implementation targets Supabase Storage over its REST API; an in-memory
// implementation backs tests.
//
// Bucket layout:
//
//	raw/<segment_id>.wav          rendered, pre-mastering audio
//	raw/<segment_id>/turn-NNN.wav individual dialogue turns
//	final/<asset_id>.wav          mastered delivery audio
//	music/<hh>/<hash>.<ext>       licensed music beds, sharded by hash prefix
//	jingles/<name>.wav            station IDs and sweepers
//	docs/<source_id>.md           worldbuilding documents awaiting indexing
package objstore

import (
	"context"
	"fmt"
	"time"
)

// Path prefixes within the station bucket.
const (
	PrefixRaw     = "raw/"
	PrefixFinal   = "final/"
	PrefixMusic   = "music/"
	PrefixJingles = "jingles/"
	PrefixDocs    = "docs/"
)

// DefaultSignedURLTTL is the lifetime of playout download URLs.
const DefaultSignedURLTTL = 3600 * time.Second

// Store is the audio object store used by the generator (raw uploads), the
// mastering worker (final uploads) and the playout bridge (signed URLs).
type Store interface {
	// Upload writes an object, overwriting any existing content at path.
	Upload(ctx context.Context, path, contentType string, data []byte) error

	// Download reads an object in full.
	Download(ctx context.Context, path string) ([]byte, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error

	// SignURL returns a time-limited download URL for an object.
	SignURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// RawPath returns the pre-mastering object path for a segment.
func RawPath(segmentID string) string {
	return PrefixRaw + segmentID + ".wav"
}

// TurnPath returns the object path of one dialogue turn's audio, kept next
// to the segment's concatenated raw file.
func TurnPath(segmentID string, turnNumber int) string {
	return fmt.Sprintf("%s%s/turn-%03d.wav", PrefixRaw, segmentID, turnNumber)
}

// FinalPath returns the mastered delivery path for an asset.
func FinalPath(assetID string) string {
	return PrefixFinal + assetID + ".wav"
}

// DocPath returns the object path of a worldbuilding document queued for
// indexing.
func DocPath(sourceID string) string {
	return PrefixDocs + sourceID + ".md"
}

// MusicPath returns the sharded path for a licensed music file identified by
// its hex content hash.
func MusicPath(contentHash, ext string) string {
	shard := "00"
	if len(contentHash) >= 2 {
		shard = contentHash[:2]
	}
	return PrefixMusic + shard + "/" + contentHash + "." + ext
}
