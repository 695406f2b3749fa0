// Package embedder indexes worldbuilding content into the retrieval knowledge
// base. It consumes kb_index jobs, splits the source text into paragraph-
// aligned chunks, embeds each chunk, and stores chunk and vector for the
// generator's similarity search. Re-indexing a source replaces its previous
// chunks wholesale.
package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chronocast/chronocast/internal/objstore"
	"github.com/chronocast/chronocast/internal/store"
	"github.com/chronocast/chronocast/pkg/provider/embeddings"
)

// chunkSize is the soft target length of one knowledge chunk. Chunks break on
// paragraph boundaries, so individual chunks run shorter; only a single
// oversized paragraph is split mid-text.
const chunkSize = 800

// embedBatchSize caps texts per provider call.
const embedBatchSize = 64

// Store is the subset of the state store the embedder uses.
type Store interface {
	UpsertChunk(ctx context.Context, c *store.KnowledgeChunk, embedding []float32) error
	DeleteChunksBySource(ctx context.Context, sourceType, sourceID string) (int64, error)
}

var _ Store = (*store.Store)(nil)

// Config wires an Indexer.
type Config struct {
	Store      Store
	Embeddings embeddings.Provider

	// Objects resolves payloads that reference a stored document instead of
	// carrying text inline. May be nil when all sources are inline.
	Objects objstore.Store

	Logger *slog.Logger
}

// Indexer is the kb_index job handler.
type Indexer struct {
	store      Store
	embeddings embeddings.Provider
	objects    objstore.Store
	logger     *slog.Logger
}

// New creates an Indexer from cfg.
func New(cfg Config) *Indexer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		store:      cfg.Store,
		embeddings: cfg.Embeddings,
		objects:    cfg.Objects,
		logger:     logger,
	}
}

// indexPayload is the kb_index job payload. Short event blurbs travel inline;
// full documents stay in the object store and are referenced by path, keeping
// the queue free of large payloads.
type indexPayload struct {
	SourceType  string     `json:"source_type"` // "doc" or "event"
	SourceID    string     `json:"source_id"`
	Content     string     `json:"content,omitempty"`
	StoragePath string     `json:"storage_path,omitempty"`
	EventTS     *time.Time `json:"event_ts,omitempty"`
	Language    string     `json:"language,omitempty"`
}

// HandleKBIndex processes one kb_index job.
func (ix *Indexer) HandleKBIndex(ctx context.Context, payload json.RawMessage) error {
	var p indexPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("embedder: decode kb_index payload: %w", err)
	}
	if p.SourceID == "" {
		return errors.New("embedder: kb_index payload has no source_id")
	}
	if p.SourceType == "" {
		p.SourceType = "doc"
	}

	text := p.Content
	if text == "" && p.StoragePath != "" {
		if ix.objects == nil {
			return fmt.Errorf("embedder: payload references %q but no object store is configured", p.StoragePath)
		}
		raw, err := ix.objects.Download(ctx, p.StoragePath)
		if err != nil {
			return fmt.Errorf("embedder: download source %q: %w", p.StoragePath, err)
		}
		text = string(raw)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("embedder: source %s/%s has no content", p.SourceType, p.SourceID)
	}

	chunks := chunkText(text)

	// Replace-on-reindex: old chunks for this source go away before the new
	// set lands, so a shrunk document leaves no stale tail behind.
	removed, err := ix.store.DeleteChunksBySource(ctx, p.SourceType, p.SourceID)
	if err != nil {
		return err
	}

	start := time.Now()
	for batchStart := 0; batchStart < len(chunks); batchStart += embedBatchSize {
		batch := chunks[batchStart:min(batchStart+embedBatchSize, len(chunks))]
		vectors, err := ix.embeddings.EmbedBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("embedder: embed source %s/%s: %w", p.SourceType, p.SourceID, err)
		}
		for i, vec := range vectors {
			chunk := &store.KnowledgeChunk{
				SourceType: p.SourceType,
				SourceID:   p.SourceID,
				Content:    batch[i],
				OrderIndex: batchStart + i,
				Language:   p.Language,
				EventTS:    p.EventTS,
			}
			if err := ix.store.UpsertChunk(ctx, chunk, vec); err != nil {
				return err
			}
		}
	}

	ix.logger.Info("knowledge source indexed",
		"source_type", p.SourceType,
		"source_id", p.SourceID,
		"chunks", len(chunks),
		"replaced", removed,
		"model", ix.embeddings.ModelID(),
		"duration", time.Since(start))
	return nil
}

// chunkText splits text into chunks of at most chunkSize characters, breaking
// on blank-line paragraph boundaries. Consecutive short paragraphs share a
// chunk; a paragraph longer than chunkSize is split on sentence boundaries,
// or mid-word as a last resort.
func chunkText(text string) []string {
	var chunks []string
	var cur strings.Builder

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(para)+2 > chunkSize {
			flush()
		}
		if len(para) > chunkSize {
			flush()
			for _, piece := range splitLongParagraph(para) {
				chunks = append(chunks, piece)
			}
			continue
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()
	return chunks
}

// splitLongParagraph breaks one oversized paragraph into chunkSize pieces,
// preferring sentence ends, then spaces.
func splitLongParagraph(para string) []string {
	var out []string
	for len(para) > chunkSize {
		cut := chunkSize
		if i := strings.LastIndex(para[:cut], ". "); i > chunkSize/2 {
			cut = i + 1
		} else if i := strings.LastIndex(para[:cut], " "); i > chunkSize/2 {
			cut = i
		}
		out = append(out, strings.TrimSpace(para[:cut]))
		para = strings.TrimSpace(para[cut:])
	}
	if para != "" {
		out = append(out, para)
	}
	return out
}
