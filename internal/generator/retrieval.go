package generator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/chronocast/chronocast/internal/store"
	"github.com/chronocast/chronocast/pkg/provider/embeddings"
)

// Retrieval knobs.
const (
	// retrievalLimit is how many chunks each query pulls before blending.
	retrievalLimit = 12

	// contextChunks is how many blended chunks feed the prompt.
	contextChunks = 6

	// recencyHalfLife controls the exponential decay of the recency
	// component for event chunks: an event this many days before the
	// broadcast instant scores 0.5.
	recencyHalfLife = 14 * 24 * time.Hour

	// vectorWeight and recencyWeight blend the two components into the
	// final score. Doc chunks have no event time and take a neutral 0.5
	// recency.
	vectorWeight  = 0.7
	recencyWeight = 0.3
)

// KnowledgeStore is the subset of the state store retrieval uses.
type KnowledgeStore interface {
	SearchChunks(ctx context.Context, q store.ChunkSearch) ([]store.ChunkResult, error)
}

// RetrievedChunk is one context chunk with its blended relevance score.
type RetrievedChunk struct {
	Chunk      store.KnowledgeChunk
	FinalScore float64 // in [0, 1]; higher is more relevant
}

// Retriever pulls worldbuilding context for a segment. All queries are
// anchored to the segment's broadcast instant: event chunks dated after it
// are invisible, and recency decays relative to it, never to the wall clock.
type Retriever struct {
	store    KnowledgeStore
	embedder embeddings.Provider
}

// NewRetriever creates a Retriever.
func NewRetriever(ks KnowledgeStore, emb embeddings.Provider) *Retriever {
	return &Retriever{store: ks, embedder: emb}
}

// queryFor builds the retrieval query text for a slot type. The broadcast
// date is woven into the query so embeddings land near date-anchored event
// chunks.
func queryFor(slotType, programName string, broadcast time.Time) string {
	date := broadcast.Format("January 2, 2006")
	switch slotType {
	case "news":
		return fmt.Sprintf("current events and breaking developments around %s", date)
	case "culture":
		return fmt.Sprintf("arts, entertainment and cultural life in %d", broadcast.Year())
	case "tech":
		return fmt.Sprintf("technology, science and engineering advances of %d", broadcast.Year())
	case "interview", "panel":
		return fmt.Sprintf("notable people, debates and perspectives around %s", date)
	case "weather":
		return fmt.Sprintf("climate, atmospheric conditions and forecasts for %s", date)
	case "station_id":
		return "station identity, slogans and broadcast history"
	default:
		return fmt.Sprintf("%s topics for the program %s around %s", slotType, programName, date)
	}
}

// Retrieve returns the blended top context chunks for a segment. The
// returned slice is ordered by final score descending and capped at
// [contextChunks].
func (r *Retriever) Retrieve(ctx context.Context, seg *store.Segment, programName string) ([]RetrievedChunk, error) {
	query := queryFor(seg.SlotType, programName, seg.ScheduledStartTS)

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("generator: embed retrieval query: %w", err)
	}

	hits, err := r.store.SearchChunks(ctx, store.ChunkSearch{
		Embedding:      vec,
		Limit:          retrievalLimit,
		EventsNotAfter: seg.ScheduledStartTS,
	})
	if err != nil {
		return nil, fmt.Errorf("generator: search knowledge base: %w", err)
	}

	out := make([]RetrievedChunk, 0, len(hits))
	for _, h := range hits {
		out = append(out, RetrievedChunk{
			Chunk:      h.Chunk,
			FinalScore: blendScore(h.Distance, h.Chunk.EventTS, seg.ScheduledStartTS),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FinalScore > out[j].FinalScore })
	if len(out) > contextChunks {
		out = out[:contextChunks]
	}
	return out, nil
}

// blendScore combines cosine similarity and broadcast-relative recency into
// a final score in [0, 1].
func blendScore(distance float64, eventTS *time.Time, broadcast time.Time) float64 {
	// Cosine distance is in [0, 2]; map to similarity in [0, 1].
	sim := 1 - distance/2
	sim = math.Max(0, math.Min(1, sim))

	recency := 0.5 // neutral for undated doc chunks
	if eventTS != nil {
		age := broadcast.Sub(*eventTS)
		if age < 0 {
			age = 0 // should be filtered upstream; score, don't leak
		}
		recency = math.Exp2(-age.Hours() / recencyHalfLife.Hours())
	}

	return vectorWeight*sim + recencyWeight*recency
}

// Citations converts retrieved chunks to the citation records stored on the
// segment.
func Citations(chunks []RetrievedChunk) []store.Citation {
	out := make([]store.Citation, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, store.Citation{ChunkID: c.Chunk.ID, FinalScore: c.FinalScore})
	}
	return out
}

// contextBlock renders retrieved chunks as a numbered prompt section.
func contextBlock(chunks []RetrievedChunk) string {
	if len(chunks) == 0 {
		return "(no background material retrieved)"
	}
	var b strings.Builder
	for i, c := range chunks {
		fmt.Fprintf(&b, "[%d] ", i+1)
		if c.Chunk.EventTS != nil {
			fmt.Fprintf(&b, "(%s) ", c.Chunk.EventTS.Format("2006-01-02"))
		}
		b.WriteString(strings.TrimSpace(c.Chunk.Content))
		b.WriteString("\n")
	}
	return b.String()
}
