// Package playout is the HTTP bridge between the content pipeline and the
// broadcaster. The broadcaster pulls upcoming ready segments with signed
// download URLs, reports airing progress back, and raises dead-air alerts
// when its buffer runs dry.
package playout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/chronocast/chronocast/internal/objstore"
	"github.com/chronocast/chronocast/internal/observe"
	"github.com/chronocast/chronocast/internal/store"
)

// Pull limits for /playout/next.
const (
	defaultLimit = 10
	maxLimit     = 50
)

// dueGrace extends the /playout/next window backwards so a segment whose
// start already passed, but which the broadcaster has not pulled yet, still
// shows up instead of silently falling off the air.
const dueGrace = 2 * time.Hour

// Store is the subset of the state store the bridge uses.
type Store interface {
	NextReadySegments(ctx context.Context, after time.Time, limit int) ([]*store.Segment, error)
	GetSegment(ctx context.Context, id string) (*store.Segment, error)
	GetAsset(ctx context.Context, id string) (*store.Asset, error)
	Transition(ctx context.Context, id string, to store.SegmentState) error
	MarkAiring(ctx context.Context, id string, airedAt time.Time) error
}

var _ Store = (*store.Store)(nil)

// Config wires a Handler.
type Config struct {
	Store   Store
	Objects objstore.Store
	Metrics *observe.Metrics
	Logger  *slog.Logger

	// FutureYearOffset shifts the wall clock into broadcast time when
	// selecting upcoming segments. Zero means 500.
	FutureYearOffset int

	// SignedURLTTL is the lifetime of download URLs. Zero means
	// [objstore.DefaultSignedURLTTL].
	SignedURLTTL time.Duration

	// Now overrides the wall clock in tests. Nil means time.Now.
	Now func() time.Time
}

// Handler serves the playout bridge endpoints.
type Handler struct {
	store   Store
	objects objstore.Store
	metrics *observe.Metrics
	logger  *slog.Logger
	offset  int
	ttl     time.Duration
	now     func() time.Time
}

// New creates a Handler from cfg.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	offset := cfg.FutureYearOffset
	if offset == 0 {
		offset = 500
	}
	ttl := cfg.SignedURLTTL
	if ttl == 0 {
		ttl = objstore.DefaultSignedURLTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{
		store:   cfg.Store,
		objects: cfg.Objects,
		metrics: metrics,
		logger:  logger,
		offset:  offset,
		ttl:     ttl,
		now:     now,
	}
}

// Register mounts the bridge endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /playout/next", h.instrument("/playout/next", h.handleNext))
	mux.Handle("POST /playout/now-playing", h.instrument("/playout/now-playing", h.handleNowPlaying))
	mux.Handle("POST /playout/segment-complete/{id}", h.instrument("/playout/segment-complete", h.handleComplete))
	mux.Handle("POST /playout/alerts/dead-air", h.instrument("/playout/alerts/dead-air", h.handleDeadAir))
}

// nextItem is one entry in the /playout/next response.
type nextItem struct {
	SegmentID        string    `json:"segment_id"`
	Title            string    `json:"title"`
	SlotType         string    `json:"slot_type"`
	ScheduledStartTS time.Time `json:"scheduled_start_ts"`
	DurationSec      float64   `json:"duration_sec"`
	LoudnessLUFS     float64   `json:"loudness_lufs"`
	AudioURL         string    `json:"audio_url"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// handleNext returns upcoming ready segments with signed download URLs.
// Mastered audio is preferred; a segment whose mastering has not landed yet
// falls back to its raw render so the broadcaster never starves waiting on
// the finalize queue. Only a segment with no signable audio at all is skipped
// with a warning.
func (h *Handler) handleNext(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "limit must be an integer", http.StatusBadRequest)
			return
		}
		limit = min(max(n, 1), maxLimit)
	}

	broadcastNow := h.now().AddDate(h.offset, 0, 0)
	segs, err := h.store.NextReadySegments(r.Context(), broadcastNow.Add(-dueGrace), limit)
	if err != nil {
		h.logger.Error("listing ready segments failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	items := make([]nextItem, 0, len(segs))
	for _, seg := range segs {
		if seg.AssetID == nil {
			h.logger.Warn("ready segment has no asset, skipping", "segment", seg.ID)
			continue
		}
		asset, err := h.store.GetAsset(r.Context(), *seg.AssetID)
		if err != nil || asset == nil {
			h.logger.Warn("ready segment has no audio asset, skipping",
				"segment", seg.ID, "error", err)
			continue
		}
		url, mastered, err := h.signAudio(r.Context(), asset)
		if err != nil {
			h.logger.Warn("signing download URL failed, skipping segment",
				"segment", seg.ID, "error", err)
			continue
		}
		if !mastered {
			h.logger.Warn("serving unmastered audio, mastering not finished",
				"segment", seg.ID, "path", asset.StoragePath)
		}
		items = append(items, nextItem{
			SegmentID:        seg.ID,
			Title:            seg.Title,
			SlotType:         seg.SlotType,
			ScheduledStartTS: seg.ScheduledStartTS,
			DurationSec:      asset.DurationSec,
			LoudnessLUFS:     asset.LoudnessLUFS,
			AudioURL:         url,
			ExpiresAt:        h.now().Add(h.ttl),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"segments": items, "total": len(items)})
}

// signAudio signs the best available audio path for an asset: the mastered
// file when present, the raw render otherwise.
func (h *Handler) signAudio(ctx context.Context, asset *store.Asset) (url string, mastered bool, err error) {
	if asset.FinalPath != "" {
		url, err = h.objects.SignURL(ctx, asset.FinalPath, h.ttl)
		return url, true, err
	}
	if asset.StoragePath == "" {
		return "", false, errors.New("asset has no audio path")
	}
	url, err = h.objects.SignURL(ctx, asset.StoragePath, h.ttl)
	return url, false, err
}

// nowPlayingRequest is the POST /playout/now-playing body. Timestamp is when
// the broadcaster actually started the segment; it becomes aired_at.
type nowPlayingRequest struct {
	SegmentID string    `json:"segment_id"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
}

// handleNowPlaying moves a segment to airing, stamping the reported start
// instant. Reposting the segment already on air is fine; the broadcaster
// retries status reports freely.
func (h *Handler) handleNowPlaying(w http.ResponseWriter, r *http.Request) {
	var req nowPlayingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SegmentID == "" {
		http.Error(w, "body must be JSON with segment_id", http.StatusBadRequest)
		return
	}

	err := h.store.MarkAiring(r.Context(), req.SegmentID, req.Timestamp)
	switch {
	case err == nil:
		h.logger.Info("segment on air", "segment", req.SegmentID, "title", req.Title,
			"started", req.Timestamp)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "segment not found", http.StatusNotFound)
		return
	case errors.Is(err, store.ErrInvalidTransition):
		seg, gerr := h.store.GetSegment(r.Context(), req.SegmentID)
		if gerr != nil || seg == nil || seg.State != store.StateAiring {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		// Duplicate report; the first one stamped aired_at.
	default:
		h.logger.Error("marking segment airing failed", "segment", req.SegmentID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"segment_id": req.SegmentID, "state": string(store.StateAiring),
	})
}

// handleComplete moves a segment from airing to aired.
func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "missing segment id", http.StatusBadRequest)
		return
	}
	h.advance(w, r, id, store.StateAired)
}

// advance applies a playout state transition, treating "already there" as
// success so retried reports are idempotent.
func (h *Handler) advance(w http.ResponseWriter, r *http.Request, id string, to store.SegmentState) {
	err := h.store.Transition(r.Context(), id, to)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "segment not found", http.StatusNotFound)
		return
	case errors.Is(err, store.ErrInvalidTransition):
		seg, gerr := h.store.GetSegment(r.Context(), id)
		if gerr == nil && seg != nil && seg.State == to {
			break // duplicate report
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	default:
		h.logger.Error("playout transition failed", "segment", id, "to", to, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"segment_id": id, "state": string(to)})
}

// deadAirRequest is the POST /playout/alerts/dead-air body.
type deadAirRequest struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Details   string    `json:"details"`
}

// handleDeadAir records a broadcaster alert that its ready buffer is running
// dry. The alert is logged loudly; operators page off the log stream.
func (h *Handler) handleDeadAir(w http.ResponseWriter, r *http.Request) {
	var req deadAirRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "body must be JSON", http.StatusBadRequest)
		return
	}
	h.logger.Error("dead-air alert from broadcaster",
		"type", req.Type, "at", req.Timestamp, "details", req.Details)
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// instrument wraps an endpoint with request-duration metrics.
func (h *Handler) instrument(path string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		fn(w, r)
		if h.metrics.HTTPRequestDuration != nil {
			h.metrics.HTTPRequestDuration.Record(r.Context(), time.Since(start).Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", path),
				))
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
