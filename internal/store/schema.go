// Package store provides the PostgreSQL-backed state store for the Chronocast
// content-production pipeline: the broadcast catalog (voices, DJs, programs,
// format clocks, schedules), the segment state machine, conversation
// participants and turns, deduplicated audio assets, the pgvector-indexed
// worldbuilding knowledge base, and worker health rows.
//
// All tables share a single [pgxpool.Pool]. The pgvector extension must be
// available in the target database; [Migrate] installs it automatically via
// CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	st, err := store.New(ctx, dsn, 1024)
//	if err != nil { … }
//	defer st.Close()
//
//	seg, _ := st.GetSegment(ctx, id)
//	_ = st.Transition(ctx, id, store.StateRetrieving)
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Catalog DDL — voices, DJs, programs, format clocks, schedules
// ─────────────────────────────────────────────────────────────────────────────

const ddlCatalog = `
CREATE TABLE IF NOT EXISTS voices (
    id          TEXT         PRIMARY KEY,
    name        TEXT         NOT NULL,
    model_id    TEXT         NOT NULL,
    language    TEXT         NOT NULL DEFAULT 'en',
    locale      TEXT         NOT NULL DEFAULT '',
    gender      TEXT         NOT NULL DEFAULT '',
    quality     TEXT         NOT NULL DEFAULT 'medium',
    available   BOOLEAN      NOT NULL DEFAULT TRUE,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS djs (
    id               TEXT         PRIMARY KEY,
    name             TEXT         NOT NULL,
    bio              TEXT         NOT NULL DEFAULT '',
    personality      TEXT         NOT NULL DEFAULT '',
    specializations  JSONB        NOT NULL DEFAULT '[]',
    voice_id         TEXT         NOT NULL REFERENCES voices (id),
    speech_speed     REAL         NOT NULL DEFAULT 1.0,
    language         TEXT         NOT NULL DEFAULT 'en',
    active           BOOLEAN      NOT NULL DEFAULT TRUE,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS format_clocks (
    id          TEXT         PRIMARY KEY,
    name        TEXT         NOT NULL,
    description TEXT         NOT NULL DEFAULT '',
    total_sec   INTEGER      NOT NULL DEFAULT 3600
);

CREATE TABLE IF NOT EXISTS format_slots (
    id           TEXT     PRIMARY KEY,
    clock_id     TEXT     NOT NULL REFERENCES format_clocks (id) ON DELETE CASCADE,
    slot_type    TEXT     NOT NULL,
    duration_sec INTEGER  NOT NULL,
    order_index  INTEGER  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_format_slots_clock
    ON format_slots (clock_id, order_index);

CREATE TABLE IF NOT EXISTS programs (
    id                  TEXT         PRIMARY KEY,
    name                TEXT         NOT NULL,
    format_clock_id     TEXT         NOT NULL REFERENCES format_clocks (id),
    conversation_format TEXT         NOT NULL DEFAULT '',
    scheduling_hints    TEXT         NOT NULL DEFAULT '',
    active              BOOLEAN      NOT NULL DEFAULT TRUE,
    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS program_djs (
    program_id     TEXT     NOT NULL REFERENCES programs (id) ON DELETE CASCADE,
    dj_id          TEXT     NOT NULL REFERENCES djs (id),
    role           TEXT     NOT NULL DEFAULT 'host',
    speaking_order INTEGER  NOT NULL DEFAULT 1,
    PRIMARY KEY (program_id, dj_id)
);

CREATE TABLE IF NOT EXISTS broadcast_schedule (
    id          TEXT     PRIMARY KEY,
    program_id  TEXT     NOT NULL REFERENCES programs (id) ON DELETE CASCADE,
    day_of_week INTEGER,
    start_time  TEXT     NOT NULL,
    end_time    TEXT     NOT NULL,
    priority    INTEGER  NOT NULL DEFAULT 0,
    active      BOOLEAN  NOT NULL DEFAULT TRUE
);

CREATE INDEX IF NOT EXISTS idx_broadcast_schedule_priority
    ON broadcast_schedule (priority DESC) WHERE active;
`

// ─────────────────────────────────────────────────────────────────────────────
// Pipeline DDL — assets, segments, conversations
// ─────────────────────────────────────────────────────────────────────────────

const ddlPipeline = `
CREATE TABLE IF NOT EXISTS assets (
    id                TEXT         PRIMARY KEY,
    storage_path      TEXT         NOT NULL,
    final_path        TEXT         NOT NULL DEFAULT '',
    content_type      TEXT         NOT NULL DEFAULT 'audio/wav',
    content_hash      TEXT         NOT NULL,
    duration_sec      DOUBLE PRECISION NOT NULL DEFAULT 0,
    loudness_lufs     DOUBLE PRECISION NOT NULL DEFAULT 0,
    peak_dbfs         DOUBLE PRECISION NOT NULL DEFAULT 0,
    validation_status TEXT         NOT NULL DEFAULT 'pending',
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_assets_content_hash
    ON assets (content_hash);

CREATE TABLE IF NOT EXISTS segments (
    id                  TEXT         PRIMARY KEY,
    program_id          TEXT         NOT NULL REFERENCES programs (id),
    slot_type           TEXT         NOT NULL,
    state               TEXT         NOT NULL DEFAULT 'queued',
    scheduled_start_ts  TIMESTAMPTZ  NOT NULL,
    title               TEXT         NOT NULL DEFAULT '',
    script              TEXT         NOT NULL DEFAULT '',
    citations           JSONB        NOT NULL DEFAULT '[]',
    asset_id            TEXT         REFERENCES assets (id) ON DELETE SET NULL,
    conversation_format TEXT         NOT NULL DEFAULT '',
    participant_count   INTEGER      NOT NULL DEFAULT 1,
    language            TEXT         NOT NULL DEFAULT 'en',
    target_duration_sec DOUBLE PRECISION NOT NULL DEFAULT 0,
    duration_sec        DOUBLE PRECISION NOT NULL DEFAULT 0,
    tone_score          DOUBLE PRECISION NOT NULL DEFAULT 0,
    tone_breakdown      JSONB,
    model               TEXT         NOT NULL DEFAULT '',
    prompt_tokens       INTEGER      NOT NULL DEFAULT 0,
    completion_tokens   INTEGER      NOT NULL DEFAULT 0,
    retry_count         INTEGER      NOT NULL DEFAULT 0,
    max_retries         INTEGER      NOT NULL DEFAULT 3,
    last_error          TEXT         NOT NULL DEFAULT '',
    idempotency_key     TEXT,
    aired_at            TIMESTAMPTZ,
    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_segments_state
    ON segments (state);

CREATE INDEX IF NOT EXISTS idx_segments_scheduled
    ON segments (scheduled_start_ts);

CREATE UNIQUE INDEX IF NOT EXISTS idx_segments_idempotency
    ON segments (idempotency_key) WHERE idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS conversation_participants (
    id             TEXT     PRIMARY KEY,
    segment_id     TEXT     NOT NULL REFERENCES segments (id) ON DELETE CASCADE,
    dj_id          TEXT     NOT NULL REFERENCES djs (id),
    role           TEXT     NOT NULL DEFAULT 'host',
    speaking_order INTEGER  NOT NULL DEFAULT 1,
    character_name TEXT     NOT NULL DEFAULT '',
    background     TEXT     NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_participants_segment
    ON conversation_participants (segment_id, speaking_order);

CREATE TABLE IF NOT EXISTS conversation_turns (
    id             TEXT     PRIMARY KEY,
    segment_id     TEXT     NOT NULL REFERENCES segments (id) ON DELETE CASCADE,
    participant_id TEXT     NOT NULL REFERENCES conversation_participants (id) ON DELETE CASCADE,
    turn_number    INTEGER  NOT NULL,
    speaker_name   TEXT     NOT NULL,
    text           TEXT     NOT NULL,
    audio_path     TEXT     NOT NULL DEFAULT '',
    duration_sec   DOUBLE PRECISION NOT NULL DEFAULT 0,
    UNIQUE (segment_id, turn_number)
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Coordination DDL — jobs, dead letters, health
// ─────────────────────────────────────────────────────────────────────────────

const ddlJobs = `
CREATE TABLE IF NOT EXISTS jobs (
    id            TEXT         PRIMARY KEY,
    type          TEXT         NOT NULL,
    payload       JSONB        NOT NULL DEFAULT '{}',
    state         TEXT         NOT NULL DEFAULT 'pending',
    priority      INTEGER      NOT NULL DEFAULT 5,
    scheduled_for TIMESTAMPTZ  NOT NULL DEFAULT now(),
    locked_until  TIMESTAMPTZ,
    locked_by     TEXT         NOT NULL DEFAULT '',
    attempts      INTEGER      NOT NULL DEFAULT 0,
    max_attempts  INTEGER      NOT NULL DEFAULT 3,
    started_at    TIMESTAMPTZ,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim
    ON jobs (type, priority DESC, created_at ASC)
    WHERE state = 'pending';

CREATE TABLE IF NOT EXISTS dead_letter_queue (
    id              TEXT         PRIMARY KEY,
    original_job_id TEXT         NOT NULL,
    type            TEXT         NOT NULL,
    payload         JSONB        NOT NULL DEFAULT '{}',
    failure_reason  TEXT         NOT NULL,
    failure_details TEXT         NOT NULL DEFAULT '',
    attempts_made   INTEGER      NOT NULL DEFAULT 0,
    reviewed_at     TIMESTAMPTZ,
    resolution      TEXT         NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS health_checks (
    worker_type    TEXT         NOT NULL,
    instance_id    TEXT         NOT NULL,
    status         TEXT         NOT NULL DEFAULT 'ok',
    last_heartbeat TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (worker_type, instance_id)
);
`

// ddlKnowledge returns the knowledge-base DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlKnowledge(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS knowledge_chunks (
    id          TEXT         PRIMARY KEY,
    source_type TEXT         NOT NULL DEFAULT 'doc',
    source_id   TEXT         NOT NULL DEFAULT '',
    content     TEXT         NOT NULL,
    order_index INTEGER      NOT NULL DEFAULT 0,
    language    TEXT         NOT NULL DEFAULT 'en',
    event_ts    TIMESTAMPTZ,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_source
    ON knowledge_chunks (source_type, source_id);

CREATE TABLE IF NOT EXISTS knowledge_embeddings (
    chunk_id   TEXT PRIMARY KEY REFERENCES knowledge_chunks (id) ON DELETE CASCADE,
    embedding  vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_knowledge_embeddings_vec
    ON knowledge_embeddings USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// ─────────────────────────────────────────────────────────────────────────────
// Canon DDL — the fact table the lore checker validates scripts against
// ─────────────────────────────────────────────────────────────────────────────

const ddlCanon = `
CREATE TABLE IF NOT EXISTS canonical_facts (
    id             TEXT             PRIMARY KEY,
    category       TEXT             NOT NULL,
    key            TEXT             NOT NULL,
    value          TEXT             NOT NULL DEFAULT '',
    fact_type      TEXT             NOT NULL DEFAULT 'string',
    min_value      DOUBLE PRECISION,
    max_value      DOUBLE PRECISION,
    allowed_values JSONB            NOT NULL DEFAULT '[]',
    created_at     TIMESTAMPTZ      NOT NULL DEFAULT now(),
    UNIQUE (category, key)
);
`

// Migrate creates or ensures all required database tables and extensions
// exist. It is idempotent and safe to call on every process start.
//
// embeddingDimensions must match the vector model configured for the
// deployment (1024 for mxbai-embed-large or text-embedding-3 down-projected).
// Changing this value after the first migration requires a manual schema
// update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlCatalog,
		ddlPipeline,
		ddlJobs,
		ddlKnowledge(embeddingDimensions),
		ddlCanon,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store migrate: %w", err)
		}
	}
	return nil
}
