package store

import (
	"time"
)

// SegmentState is the lifecycle state of a broadcast segment. Transitions
// follow a fixed DAG enforced by [Store.Transition]; see allowedSources.
type SegmentState string

const (
	StateQueued      SegmentState = "queued"
	StateRetrieving  SegmentState = "retrieving"
	StateGenerating  SegmentState = "generating"
	StateRendering   SegmentState = "rendering"
	StateNormalizing SegmentState = "normalizing"
	StateReady       SegmentState = "ready"
	StateAiring      SegmentState = "airing"
	StateAired       SegmentState = "aired"
	StateArchived    SegmentState = "archived"
	StateFailed      SegmentState = "failed"
)

// IsValid reports whether s is a recognised segment state.
func (s SegmentState) IsValid() bool {
	switch s {
	case StateQueued, StateRetrieving, StateGenerating, StateRendering,
		StateNormalizing, StateReady, StateAiring, StateAired, StateArchived, StateFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s is a resting state: no worker will advance the
// segment further without operator or broadcaster action.
func (s SegmentState) IsTerminal() bool {
	switch s {
	case StateReady, StateAiring, StateAired, StateArchived, StateFailed:
		return true
	}
	return false
}

// allowedSources maps each target state to the set of states a segment may
// transition from. Any transition not listed here is rejected.
//
// failed → queued additionally requires retry_count < max_retries and
// increments the counter; [Store.Transition] enforces that in SQL.
var allowedSources = map[SegmentState][]SegmentState{
	StateRetrieving:  {StateQueued},
	StateGenerating:  {StateRetrieving},
	StateRendering:   {StateGenerating},
	StateNormalizing: {StateRendering},
	StateReady:       {StateNormalizing},
	StateAiring:      {StateReady},
	StateAired:       {StateAiring},
	StateArchived:    {StateAired},
	StateFailed:      {StateRetrieving, StateGenerating, StateRendering, StateNormalizing},
	StateQueued:      {StateFailed},
}

// CanTransition reports whether from → to is a legal segment transition,
// ignoring the retry-budget guard on failed → queued.
func CanTransition(from, to SegmentState) bool {
	for _, s := range allowedSources[to] {
		if s == from {
			return true
		}
	}
	return false
}

// ConversationRole is a participant's role in a multi-speaker segment.
type ConversationRole string

const (
	RoleHost     ConversationRole = "host"
	RoleCoHost   ConversationRole = "co-host"
	RoleGuest    ConversationRole = "guest"
	RolePanelist ConversationRole = "panelist"
)

// IsValid reports whether r is a recognised conversation role.
func (r ConversationRole) IsValid() bool {
	switch r {
	case RoleHost, RoleCoHost, RoleGuest, RolePanelist:
		return true
	}
	return false
}

// ValidationStatus is an asset's quality-gate outcome.
type ValidationStatus string

const (
	ValidationPending ValidationStatus = "pending"
	ValidationPassed  ValidationStatus = "passed"
	ValidationFailed  ValidationStatus = "failed"
)

// Voice is a TTS voice model registered with the station. Immutable once
// referenced by a DJ.
type Voice struct {
	ID        string
	Name      string
	ModelID   string // provider voice model identifier, e.g. "en_US-lessac-medium"
	Language  string
	Locale    string
	Gender    string
	Quality   string // provider quality tier: low, medium, high
	Available bool
	CreatedAt time.Time
}

// DJ is an on-air personality. DJs referenced by active programs are never
// deleted; they are soft-deactivated via Active.
type DJ struct {
	ID              string
	Name            string
	Bio             string
	Personality     string
	Specializations []string
	VoiceID         string
	SpeechSpeed     float64 // speaking-rate multiplier in [0.5, 2.0]
	Language        string
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Program is a named show with a format clock and a roster of DJs.
type Program struct {
	ID                 string
	Name               string
	FormatClockID      string
	ConversationFormat string // empty = monologue; e.g. "interview", "panel"
	SchedulingHints    string
	Active             bool
	CreatedAt          time.Time

	// DJs is the ordered roster (populated by catalog loads, not every query).
	DJs []ProgramDJ
}

// ProgramDJ links a DJ to a program with a role and speaking order.
// (program, DJ) pairs are unique.
type ProgramDJ struct {
	ProgramID     string
	DJID          string
	Role          ConversationRole
	SpeakingOrder int

	// DJ is populated on joined loads.
	DJ *DJ
}

// FormatClock is a 3600-second template describing one broadcast hour.
type FormatClock struct {
	ID          string
	Name        string
	Description string
	TotalSec    int // must equal 3600; flagged (not rejected) when it doesn't

	Slots []FormatSlot
}

// FormatSlot is one ordered unit of content within a format clock.
type FormatSlot struct {
	ID          string
	ClockID     string
	SlotType    string // news, culture, tech, interview, music, station_id, …
	DurationSec int
	OrderIndex  int
}

// ScheduleEntry maps a program onto broadcast hours. A nil DayOfWeek means
// daily. Entries where EndTime ≤ StartTime wrap past midnight. Conflicts are
// resolved by Priority descending.
type ScheduleEntry struct {
	ID        string
	ProgramID string
	DayOfWeek *int // 0 = Sunday … 6 = Saturday; nil = every day
	StartTime string // "HH:MM"
	EndTime   string // "HH:MM"
	Priority  int
	Active    bool
}

// Segment is a concrete scheduled instance of a format slot. Created by the
// scheduler in StateQueued and advanced through the state machine by the
// generator and mastering workers.
type Segment struct {
	ID                 string
	ProgramID          string
	SlotType           string
	State              SegmentState
	ScheduledStartTS   time.Time // broadcast instant in the shifted year
	Title              string
	Script             string
	Citations          []Citation
	AssetID            *string
	ConversationFormat string
	ParticipantCount   int
	Language           string
	TargetDurationSec  float64 // slot airtime the script is written for
	DurationSec        float64 // measured length of the rendered audio
	ToneScore          float64
	ToneBreakdown      *ToneBreakdown
	Model              string
	PromptTokens       int
	CompletionTokens   int
	RetryCount         int
	MaxRetries         int
	LastError          string
	IdempotencyKey     *string
	AiredAt            *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Citation records one retrieved knowledge chunk that sourced a script.
type Citation struct {
	ChunkID    string  `json:"chunk_id"`
	FinalScore float64 `json:"final_score"`
}

// ToneBreakdown is the stored outcome of tone analysis.
type ToneBreakdown struct {
	OptimismPct int      `json:"optimism_pct"`
	RealismPct  int      `json:"realism_pct"`
	WonderPct   int      `json:"wonder_pct"`
	Issues      []string `json:"issues,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Participant is one speaker in a multi-voice segment. Deleting the segment
// cascades to its participants.
type Participant struct {
	ID            string
	SegmentID     string
	DJID          string
	Role          ConversationRole
	SpeakingOrder int
	CharacterName string // optional in-script persona; takes precedence over DJ name
	Background    string
}

// Turn is one synthesized utterance in a multi-voice segment. Turn numbers
// are unique per segment.
type Turn struct {
	ID            string
	SegmentID     string
	ParticipantID string
	TurnNumber    int
	SpeakerName   string
	Text          string
	AudioPath     string
	DurationSec   float64
}

// Asset is a stored audio file. Assets deduplicate globally on ContentHash.
type Asset struct {
	ID               string
	StoragePath      string
	FinalPath        string // set by mastering; empty until normalized
	ContentType      string
	ContentHash      string // hex SHA-256 of the raw bytes
	DurationSec      float64
	LoudnessLUFS     float64
	PeakDBFS         float64
	ValidationStatus ValidationStatus
	CreatedAt        time.Time
}

// FactType describes how a canonical fact's value is checked against a
// script.
type FactType string

const (
	// FactString: the canonical value is a fixed phrase (a name, a place).
	FactString FactType = "string"

	// FactNumber: the canonical value is an exact number.
	FactNumber FactType = "number"

	// FactRange: numbers stated about the key must fall in [MinValue, MaxValue].
	FactRange FactType = "range"

	// FactEnum: statements about the key must use one of AllowedValues.
	FactEnum FactType = "enum"
)

// CanonicalFact is one entry in the worldbuilding fact table. (category, key)
// pairs are unique.
type CanonicalFact struct {
	ID            string
	Category      string
	Key           string
	Value         string
	FactType      FactType
	MinValue      *float64
	MaxValue      *float64
	AllowedValues []string
	CreatedAt     time.Time
}

// KnowledgeChunk is a retrievable fragment of the worldbuilding corpus.
type KnowledgeChunk struct {
	ID         string
	SourceType string // "doc" or "event"
	SourceID   string
	Content    string
	OrderIndex int
	Language   string
	EventTS    *time.Time // for event-sourced chunks: when the fictional event occurs
	CreatedAt  time.Time
}

// ChunkResult is a retrieval hit with its cosine distance (lower = closer).
type ChunkResult struct {
	Chunk    KnowledgeChunk
	Distance float64
}

// HealthCheck is a worker liveness row, upserted on every heartbeat.
type HealthCheck struct {
	WorkerType    string
	InstanceID    string
	Status        string
	LastHeartbeat time.Time
}
