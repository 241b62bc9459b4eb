// Package model holds the shared data-model types for CommonTrace traces,
// votes, tags and the relationships between them. These are plain structs;
// persistence lives in internal/store, scoring in internal/rank.
package model

import (
	"time"

	"github.com/google/uuid"
)

// SystemUserID is the reserved contributor for synthesized pattern traces.
var SystemUserID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// TraceStatus is the trust lifecycle state of a trace.
type TraceStatus string

const (
	StatusPending   TraceStatus = "pending"
	StatusValidated TraceStatus = "validated"
)

// TraceType distinguishes contributor-written traces from synthesized ones.
type TraceType string

const (
	TraceTypeEpisodic TraceType = "episodic"
	TraceTypePattern  TraceType = "pattern"
)

// ImpactLevel is a coarse severity/usefulness classification.
type ImpactLevel string

const (
	ImpactCritical ImpactLevel = "critical"
	ImpactHigh     ImpactLevel = "high"
	ImpactNormal   ImpactLevel = "normal"
	ImpactLow      ImpactLevel = "low"
)

// Temperature is the graduated freshness classification maintained by the
// consolidation worker and consumed by search ranking.
type Temperature string

const (
	TemperatureHot    Temperature = "HOT"
	TemperatureWarm   Temperature = "WARM"
	TemperatureCool   Temperature = "COOL"
	TemperatureCold   Temperature = "COLD"
	TemperatureFrozen Temperature = "FROZEN"
)

// VoteType is up or down.
type VoteType string

const (
	VoteUp   VoteType = "up"
	VoteDown VoteType = "down"
)

// RelationshipType enumerates the directed/symmetric edge kinds between traces.
type RelationshipType string

const (
	RelCoRetrieved  RelationshipType = "CO_RETRIEVED"
	RelSupersedes   RelationshipType = "SUPERSEDES"
	RelComplements  RelationshipType = "COMPLEMENTS"
	RelPatternSource RelationshipType = "PATTERN_SOURCE"
	RelAlternativeTo RelationshipType = "ALTERNATIVE_TO"
	RelContradicts   RelationshipType = "CONTRADICTS"
)

// Trace is the unit of knowledge in CommonTrace.
type Trace struct {
	ID             uuid.UUID
	Title          string
	ContextText    string
	SolutionText   string
	ContributorID  uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Embedding             []float32
	SolutionEmbedding     []float32
	ContextEmbedding      []float32
	EmbeddingModelID      string
	EmbeddingModelVersion string

	Status            TraceStatus
	TrustScore        float64
	ConfirmationCount int

	LastRetrievedAt *time.Time
	RetrievalCount  int
	HalfLifeDays    *int
	ValidFrom       *time.Time
	ValidUntil      *time.Time
	ReviewAfter     *time.Time
	WatchCondition  *string

	DepthScore       int
	SomaticIntensity float64
	ImpactLevel      ImpactLevel
	MemoryTemperature *Temperature
	TraceType        TraceType

	ConvergenceClusterID *uuid.UUID
	ConvergenceLevel     *int

	ContextFingerprint map[string]string

	IsFlagged bool
	FlaggedAt *time.Time
	IsStale   bool

	Tags []string

	Metadata map[string]any
}

// Vote is an immutable (user, trace) decision.
type Vote struct {
	UserID  uuid.UUID
	TraceID uuid.UUID
	Type    VoteType
}

// TraceRelationship is a directed (or symmetric, by convention) edge.
type TraceRelationship struct {
	ID         uuid.UUID
	SourceID   uuid.UUID
	TargetID   uuid.UUID
	Type       RelationshipType
	Strength   float64
	UpdatedAt  time.Time
}

// RetrievalLog records one trace appearing in one search response.
type RetrievalLog struct {
	ID              uuid.UUID
	TraceID         uuid.UUID
	SearchSessionID string
	ResultPosition  *int
	RetrievedAt     time.Time
}

// RifShadow tracks a trace that consistently loses to a competitor.
type RifShadow struct {
	LoserID      uuid.UUID
	WinnerID     uuid.UUID
	LossCount    int
	LastObserved time.Time
}

// TagTrend is a rolling-window growth snapshot for one tag.
type TagTrend struct {
	TagName           string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	TraceCountPeriod  int
	TraceCountPrior   int
	GrowthRate        float64
	IsTrending        bool
}

// ConsolidationRunStatus is the terminal or in-flight state of a sleep cycle.
type ConsolidationRunStatus string

const (
	RunRunning   ConsolidationRunStatus = "running"
	RunCompleted ConsolidationRunStatus = "completed"
	RunPartial   ConsolidationRunStatus = "partial"
	RunFailed    ConsolidationRunStatus = "failed"
)

// ConsolidationRun is the audit record for one sleep-cycle execution.
type ConsolidationRun struct {
	ID          uuid.UUID
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      ConsolidationRunStatus
	Stats       map[string]any
}

// SearchResult is one ranked trace returned from the search pipeline.
type SearchResult struct {
	Trace             *Trace
	SimilarityScore    float64
	TrustFactor        float64
	DepthFactor        float64
	DecayFactor        float64
	ContextFactor      float64
	ConvergenceFactor  float64
	TemperatureFactor  float64
	ValidityFactor     float64
	ActivationBoost    float64
	Score              float64
	RelatedTraces      []*TraceRelationship
}
