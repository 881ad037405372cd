// Package catalog defines the engine's public domain types: workflow
// definitions, steps, asset declarations, runs, and the entities derived
// from them. These are the strongly-typed structs that flow between
// internal/dag, internal/orchestrator, internal/executor, internal/assets
// and internal/store; user-authored JSON payloads are kept as
// json.RawMessage so they round-trip without reshaping.
package catalog

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a WorkflowRun.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Terminal reports whether status is one a run never leaves.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle state of a WorkflowRunStep.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether status is one a step never leaves.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// StepKind distinguishes the three step variants the DAG can contain.
type StepKind string

const (
	StepKindJob     StepKind = "job"
	StepKindService StepKind = "service"
	StepKindFanOut  StepKind = "fanout"
)

// BackoffStrategy selects how RetryPolicy computes the delay between
// attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryPolicy governs re-attempts of a single step.
type RetryPolicy struct {
	MaxAttempts    int             `json:"maxAttempts" yaml:"maxAttempts"`
	Backoff        BackoffStrategy `json:"backoff" yaml:"backoff"`
	InitialDelayMs int64           `json:"initialDelayMs" yaml:"initialDelayMs"`
	MaxDelayMs     int64           `json:"maxDelayMs" yaml:"maxDelayMs"`
}

// Delay returns the backoff delay before the given 1-indexed attempt number,
// capped at MaxDelayMs.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	initial := p.InitialDelayMs
	if initial <= 0 {
		initial = 1
	}
	maxDelay := p.MaxDelayMs
	if maxDelay <= 0 {
		maxDelay = initial
	}

	var ms int64
	switch p.Backoff {
	case BackoffExponential:
		ms = initial
		for i := 1; i < attempt-1; i++ {
			ms *= 2
			if ms >= maxDelay {
				ms = maxDelay
				break
			}
		}
	default:
		ms = initial
	}
	if ms > maxDelay {
		ms = maxDelay
	}
	return time.Duration(ms) * time.Millisecond
}

// BundleStrategy selects how a Job step resolves its bundle version.
type BundleStrategy string

const (
	BundleStrategyLatest  BundleStrategy = "latest"
	BundleStrategyPinned  BundleStrategy = "pinned"
)

// BundleBinding identifies the job bundle a Job step executes.
type BundleBinding struct {
	Strategy   BundleStrategy `json:"strategy" yaml:"strategy"`
	Slug       string         `json:"slug" yaml:"slug"`
	Version    string         `json:"version,omitempty" yaml:"version,omitempty"`
	ExportName string         `json:"exportName,omitempty" yaml:"exportName,omitempty"`
}

// RequestTemplate is the templated HTTP-style request a Service step issues.
type RequestTemplate struct {
	Method  string            `json:"method" yaml:"method"`
	Path    string            `json:"path" yaml:"path"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty" yaml:"body,omitempty"`
}

// AssetDirection distinguishes whether a step produces or consumes an asset.
type AssetDirection string

const (
	AssetProduces AssetDirection = "produces"
	AssetConsumes AssetDirection = "consumes"
)

// PartitionGranularity enumerates the supported time-window bucket sizes.
type PartitionGranularity string

const (
	GranularityHour  PartitionGranularity = "hour"
	GranularityDay   PartitionGranularity = "day"
	GranularityWeek  PartitionGranularity = "week"
	GranularityMonth PartitionGranularity = "month"
)

// PartitionType selects which of the three Partitioning shapes applies.
type PartitionType string

const (
	PartitionStatic     PartitionType = "static"
	PartitionTimeWindow PartitionType = "timeWindow"
	PartitionDynamic    PartitionType = "dynamic"
)

// Partitioning describes how an asset's materializations are sliced.
// Exactly one of the type-specific fields is meaningful, selected by Type.
type Partitioning struct {
	Type PartitionType `json:"type" yaml:"type"`

	// Static
	Keys []string `json:"keys,omitempty" yaml:"keys,omitempty"`

	// TimeWindow
	Granularity     PartitionGranularity `json:"granularity,omitempty" yaml:"granularity,omitempty"`
	Timezone        string               `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	Format          string               `json:"format,omitempty" yaml:"format,omitempty"`
	LookbackWindows int                  `json:"lookbackWindows,omitempty" yaml:"lookbackWindows,omitempty"`

	// Dynamic
	MaxKeys       int `json:"maxKeys,omitempty" yaml:"maxKeys,omitempty"`
	RetentionDays int `json:"retentionDays,omitempty" yaml:"retentionDays,omitempty"`
}

// FreshnessPolicy describes how stale a materialization may become before
// it is considered out of date for auto-materialization purposes.
type FreshnessPolicy struct {
	MaxAgeMs int64 `json:"maxAgeMs,omitempty" yaml:"maxAgeMs,omitempty"`
}

// AutoMaterializePolicy controls whether the trigger dispatcher enqueues
// runs automatically when upstream assets change.
type AutoMaterializePolicy struct {
	Enabled     bool  `json:"enabled" yaml:"enabled"`
	OnUpstreamUpdate bool `json:"onUpstreamUpdate,omitempty" yaml:"onUpstreamUpdate,omitempty"`
}

// AssetDeclaration ties a step to a logical asset it produces or consumes.
type AssetDeclaration struct {
	StepID          string                 `json:"stepId" yaml:"stepId"`
	Direction       AssetDirection         `json:"direction" yaml:"direction"`
	AssetID         string                 `json:"assetId" yaml:"assetId"`
	Schema          json.RawMessage        `json:"schema,omitempty" yaml:"schema,omitempty"`
	Freshness       *FreshnessPolicy       `json:"freshness,omitempty" yaml:"freshness,omitempty"`
	AutoMaterialize *AutoMaterializePolicy `json:"autoMaterialize,omitempty" yaml:"autoMaterialize,omitempty"`
	Partitioning    *Partitioning          `json:"partitioning,omitempty" yaml:"partitioning,omitempty"`
}

// Step is a single node of a workflow definition's DAG. Kind selects which
// of the variant-specific fields apply; the three variants share the common
// fields below.
type Step struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name,omitempty" yaml:"name,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Kind        StepKind `json:"kind" yaml:"kind"`
	DependsOn   []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`

	RetryPolicy *RetryPolicy `json:"retryPolicy,omitempty" yaml:"retryPolicy,omitempty"`
	TimeoutMs   int64        `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`

	Produces []AssetDeclaration `json:"produces,omitempty" yaml:"produces,omitempty"`
	Consumes []AssetDeclaration `json:"consumes,omitempty" yaml:"consumes,omitempty"`

	// Job-kind fields.
	JobSlug string         `json:"jobSlug,omitempty" yaml:"jobSlug,omitempty"`
	Bundle  *BundleBinding `json:"bundle,omitempty" yaml:"bundle,omitempty"`

	// Service-kind fields.
	ServiceSlug     string           `json:"serviceSlug,omitempty" yaml:"serviceSlug,omitempty"`
	Request         *RequestTemplate `json:"request,omitempty" yaml:"request,omitempty"`
	RequireHealthy  bool             `json:"requireHealthy,omitempty" yaml:"requireHealthy,omitempty"`
	AllowDegraded   bool             `json:"allowDegraded,omitempty" yaml:"allowDegraded,omitempty"`
	CaptureResponse bool             `json:"captureResponse,omitempty" yaml:"captureResponse,omitempty"`
	StoreResponseAs string           `json:"storeResponseAs,omitempty" yaml:"storeResponseAs,omitempty"`

	// FanOut-kind fields.
	Collection      string `json:"collection,omitempty" yaml:"collection,omitempty"`
	Template        *Step  `json:"template,omitempty" yaml:"template,omitempty"`
	MaxItems        int    `json:"maxItems,omitempty" yaml:"maxItems,omitempty"`
	MaxConcurrency  int    `json:"maxConcurrency,omitempty" yaml:"maxConcurrency,omitempty"`
	StoreResultsAs  string `json:"storeResultsAs,omitempty" yaml:"storeResultsAs,omitempty"`
}

// TriggerSpec is a workflow-definition-level binding to an event trigger,
// persisted alongside the definition and materialized into an EventTrigger
// row by the trigger dispatcher.
type TriggerSpec struct {
	EventType   string          `json:"eventType" yaml:"eventType"`
	EventSource string          `json:"eventSource,omitempty" yaml:"eventSource,omitempty"`
	Predicate   string          `json:"predicate,omitempty" yaml:"predicate,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// DagMetadata is the compiled form of a WorkflowDefinition's step graph,
// computed by internal/dag and persisted alongside the definition.
type DagMetadata struct {
	Roots             []string            `json:"roots"`
	Order             []string            `json:"order"`
	Adjacency         map[string][]string `json:"adjacency"`
	ReverseAdjacency  map[string][]string `json:"reverseAdjacency"`
	Depth             map[string]int      `json:"depth"`
	FanoutTemplates   map[string]string   `json:"fanoutTemplates"`
}

// WorkflowDefinition is one versioned revision of a workflow graph.
type WorkflowDefinition struct {
	ID                string          `json:"id"`
	Slug              string          `json:"slug"`
	Name              string          `json:"name"`
	Version           int             `json:"version"`
	Description       string          `json:"description,omitempty"`
	Steps             []Step          `json:"steps"`
	Triggers          []TriggerSpec   `json:"triggers,omitempty"`
	ParametersSchema  json.RawMessage `json:"parametersSchema,omitempty"`
	DefaultParameters json.RawMessage `json:"defaultParameters,omitempty"`
	OutputSchema      json.RawMessage `json:"outputSchema,omitempty"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	Dag               DagMetadata     `json:"dag"`

	ScheduleNextRunAt               *time.Time      `json:"scheduleNextRunAt,omitempty"`
	ScheduleLastMaterializedWindow  json.RawMessage `json:"scheduleLastMaterializedWindow,omitempty"`
	ScheduleCatchupCursor           *time.Time      `json:"scheduleCatchupCursor,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TriggerSource distinguishes what caused a WorkflowRun to be created.
type TriggerSource string

const (
	TriggeredByManual    TriggerSource = "manual"
	TriggeredBySchedule  TriggerSource = "schedule"
	TriggeredByEvent     TriggerSource = "event"
	TriggeredByAuto      TriggerSource = "auto"
)

// WorkflowRun is one execution of a WorkflowDefinition.
type WorkflowRun struct {
	ID                   string          `json:"id"`
	WorkflowDefinitionID  string          `json:"workflowDefinitionId"`
	Status                RunStatus       `json:"status"`
	Parameters            json.RawMessage `json:"parameters,omitempty"`
	Context               json.RawMessage `json:"context,omitempty"`
	Output                json.RawMessage `json:"output,omitempty"`
	ErrorMessage          string          `json:"errorMessage,omitempty"`
	CurrentStepID         string          `json:"currentStepId,omitempty"`
	CurrentStepIndex      *int            `json:"currentStepIndex,omitempty"`
	Metrics               json.RawMessage `json:"metrics,omitempty"`
	TriggeredBy           TriggerSource   `json:"triggeredBy,omitempty"`
	Trigger               json.RawMessage `json:"trigger,omitempty"`
	PartitionKey          string          `json:"partitionKey,omitempty"`
	RunKey                string          `json:"runKey,omitempty"`
	RunKeyNormalized      string          `json:"runKeyNormalized,omitempty"`
	ClaimOwner            string          `json:"claimOwner,omitempty"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  *int64     `json:"durationMs,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// WorkflowRunStep is one step's execution record within a run. Fan-out
// children additionally set TemplateStepID, FanoutIndex and ParentStepID.
type WorkflowRunStep struct {
	ID               string     `json:"id"`
	WorkflowRunID    string     `json:"workflowRunId"`
	StepID           string     `json:"stepId"`
	TemplateStepID   string     `json:"templateStepId,omitempty"`
	FanoutIndex      *int       `json:"fanoutIndex,omitempty"`
	ParentStepID     string     `json:"parentStepId,omitempty"`

	Status          StepStatus      `json:"status"`
	Attempt         int             `json:"attempt"`
	RetryCount      int             `json:"retryCount"`
	LastHeartbeatAt *time.Time      `json:"lastHeartbeatAt,omitempty"`
	FailureReason   string          `json:"failureReason,omitempty"`
	Input           json.RawMessage `json:"input,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	JobRunID        string          `json:"jobRunId,omitempty"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// FailureCategory enumerates the recognized step-failure classes used for
// both retry-eligibility decisions and failure-category metrics.
type FailureCategory string

const (
	FailureValidation         FailureCategory = "validation"
	FailureTimeout            FailureCategory = "timeout"
	FailureHeartbeatLost      FailureCategory = "heartbeat_lost"
	FailureHandlerError       FailureCategory = "handler_error"
	FailureUpstreamUnavailable FailureCategory = "upstream_unavailable"
	FailureCanceled           FailureCategory = "canceled"
	FailureUnknown            FailureCategory = "unknown"
)

// Retryable reports whether a step that failed with this category should be
// retried (subject to the step's remaining attempt budget).
func (f FailureCategory) Retryable() bool {
	switch f {
	case FailureTimeout, FailureHeartbeatLost, FailureUpstreamUnavailable:
		return true
	default:
		return false
	}
}

// JobRunStatus is the lifecycle state of a JobRun.
type JobRunStatus string

const (
	JobRunPending   JobRunStatus = "pending"
	JobRunRunning   JobRunStatus = "running"
	JobRunSucceeded JobRunStatus = "succeeded"
	JobRunFailed    JobRunStatus = "failed"
	JobRunCanceled  JobRunStatus = "canceled"
	JobRunExpired   JobRunStatus = "expired"
)

// JobRun is one attempt of a Job step's underlying bundle invocation.
type JobRun struct {
	ID               string          `json:"id"`
	JobDefinitionID  string          `json:"jobDefinitionId"`
	Status           JobRunStatus    `json:"status"`
	Parameters       json.RawMessage `json:"parameters,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Metrics          json.RawMessage `json:"metrics,omitempty"`
	Context          json.RawMessage `json:"context,omitempty"`
	Attempt          int             `json:"attempt"`
	MaxAttempts      int             `json:"maxAttempts"`
	DurationMs       *int64          `json:"durationMs,omitempty"`
	LastHeartbeatAt  *time.Time      `json:"lastHeartbeatAt,omitempty"`
	RetryCount       int             `json:"retryCount"`
	FailureReason    string          `json:"failureReason,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// BundleStatus is the lifecycle state of a JobBundleVersion.
type BundleStatus string

const (
	BundlePublished  BundleStatus = "published"
	BundleDeprecated BundleStatus = "deprecated"
)

// ArtifactStorage selects where a bundle's artifact bytes live.
type ArtifactStorage string

const (
	ArtifactLocal ArtifactStorage = "local"
	ArtifactS3    ArtifactStorage = "s3"
)

// JobBundleVersion is one published (slug, version) artifact.
type JobBundleVersion struct {
	ID                   string          `json:"id"`
	BundleID             string          `json:"bundleId"`
	Slug                 string          `json:"slug"`
	Version              string          `json:"version"`
	Manifest             json.RawMessage `json:"manifest"`
	Checksum             string          `json:"checksum"`
	CapabilityFlags      []string        `json:"capabilityFlags,omitempty"`
	ArtifactStorage      ArtifactStorage `json:"artifactStorage"`
	ArtifactPath         string          `json:"artifactPath"`
	ArtifactContentType  string          `json:"artifactContentType,omitempty"`
	ArtifactSize         int64           `json:"artifactSize,omitempty"`
	Immutable            bool            `json:"immutable"`
	Status               BundleStatus    `json:"status"`
	PublishedBy          string          `json:"publishedBy,omitempty"`
	PublishedByKind      string          `json:"publishedByKind,omitempty"`
	PublishedByTokenHash string          `json:"publishedByTokenHash,omitempty"`
	PublishedAt          time.Time       `json:"publishedAt"`
	DeprecatedAt         *time.Time      `json:"deprecatedAt,omitempty"`
}

// AssetMaterialization is one successful production of an asset partition.
type AssetMaterialization struct {
	ID                   string          `json:"id"`
	WorkflowDefinitionID string          `json:"workflowDefinitionId"`
	WorkflowRunID        string          `json:"workflowRunId"`
	WorkflowRunStepID    string          `json:"workflowRunStepId"`
	StepID               string          `json:"stepId"`
	AssetID              string          `json:"assetId"`
	PartitionKey         string          `json:"partitionKey,omitempty"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	Schema               json.RawMessage `json:"schema,omitempty"`
	Freshness            json.RawMessage `json:"freshness,omitempty"`
	ProducedAt           time.Time       `json:"producedAt"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// AssetStalePartition marks a partition as needing rematerialization.
type AssetStalePartition struct {
	ID                   string    `json:"id"`
	WorkflowDefinitionID string    `json:"workflowDefinitionId"`
	AssetID              string    `json:"assetId"`
	PartitionKey         string    `json:"partitionKey,omitempty"`
	RequestedBy          string    `json:"requestedBy"`
	RequestedAt          time.Time `json:"requestedAt"`
	Note                 string    `json:"note,omitempty"`
}

// PartitionParameterSource distinguishes who set a partition's parameter
// snapshot.
type PartitionParameterSource string

const (
	PartitionParamManual PartitionParameterSource = "manual"
	PartitionParamSystem PartitionParameterSource = "system"
)

// AssetPartitionParameters is a parameter snapshot for one partition.
type AssetPartitionParameters struct {
	ID                   string                    `json:"id"`
	WorkflowDefinitionID string                    `json:"workflowDefinitionId"`
	AssetID              string                    `json:"assetId"`
	PartitionKey         string                    `json:"partitionKey"`
	Parameters           json.RawMessage           `json:"parameters"`
	Source               PartitionParameterSource  `json:"source"`
	CreatedAt            time.Time                 `json:"createdAt"`
	UpdatedAt            time.Time                 `json:"updatedAt"`
}

// AutoMaterializeClaim tracks the auto-materializer's per-partition cooldown
// state so a persistently failing asset backs off instead of retrying every
// poll. Failures accumulates across consecutive CreateRun/dispatch failures
// for this (definition, asset, partition) tuple and resets to zero on the
// next successful launch.
type AutoMaterializeClaim struct {
	ID                   string    `json:"id"`
	WorkflowDefinitionID string    `json:"workflowDefinitionId"`
	AssetID              string    `json:"assetId"`
	PartitionKey         string    `json:"partitionKey,omitempty"`
	WorkflowRunID        string    `json:"workflowRunId,omitempty"`
	Failures             int       `json:"failures"`
	NextEligibleAt       time.Time `json:"nextEligibleAt"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// Schedule is a cron-driven run-creation policy for a WorkflowDefinition.
type Schedule struct {
	ID                   string     `json:"id"`
	WorkflowDefinitionID string     `json:"workflowDefinitionId"`
	Cron                 string     `json:"cron"`
	Timezone             string     `json:"timezone,omitempty"`
	StartWindow          *time.Time `json:"startWindow,omitempty"`
	EndWindow            *time.Time `json:"endWindow,omitempty"`
	CatchUp              bool       `json:"catchUp"`

	NextRunAt                *time.Time      `json:"nextRunAt,omitempty"`
	LastMaterializedWindow   json.RawMessage `json:"lastMaterializedWindow,omitempty"`
	CatchupCursor            *time.Time      `json:"catchupCursor,omitempty"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DeliveryStatus is the lifecycle state of a TriggerDelivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryMatched   DeliveryStatus = "matched"
	DeliveryThrottled DeliveryStatus = "throttled"
	DeliverySkipped   DeliveryStatus = "skipped"
	DeliveryLaunched  DeliveryStatus = "launched"
	DeliveryFailed    DeliveryStatus = "failed"
)

// EventTrigger binds a workflow definition to an inbound event pattern.
type EventTrigger struct {
	ID                   string     `json:"id"`
	WorkflowDefinitionID string     `json:"workflowDefinitionId"`
	EventType            string     `json:"eventType"`
	EventSource          string     `json:"eventSource,omitempty"`
	Predicate            string     `json:"predicate,omitempty"`
	ThrottleMs           int64      `json:"throttleMs,omitempty"`
	FailureThreshold     int        `json:"failureThreshold,omitempty"`
	Paused               bool       `json:"paused"`
	PausedReason         string     `json:"pausedReason,omitempty"`
	PausedUntil          *time.Time `json:"pausedUntil,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// TriggerDelivery is one evaluation of an EventTrigger against a received
// event.
type TriggerDelivery struct {
	ID             string          `json:"id"`
	EventTriggerID string          `json:"eventTriggerId"`
	EventID        string          `json:"eventId"`
	EventSource    string          `json:"eventSource,omitempty"`
	Status         DeliveryStatus  `json:"status"`
	WorkflowRunID  string          `json:"workflowRunId,omitempty"`
	Error          string          `json:"error,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// HistoryEventType enumerates append-only execution-history event kinds.
type HistoryEventType string

const (
	EventRunCreated     HistoryEventType = "run.created"
	EventRunStarted     HistoryEventType = "run.started"
	EventRunCompleted   HistoryEventType = "run.completed"
	EventStepStarted    HistoryEventType = "step.started"
	EventStepHeartbeat  HistoryEventType = "step.heartbeat"
	EventStepCompleted  HistoryEventType = "step.completed"
	EventStepFailed     HistoryEventType = "step.failed"
	EventStepRetrying   HistoryEventType = "step.retrying"
	EventStepSkipped    HistoryEventType = "step.skipped"
	EventFanoutExpanded HistoryEventType = "fanout.expanded"
	EventAssetMaterialized HistoryEventType = "asset.materialized"
	EventAssetStaleMarked  HistoryEventType = "asset.stale_marked"
	EventAssetStaleCleared HistoryEventType = "asset.stale_cleared"
)

// ExecutionHistory is one append-only lifecycle-transition record.
type ExecutionHistory struct {
	ID                string           `json:"id"`
	WorkflowRunID     string           `json:"workflowRunId"`
	WorkflowRunStepID string           `json:"workflowRunStepId,omitempty"`
	StepID            string           `json:"stepId,omitempty"`
	EventType         HistoryEventType `json:"eventType"`
	EventPayload      json.RawMessage  `json:"eventPayload,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
}

// AuditLog is one append-only operator/system action record.
type AuditLog struct {
	ID        string          `json:"id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Resource  string          `json:"resource"`
	Status    string          `json:"status"`
	Scopes    []string        `json:"scopes,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}
