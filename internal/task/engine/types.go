package engine

import (
	"context"
	"time"

	"github.com/dygje/tgpro/internal/storage"
	"github.com/dygje/tgpro/internal/transport"
)

// Config controls the task engine. The app maps config.task_engine into it.
type Config struct {
	Workers   int
	QueueSize int

	// Retention is how long a terminal task stays in the live index.
	Retention time.Duration
	// ReapSchedule is a cron spec (robfig syntax, descriptors allowed).
	ReapSchedule string
	// UnitDelay is the pause between units of work inside a routine.
	// <= 0 disables it.
	UnitDelay time.Duration
	// FloodTTL is the temporary blacklist period after a flood wait that
	// carries no retry-after hint.
	FloodTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.ReapSchedule == "" {
		c.ReapSchedule = "@every 5m"
	}
	if c.FloodTTL <= 0 {
		c.FloodTTL = time.Hour
	}
	return c
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var allStatuses = []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus accepts any known status name, case-sensitively.
func ParseStatus(v string) (Status, bool) {
	for _, s := range allStatuses {
		if string(s) == v {
			return s, true
		}
	}
	return "", false
}

// Task kinds.
const (
	KindMessageSending    = "message_sending"
	KindBulkMessage       = "bulk_message"
	KindGroupManagement   = "group_management"
	KindSystemMaintenance = "system_maintenance"
)

const (
	cancelledByCaller = "cancelled by caller"
	serviceStopped    = "service stopped"
)

// CreateRequest describes a task to submit.
type CreateRequest struct {
	Kind       string
	Parameters map[string]any
	// Priority (1 highest .. 10 lowest) is stored with the task but does not
	// affect ordering: the queue is FIFO. 0 selects 5.
	Priority int
	// EstimatedDuration overrides the per-kind estimate when > 0.
	EstimatedDuration time.Duration
}

// Snapshot is the externally visible state of a task.
type Snapshot struct {
	ID                  string         `json:"task_id"`
	Kind                string         `json:"task_type"`
	Status              Status         `json:"status"`
	Priority            int            `json:"priority"`
	Parameters          map[string]any `json:"parameters,omitempty"`
	Progress            map[string]any `json:"progress"`
	Results             map[string]any `json:"results"`
	Error               string         `json:"error,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	EstimatedCompletion *time.Time     `json:"estimated_completion"`
}

func (s Snapshot) record() storage.TaskRecord {
	return storage.TaskRecord{
		ID:                  s.ID,
		Kind:                s.Kind,
		Status:              string(s.Status),
		Priority:            s.Priority,
		Parameters:          s.Parameters,
		Progress:            s.Progress,
		Results:             s.Results,
		Error:               s.Error,
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
		EstimatedCompletion: s.EstimatedCompletion,
	}
}

func snapshotFromRecord(r storage.TaskRecord) Snapshot {
	return Snapshot{
		ID:                  r.ID,
		Kind:                r.Kind,
		Status:              Status(r.Status),
		Priority:            r.Priority,
		Parameters:          r.Parameters,
		Progress:            r.Progress,
		Results:             r.Results,
		Error:               r.Error,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
		EstimatedCompletion: r.EstimatedCompletion,
	}
}

// Stats is the engine overview.
type Stats struct {
	TotalTasks   int            `json:"total_tasks"`
	ByStatus     map[string]int `json:"by_status"`
	ByKind       map[string]int `json:"by_type"`
	Running      bool           `json:"running"`
	Workers      int            `json:"max_concurrent_tasks"`
	QueueSize    int            `json:"queue_size"`
	QueueCap     int            `json:"queue_capacity"`
	RunningTasks int            `json:"running_tasks"`
	Reaped       uint64         `json:"reaped_total"`
}

// Collaborators. Any of them may be nil in Deps.

// Store persists task snapshots.
type Store interface {
	UpsertTask(ctx context.Context, r storage.TaskRecord) error
	GetTask(ctx context.Context, id string) (storage.TaskRecord, error)
}

// Broadcaster pushes events to live observers without blocking.
type Broadcaster interface {
	AddTaskUpdate(taskID, status string, progress, results map[string]any)
	AddMonitoringEvent(eventType string, data any)
}

type Limiter interface {
	Acquire(ctx context.Context, class string) error
}

type SafetyGate interface {
	ShouldProceed(op string, volume int, content string, force bool) (bool, []string)
	RecordOutcome(op string, sent, failed int, throttled bool)
}

type Blacklist interface {
	Blocked(ctx context.Context, target string) (bool, error)
	Block(ctx context.Context, target, reason string, ttl time.Duration) error
}

// TemplateSource resolves message templates by id.
type TemplateSource interface {
	Template(id string) (string, bool)
}

// TemplateMap is a static TemplateSource.
type TemplateMap map[string]string

func (m TemplateMap) Template(id string) (string, bool) {
	s, ok := m[id]
	return s, ok
}

// Routine executes one task kind. It reports progress through r and returns
// nil on success. Returning an error fails the task.
type Routine func(r *Run) error

// Validator checks a kind's parameters at submission.
type Validator func(params map[string]any) error

// Estimator returns the expected run time of a task.
type Estimator func(params map[string]any) time.Duration

type handler struct {
	run      Routine
	validate Validator
	estimate Estimator
}

// Deps are the collaborators injected into the engine.
type Deps struct {
	Store     Store
	Hub       Broadcaster
	Platform  transport.Platform
	Limiter   Limiter
	Safety    SafetyGate
	Blacklist Blacklist
	Templates TemplateSource
}
