package steward

import (
	"database/sql"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/stewardhq/steward/internal/bus"
	"github.com/stewardhq/steward/internal/dispatch"
	"github.com/stewardhq/steward/internal/engine"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Workflow     = api.Workflow
	WorkflowType = api.WorkflowType
	Task         = api.Task
	TaskInput    = api.TaskInput
	TaskOutput   = api.TaskOutput
	TaskError    = api.TaskError
	Outcome      = api.Outcome
	Status       = api.Status
	Agent        = api.Agent
	Heartbeat    = api.Heartbeat
	Envelope     = api.Envelope
	Notification = api.Notification
	Observer     = api.Observer

	LoggingObserver   = api.LoggingObserver
	CompositeObserver = api.CompositeObserver
	NoopObserver      = api.NoopObserver
)

// Re-export the request types the Runtime's components take.

type (
	CreateRequest     = engine.CreateRequest
	CreateTaskRequest = dispatch.CreateTaskRequest

	// Store persists workflows and tasks. Bus carries assignments,
	// results, heartbeats, and notifications.
	Store = store.Store
	Bus   = bus.Bus

	// Strategy selects among available agents at dispatch time.
	Strategy = dispatch.Strategy

	FirstAvailable = dispatch.FirstAvailable
	LeastLoaded    = dispatch.LeastLoaded
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewRoundRobin        = dispatch.NewRoundRobin
)

// Re-export status and workflow type values for convenience.

const (
	StatusPending   = api.StatusPending
	StatusRunning   = api.StatusRunning
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
	StatusCancelled = api.StatusCancelled

	WorkflowAppointmentBooking    = api.WorkflowAppointmentBooking
	WorkflowRestaurantReservation = api.WorkflowRestaurantReservation
	WorkflowGeneralQuery          = api.WorkflowGeneralQuery
)

// Store and bus constructors. These wrap the internal packages so
// external callers never need to import them.

// NewInMemoryStore returns a non-durable store, best for tests and local
// development.
func NewInMemoryStore() store.Store {
	return store.NewInMemoryStore()
}

// NewSQLiteStore returns a store persisting workflows and tasks in the
// given SQLite database, creating the schema if needed.
func NewSQLiteStore(db *sql.DB) (store.Store, error) {
	return store.NewSQLiteStore(db)
}

// NewPostgresStore returns a store persisting workflows and tasks in
// PostgreSQL, creating the schema if needed.
func NewPostgresStore(db *sql.DB) (store.Store, error) {
	return store.NewPostgresStore(db)
}

// NewInMemoryBus returns a process-local bus. Subscribers lagging behind
// the buffer lose messages, matching the at-most-once contract.
func NewInMemoryBus() bus.Bus {
	return bus.NewInMemoryBus(256)
}

// NewRedisBus returns a bus backed by Redis pub/sub for multi-process
// deployments.
func NewRedisBus(client *redis.Client, logger *slog.Logger) bus.Bus {
	return bus.NewRedisBus(client, logger)
}
