// Package steward provides an embeddable task-orchestration engine for Go.
//
// Steward coordinates multi-step workflows whose individual steps are
// executed by out-of-process capability agents — search providers, voice
// call providers, booking providers — reachable only through a message
// bus. It runs fully in Go, supports multiple persistence backends, and
// integrates cleanly into existing services.
//
// # Core Concepts
//
// The Steward programming model is intentionally small:
//
//  1. Workflow
//  2. Task
//  3. Dispatcher
//  4. Registry
//  5. Monitor
//
// # Workflow
//
// A Workflow is a durable record of one end-to-end process: an
// appointment booking, a restaurant reservation, or a general query. Each
// workflow type runs through a fixed, ordered stage sequence; each stage
// becomes one Task dispatched to an agent of the matching type.
//
// Workflows and tasks share one state machine:
//
//	PENDING -> RUNNING -> {COMPLETED | FAILED}
//	PENDING | RUNNING -> CANCELLED
//
// Terminal records never mutate again and are removed by retention
// cleanup.
//
// # Task
//
// A Task carries the action, parameters, and call context an agent needs,
// plus dependency ids: a task never leaves PENDING until every task it
// depends on has COMPLETED. Assignment uses conditional status updates, so
// two orchestrator instances can share one store without double-dispatch.
//
// # Dispatcher
//
// The Dispatcher binds tasks to live agents. It queries the Registry for
// candidates, applies a pluggable selection strategy, stamps the
// assignment with a conditional PENDING -> RUNNING update, and publishes
// an assignment envelope on the agent type's bus channel. Its
// AwaitCompletion operation blocks on a per-task completion future (with
// a poll fallback for writes made by other instances) up to a bounded
// timeout.
//
// # Registry
//
// The Registry is an in-memory, eventually consistent view of agent
// liveness, rebuilt continuously from heartbeat broadcasts. Agents that
// are offline or at their concurrency ceiling are never dispatched to;
// stale agents are warned about, then evicted and handed to a restart
// hook.
//
// # Monitor
//
// The Monitor is a background sweep over workflows stuck in RUNNING past
// a threshold. Stuck tasks with retries left and a live agent are reset
// to PENDING and redispatched with exponential backoff; otherwise the
// workflow fails with a recovery error. The sweep also purges terminal
// records past the retention window.
//
// # Storage backends
//
// Runtimes can be backed by different stores:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//
// and by an in-memory bus (single process) or Redis pub/sub
// (multi-process).
//
// # Quick start
//
//	rt := steward.NewInMemoryRuntime(steward.Options{})
//	rt.Start(ctx)
//	defer rt.Stop()
//
//	wf, err := rt.Engine.Create(ctx, steward.CreateRequest{
//	    Type:      steward.WorkflowRestaurantReservation,
//	    Title:     "Dinner at Luigi's",
//	    SessionID: "session-1",
//	    Context: map[string]any{
//	        "date": "2026-09-01", "time": "19:30", "party_size": 4,
//	    },
//	})
//
// Progress is observable through the store, the session notification
// channel, and an optional Observer.
package steward
