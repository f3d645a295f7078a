package api

import "time"

// AgentState is the liveness state a capability agent reports about itself.
type AgentState string

const (
	AgentActive  AgentState = "active"
	AgentIdle    AgentState = "idle"
	AgentWorking AgentState = "working"
	AgentOffline AgentState = "offline"
)

// Agent is an ephemeral registry entry describing one capability agent.
// It is rebuilt continuously from heartbeat broadcasts and is never
// persisted; entries age out when heartbeats go stale.
type Agent struct {
	ID            string
	Type          string
	State         AgentState
	ActiveTasks   int
	LastHeartbeat time.Time
}

// Heartbeat is the periodic liveness broadcast every capability agent
// emits on the shared heartbeats channel.
type Heartbeat struct {
	AgentID     string     `json:"agentId"`
	AgentType   string     `json:"agentType"`
	State       AgentState `json:"status"`
	ActiveTasks int        `json:"currentTaskCount"`
	Timestamp   time.Time  `json:"timestamp"`
}
