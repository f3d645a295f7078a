package engine

import (
	"time"

	"github.com/stewardhq/steward/pkg/api"
)

// Agent types the built-in stage catalogs dispatch to. Capability agents
// register for one of these via their heartbeats.
const (
	AgentTypeSearch  = "search"
	AgentTypeCall    = "call"
	AgentTypeBooking = "booking"
)

// stage is one step of a workflow type's fixed sequence. Each stage runs
// as a single task dispatched to an agent of the given type.
type stage struct {
	Name      string
	AgentType string
	Action    string
	Timeout   time.Duration
}

// stageCatalog maps each workflow type to its ordered stage sequence.
// Placing a call is by far the slowest stage; it gets a wider timeout.
var stageCatalog = map[api.WorkflowType][]stage{
	api.WorkflowAppointmentBooking: {
		{Name: "find_places", AgentType: AgentTypeSearch, Action: "find_places", Timeout: 30 * time.Second},
		{Name: "place_call", AgentType: AgentTypeCall, Action: "place_call", Timeout: 3 * time.Minute},
		{Name: "confirm_booking", AgentType: AgentTypeBooking, Action: "confirm_booking", Timeout: 30 * time.Second},
	},
	api.WorkflowRestaurantReservation: {
		{Name: "search_restaurant", AgentType: AgentTypeSearch, Action: "search_restaurant", Timeout: 30 * time.Second},
		{Name: "place_call", AgentType: AgentTypeCall, Action: "place_call", Timeout: 3 * time.Minute},
		{Name: "confirm_booking", AgentType: AgentTypeBooking, Action: "confirm_booking", Timeout: 30 * time.Second},
	},
	api.WorkflowGeneralQuery: {
		{Name: "resolve_query", AgentType: AgentTypeSearch, Action: "resolve_query", Timeout: 30 * time.Second},
	},
}

// Stages returns the stage names a workflow type runs through, in order.
// Returns nil for unknown types.
func Stages(t api.WorkflowType) []string {
	catalog, ok := stageCatalog[t]
	if !ok {
		return nil
	}
	names := make([]string, len(catalog))
	for i, s := range catalog {
		names[i] = s.Name
	}
	return names
}

// basePriority is the default priority per intent class when the caller
// does not supply one. Booking flows involve live calls and outrank
// informational queries.
var basePriority = map[api.WorkflowType]int{
	api.WorkflowAppointmentBooking:    6,
	api.WorkflowRestaurantReservation: 5,
	api.WorkflowGeneralQuery:          3,
}
