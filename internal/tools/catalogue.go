package tools

import "time"

// stateReaders are the read tools whose cached results go stale when an
// entity mutates. Mutations flush them conservatively by name prefix.
var stateReaders = []string{"get_entities", "get_entity", "get_history"}

// RegisterAll registers the full hub tool catalogue with the registry
func RegisterAll(r *Registry) {
	// Read-only tools
	r.MustRegister(Definition{
		Name:        "get_entities",
		Description: "List hub entities and their current states, optionally filtered by domain",
		Kind:        KindRead,
		InputSchema: DomainFilterSchema(),
		CacheTTL:    30 * time.Second,
	}, HandleGetEntities)

	r.MustRegister(Definition{
		Name:        "get_entity",
		Description: "Retrieve one entity's current state and attributes",
		Kind:        KindRead,
		InputSchema: EntityLookupSchema(),
		CacheTTL:    15 * time.Second,
	}, HandleGetEntity)

	r.MustRegister(Definition{
		Name:        "get_history",
		Description: "Fetch an entity's recorded state history over a recent window",
		Kind:        KindRead,
		InputSchema: HistorySchema(),
		CacheTTL:    time.Minute,
	}, HandleGetHistory)

	r.MustRegister(Definition{
		Name:        "get_services",
		Description: "List the services the hub exposes, optionally filtered by domain",
		Kind:        KindRead,
		InputSchema: DomainFilterSchema(),
		CacheTTL:    5 * time.Minute,
	}, HandleGetServices)

	r.MustRegister(Definition{
		Name:        "get_version",
		Description: "Report the hub's software version and build information",
		Kind:        KindRead,
		InputSchema: EmptySchema(),
		CacheTTL:    10 * time.Minute,
	}, relayHandler("get_version"))

	// Mutating tools
	r.MustRegister(Definition{
		Name:        "call_service",
		Description: "Invoke a hub service (e.g. light.turn_on) with optional target and data",
		Kind:        KindWrite,
		InputSchema: ServiceCallSchema(),
		Invalidates: stateReaders,
	}, HandleCallService)

	r.MustRegister(Definition{
		Name:        "set_entity_state",
		Description: "Overwrite an entity's state and attributes directly",
		Kind:        KindWrite,
		InputSchema: SetStateSchema(),
		Invalidates: stateReaders,
	}, HandleSetEntityState)

	// Meta tools
	r.MustRegister(Definition{
		Name:        "restart_hub",
		Description: "Restart the hub process; in-flight automations are interrupted",
		Kind:        KindMeta,
		InputSchema: EmptySchema(),
		// A restart invalidates every cached view, service list included.
		Invalidates: append(append([]string{}, stateReaders...), "get_services", "get_version"),
	}, relayHandler("restart_hub"))
}

// Default returns a registry with the full catalogue registered
func Default() *Registry {
	r := NewRegistry()
	RegisterAll(r)
	return r
}
