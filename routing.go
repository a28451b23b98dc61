package main

import (
	"fmt"
	"log"
	"sort"
	"sync"
)

// MatrixEntry is one row of the routing matrix snapshot sent to the
// control plane.
type MatrixEntry struct {
	Online    bool     `json:"online"`
	Muted     bool     `json:"muted"`
	Broadcast bool     `json:"broadcast"`
	Routes    []string `json:"routes"`
	Groups    []string `json:"groups,omitempty"`
}

// RoutingConfig is the exportable snapshot of the routing engine's state.
type RoutingConfig struct {
	Routes    map[string][]string `json:"routes"`
	Broadcast []string            `json:"broadcast"`
	Muted     []string            `json:"muted"`
}

// Router maintains the directed routing multigraph: explicit source→target
// edges, per-source broadcast flags, the muted set, and the group index.
// A single lock guards all state; GetRoutes is the hot path and stays
// O(targets) bounded by the online set.
type Router struct {
	mu        sync.Mutex
	routes    map[string]map[string]struct{}
	broadcast map[string]bool
	muted     map[string]struct{}
	groups    map[string]map[string]struct{}

	maxGroupSize int
	registry     *Registry
}

// NewRouter creates an empty routing engine backed by reg for online-set
// and liveness lookups.
func NewRouter(reg *Registry, maxGroupSize int) *Router {
	return &Router{
		routes:       make(map[string]map[string]struct{}),
		broadcast:    make(map[string]bool),
		muted:        make(map[string]struct{}),
		groups:       make(map[string]map[string]struct{}),
		maxGroupSize: maxGroupSize,
		registry:     reg,
	}
}

// SetRoute adds tgt to src's target set. Self-routing is allowed and is
// the mechanism for server-side echo.
func (rt *Router) SetRoute(src, tgt string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	set, ok := rt.routes[src]
	if !ok {
		set = make(map[string]struct{})
		rt.routes[src] = set
	}
	set[tgt] = struct{}{}
}

// SetMultipleRoutes replaces src's target set with targets.
func (rt *Router) SetMultipleRoutes(src string, targets []string) {
	set := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		set[t] = struct{}{}
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(set) == 0 {
		delete(rt.routes, src)
		return
	}
	rt.routes[src] = set
}

// RemoveRoute removes tgt from src's target set, deleting the entry when
// it becomes empty. Returns whether the route existed.
func (rt *Router) RemoveRoute(src, tgt string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	set, ok := rt.routes[src]
	if !ok {
		return false
	}
	if _, ok := set[tgt]; !ok {
		return false
	}
	delete(set, tgt)
	if len(set) == 0 {
		delete(rt.routes, src)
	}
	return true
}

// ClearRoutes removes all explicit routes from src.
func (rt *Router) ClearRoutes(src string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.routes, src)
}

// EnableBroadcast flags id so its packets reach every other online,
// unmuted endpoint.
func (rt *Router) EnableBroadcast(id string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.broadcast[id] = true
}

// DisableBroadcast clears src's broadcast flag.
func (rt *Router) DisableBroadcast(id string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.broadcast, id)
}

// Mute excludes id from being a source or destination of any route.
func (rt *Router) Mute(id string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.muted[id] = struct{}{}
}

// Unmute restores id to normal routing.
func (rt *Router) Unmute(id string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.muted, id)
}

// IsMuted reports whether id is muted.
func (rt *Router) IsMuted(id string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	_, ok := rt.muted[id]
	return ok
}

// CreateBidirectional routes a→b and b→a.
func (rt *Router) CreateBidirectional(a, b string) {
	rt.SetRoute(a, b)
	rt.SetRoute(b, a)
}

// CreateConference fully meshes ids: every member routes to every other.
// Fails when the set exceeds the configured group size bound.
func (rt *Router) CreateConference(ids []string) error {
	if rt.maxGroupSize > 0 && len(ids) > rt.maxGroupSize {
		return fmt.Errorf("conference of %d exceeds max group size %d", len(ids), rt.maxGroupSize)
	}
	for _, src := range ids {
		targets := make([]string, 0, len(ids)-1)
		for _, tgt := range ids {
			if tgt != src {
				targets = append(targets, tgt)
			}
		}
		rt.SetMultipleRoutes(src, targets)
	}
	return nil
}

// CreateGroup binds members under a named group. Members of a group hear
// each other without explicit routes.
func (rt *Router) CreateGroup(id string, members []string) error {
	if rt.maxGroupSize > 0 && len(members) > rt.maxGroupSize {
		return fmt.Errorf("group of %d exceeds max group size %d", len(members), rt.maxGroupSize)
	}
	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(set) == 0 {
		delete(rt.groups, id)
		return nil
	}
	rt.groups[id] = set
	return nil
}

// DeleteGroup removes a group binding. Returns whether the group existed.
func (rt *Router) DeleteGroup(id string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	_, ok := rt.groups[id]
	delete(rt.groups, id)
	return ok
}

// Groups returns a snapshot of all group bindings.
func (rt *Router) Groups() map[string][]string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make(map[string][]string, len(rt.groups))
	for id, members := range rt.groups {
		list := make([]string, 0, len(members))
		for m := range members {
			list = append(list, m)
		}
		sort.Strings(list)
		out[id] = list
	}
	return out
}

// GetRoutes returns the effective target set for src, in order:
// a muted source has no targets; a broadcasting source reaches every other
// online, unmuted endpoint; otherwise the union of explicit routes and
// group co-members, minus muted destinations. Result ordering is
// unspecified.
func (rt *Router) GetRoutes(src string) []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.effectiveRoutes(src)
}

// effectiveRoutes computes GetRoutes under rt.mu.
func (rt *Router) effectiveRoutes(src string) []string {
	if _, ok := rt.muted[src]; ok {
		return nil
	}

	if rt.broadcast[src] {
		online := rt.registry.Online()
		out := make([]string, 0, len(online))
		for _, id := range online {
			if id == src {
				continue
			}
			if _, ok := rt.muted[id]; ok {
				continue
			}
			out = append(out, id)
		}
		return out
	}

	seen := make(map[string]struct{})
	var out []string
	for tgt := range rt.routes[src] {
		if _, ok := rt.muted[tgt]; ok {
			continue
		}
		if _, dup := seen[tgt]; dup {
			continue
		}
		seen[tgt] = struct{}{}
		out = append(out, tgt)
	}
	for _, members := range rt.groups {
		if _, in := members[src]; !in {
			continue
		}
		for tgt := range members {
			if tgt == src {
				continue
			}
			if _, ok := rt.muted[tgt]; ok {
				continue
			}
			if _, dup := seen[tgt]; dup {
				continue
			}
			seen[tgt] = struct{}{}
			out = append(out, tgt)
		}
	}
	return out
}

// groupsContaining returns the ids of groups that include id, under rt.mu.
func (rt *Router) groupsContaining(id string) []string {
	var out []string
	for gid, members := range rt.groups {
		if _, ok := members[id]; ok {
			out = append(out, gid)
		}
	}
	sort.Strings(out)
	return out
}

// RoutingMatrix exports a per-endpoint snapshot for the control plane.
func (rt *Router) RoutingMatrix() map[string]MatrixEntry {
	endpoints := rt.registry.List()
	rt.mu.Lock()
	defer rt.mu.Unlock()

	out := make(map[string]MatrixEntry, len(endpoints))
	for _, ep := range endpoints {
		_, muted := rt.muted[ep.ID]
		routes := rt.effectiveRoutes(ep.ID)
		if routes == nil {
			routes = []string{}
		}
		out[ep.ID] = MatrixEntry{
			Online:    ep.Online,
			Muted:     muted,
			Broadcast: rt.broadcast[ep.ID],
			Routes:    routes,
			Groups:    rt.groupsContaining(ep.ID),
		}
	}
	return out
}

// ApplyScenario sets routes over the current online set according to a
// named preset. Unknown names are an error; "clear" wipes all state.
func (rt *Router) ApplyScenario(name string) error {
	online := rt.registry.Online()
	sort.Strings(online)

	switch name {
	case "clear":
		rt.Clear()
		return nil
	case "all-to-all":
		return rt.CreateConference(online)
	case "pairs":
		for i := 0; i+1 < len(online); i += 2 {
			rt.CreateBidirectional(online[i], online[i+1])
		}
		return nil
	case "chain":
		for i := 0; i+1 < len(online); i++ {
			rt.SetRoute(online[i], online[i+1])
		}
		return nil
	case "hub":
		if len(online) == 0 {
			return nil
		}
		hub := online[0]
		for _, id := range online[1:] {
			rt.CreateBidirectional(hub, id)
		}
		return nil
	default:
		return fmt.Errorf("unknown scenario %q", name)
	}
}

// Clear wipes all routes, broadcast flags, mutes, and groups.
func (rt *Router) Clear() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.routes = make(map[string]map[string]struct{})
	rt.broadcast = make(map[string]bool)
	rt.muted = make(map[string]struct{})
	rt.groups = make(map[string]map[string]struct{})
}

// Export returns a snapshot of routes, broadcast flags, and the muted set.
// Group bindings are runtime-only and not part of the exported config.
func (rt *Router) Export() RoutingConfig {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	cfg := RoutingConfig{
		Routes:    make(map[string][]string, len(rt.routes)),
		Broadcast: []string{},
		Muted:     []string{},
	}
	for src, set := range rt.routes {
		targets := make([]string, 0, len(set))
		for tgt := range set {
			targets = append(targets, tgt)
		}
		sort.Strings(targets)
		cfg.Routes[src] = targets
	}
	for id, on := range rt.broadcast {
		if on {
			cfg.Broadcast = append(cfg.Broadcast, id)
		}
	}
	for id := range rt.muted {
		cfg.Muted = append(cfg.Muted, id)
	}
	sort.Strings(cfg.Broadcast)
	sort.Strings(cfg.Muted)
	return cfg
}

// Import replaces the engine's state with cfg. The import clears first and
// then applies; if an entry is invalid the engine is left cleared rather
// than partially restored.
func (rt *Router) Import(cfg RoutingConfig) error {
	rt.Clear()
	for src, targets := range cfg.Routes {
		if src == "" {
			rt.Clear()
			return fmt.Errorf("import: empty source id")
		}
		for _, tgt := range targets {
			if tgt == "" {
				rt.Clear()
				return fmt.Errorf("import: empty target for source %q", src)
			}
			rt.SetRoute(src, tgt)
		}
	}
	for _, id := range cfg.Broadcast {
		rt.EnableBroadcast(id)
	}
	for _, id := range cfg.Muted {
		rt.Mute(id)
	}
	log.Printf("[routing] imported %d sources, %d broadcast, %d muted",
		len(cfg.Routes), len(cfg.Broadcast), len(cfg.Muted))
	return nil
}
