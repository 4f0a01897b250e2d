// Package registry holds the set of CognitiveNode definitions the kernel
// knows about: static metadata (category, cost class, triggers, policy)
// plus the small amount of mutable admin state (enabled, priority override,
// suspended-until) layered on top.
package registry

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumenhearth/cogkernel/internal/kernelerrors"
	"github.com/lumenhearth/cogkernel/internal/store"
	"github.com/lumenhearth/cogkernel/internal/types"
)

// entry bundles a node's static definition with its mutable admin overlay.
// Only the admin-write path (under mu) touches entry directly; all reads go
// through the immutable Snapshot map published by publish.
type entry struct {
	node             types.CognitiveNode
	enabled          bool
	priorityOverride *types.Priority
	suspendedUntil   time.Time
}

func (e *entry) effectivePriority() types.Priority {
	if e.priorityOverride != nil {
		return *e.priorityOverride
	}
	return e.node.Priority
}

// Snapshot is the read-only view of one registered node, combining static
// metadata with its admin overlay as of the last published write.
type Snapshot struct {
	Node              types.CognitiveNode
	EffectivePriority types.Priority
	Enabled           bool
	SuspendedUntil    time.Time
}

func (s Snapshot) suspended(now time.Time) bool {
	return !s.SuspendedUntil.IsZero() && now.Before(s.SuspendedUntil)
}

// Registry is the NodeRegistry: mutated only by the admin path under a
// short mutex; reads (Dispatchable, Get, List) are lock-free, served from
// an atomically-swapped immutable snapshot map, the same pattern statebus.Bus
// uses for GlobalState.
type Registry struct {
	mu      sync.Mutex // serializes admin writes; read path never takes this
	entries map[string]*entry
	store   store.Store

	snapshot atomic.Pointer[map[string]Snapshot]
}

// New creates an empty Registry, optionally backed by st for persisting
// admin overrides across restarts.
func New(st store.Store) *Registry {
	r := &Registry{entries: make(map[string]*entry), store: st}
	empty := make(map[string]Snapshot)
	r.snapshot.Store(&empty)
	return r
}

// Register adds node to the registry. Calling Register again with the same
// ID and an identical definition is a no-op; calling it with a different
// definition under an already-registered ID is an error — node
// registration happens once at startup from config, so a collision here
// indicates a config bug, not a runtime race to tolerate.
func (r *Registry) Register(node types.CognitiveNode) error {
	if node.ID == "" {
		return kernelerrors.New(kernelerrors.KindConfig, "node id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[node.ID]; ok {
		if reflect.DeepEqual(existing.node, node) {
			return nil
		}
		return kernelerrors.New(kernelerrors.KindConfig, "duplicate node id: "+node.ID)
	}

	r.entries[node.ID] = &entry{node: node, enabled: node.Enabled}
	r.publish()
	return nil
}

func (r *Registry) get(id string) (*entry, error) {
	e, ok := r.entries[id]
	if !ok {
		return nil, kernelerrors.New(kernelerrors.KindInvariantViolation, "unknown node id: "+id).WithNode(id)
	}
	return e, nil
}

// SetEnabled toggles whether a node participates in trigger evaluation.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.get(id)
	if err != nil {
		return err
	}
	e.enabled = enabled
	r.publish()
	return r.persist(ctx, id, e)
}

// OverridePriority sets an admin-assigned priority that takes precedence
// over the node's configured default. Passing nil clears the override.
func (r *Registry) OverridePriority(ctx context.Context, id string, priority *types.Priority) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.get(id)
	if err != nil {
		return err
	}
	e.priorityOverride = priority
	r.publish()
	return r.persist(ctx, id, e)
}

// SuspendUntil prevents a node from being dispatched until t. A zero time
// clears any existing suspension.
func (r *Registry) SuspendUntil(ctx context.Context, id string, t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.get(id)
	if err != nil {
		return err
	}
	e.suspendedUntil = t
	r.publish()
	return r.persist(ctx, id, e)
}

// Dispatchable reports whether id is currently enabled and not suspended,
// along with its effective priority. Lock-free: served from the published
// snapshot, never touches mu.
func (r *Registry) Dispatchable(id string, now time.Time) (types.Priority, bool) {
	snap := *r.snapshot.Load()
	s, ok := snap[id]
	if !ok || !s.Enabled || s.suspended(now) {
		return types.PriorityIdle, false
	}
	return s.EffectivePriority, true
}

// Get returns the current Snapshot for id. Lock-free.
func (r *Registry) Get(id string) (Snapshot, error) {
	snap := *r.snapshot.Load()
	s, ok := snap[id]
	if !ok {
		return Snapshot{}, kernelerrors.New(kernelerrors.KindInvariantViolation, "unknown node id: "+id).WithNode(id)
	}
	return s, nil
}

// List returns every registered node, sorted by category then ID for a
// stable admin listing. Lock-free.
func (r *Registry) List() []Snapshot {
	snap := *r.snapshot.Load()
	out := make([]Snapshot, 0, len(snap))
	for _, s := range snap {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Node.Category != out[j].Node.Category {
			return out[i].Node.Category < out[j].Node.Category
		}
		return out[i].Node.ID < out[j].Node.ID
	})
	return out
}

// publish rebuilds the immutable snapshot map from entries and atomically
// swaps it in. Callers must hold mu.
func (r *Registry) publish() {
	next := make(map[string]Snapshot, len(r.entries))
	for id, e := range r.entries {
		next[id] = Snapshot{
			Node:              e.node,
			EffectivePriority: e.effectivePriority(),
			Enabled:           e.enabled,
			SuspendedUntil:    e.suspendedUntil,
		}
	}
	r.snapshot.Store(&next)
}

func (r *Registry) persist(ctx context.Context, id string, e *entry) error {
	if r.store == nil {
		return nil
	}
	payload, err := marshalOverride(e)
	if err != nil {
		return kernelerrors.Wrap(kernelerrors.KindPersistence, "registry: marshal override", err)
	}
	if err := r.store.SaveNodeOverride(ctx, store.NodeRow{NodeID: id, Payload: payload}); err != nil {
		return kernelerrors.Wrap(kernelerrors.KindPersistence, "registry: save override", err)
	}
	return nil
}

// RestoreOverrides replays persisted admin overlays (enabled, priority
// override, suspended-until) from the store onto already-registered nodes.
// Call after every node has been Register-ed from config.
func (r *Registry) RestoreOverrides(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	rows, err := r.store.LoadNodeOverrides(ctx)
	if err != nil {
		return kernelerrors.Wrap(kernelerrors.KindPersistence, "registry: load overrides", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		e, ok := r.entries[row.NodeID]
		if !ok {
			continue
		}
		ov, err := unmarshalOverride(row.Payload)
		if err != nil {
			return kernelerrors.Wrap(kernelerrors.KindPersistence, "registry: unmarshal override", err)
		}
		e.enabled = ov.Enabled
		e.priorityOverride = ov.PriorityOverride
		e.suspendedUntil = ov.SuspendedUntil
	}
	r.publish()
	return nil
}
