// Package graph implements the in-memory identity graph: a directed
// multigraph of principals, groups, roles, policies and resources, with the
// bounded traversals the detection engine runs on it.
package graph

import (
	"fmt"
	"sort"
	"sync"
)

// NodeKind categorizes identity graph nodes.
type NodeKind string

const (
	KindUser     NodeKind = "user"
	KindGroup    NodeKind = "group"
	KindRole     NodeKind = "role"
	KindPolicy   NodeKind = "policy"
	KindResource NodeKind = "resource"
	KindService  NodeKind = "service"
)

// EdgeKind categorizes relationships between nodes.
type EdgeKind string

const (
	EdgeMemberOf     EdgeKind = "member_of"     // principal belongs to group
	EdgeHasPolicy    EdgeKind = "has_policy"    // principal/group governed by policy
	EdgeCanAssume    EdgeKind = "can_assume"    // principal may obtain role credentials
	EdgeAllowsAction EdgeKind = "allows_action" // policy grants a privileged action
	EdgeTrusts       EdgeKind = "trusts"        // role's trust policy trusts principal
	EdgeOwns         EdgeKind = "owns"          // administrative resource ownership
)

// AttrAction is the attribute key carrying the specific privileged action on
// allows_action edges (e.g. "iam:PassRole").
const AttrAction = "action"

// Privilege level bounds.
const (
	PrivilegeMin = 0
	PrivilegeMax = 100
)

// Node is an identity graph node. Nodes are created by the ingester and
// replaced wholesale on re-ingest; detection and response never mutate them.
type Node struct {
	ID             string            `json:"id"`
	Kind           NodeKind          `json:"kind"`
	Name           string            `json:"name"`
	PrivilegeLevel int               `json:"privilege_level"`
	Attrs          map[string]string `json:"attrs,omitempty"`
}

// Edge is a directed, typed edge. The multigraph permits several edges of
// different kinds (or allows_action edges with different actions) between the
// same node pair.
type Edge struct {
	Source string            `json:"source"`
	Target string            `json:"target"`
	Kind   EdgeKind          `json:"kind"`
	Attrs  map[string]string `json:"attrs,omitempty"`
}

// Action returns the privileged action carried by an allows_action edge.
func (e Edge) Action() string {
	return e.Attrs[AttrAction]
}

// Direction selects edge orientation for neighbor queries.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

// Neighbor pairs an edge with the node on its far side.
type Neighbor struct {
	Edge Edge
	Node Node
}

// Store is the identity graph store. Single writer, multiple readers.
type Store struct {
	mu    sync.RWMutex
	nodes map[string]Node
	out   map[string][]Edge // keyed by source
	in    map[string][]Edge // keyed by target
}

// NewStore creates an empty identity graph.
func NewStore() *Store {
	return &Store{
		nodes: make(map[string]Node),
		out:   make(map[string][]Edge),
		in:    make(map[string][]Edge),
	}
}

// UpsertNode inserts or replaces a node by identifier. Privilege levels are
// clamped to [PrivilegeMin, PrivilegeMax].
func (s *Store) UpsertNode(n Node) error {
	if n.ID == "" {
		return fmt.Errorf("node id must not be empty")
	}
	if n.PrivilegeLevel < PrivilegeMin {
		n.PrivilegeLevel = PrivilegeMin
	}
	if n.PrivilegeLevel > PrivilegeMax {
		n.PrivilegeLevel = PrivilegeMax
	}
	s.mu.Lock()
	s.nodes[n.ID] = n
	s.mu.Unlock()
	return nil
}

// UpsertEdge inserts an edge. Both endpoints must exist. Inserting an edge
// identical in (source, target, kind, action) to an existing one is a no-op,
// which makes re-ingest idempotent.
func (s *Store) UpsertEdge(src, dst string, kind EdgeKind, attrs map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[src]; !ok {
		return fmt.Errorf("edge source %q does not exist", src)
	}
	if _, ok := s.nodes[dst]; !ok {
		return fmt.Errorf("edge target %q does not exist", dst)
	}

	e := Edge{Source: src, Target: dst, Kind: kind, Attrs: attrs}
	for _, existing := range s.out[src] {
		if existing.Target == dst && existing.Kind == kind && existing.Action() == e.Action() {
			return nil
		}
	}
	s.out[src] = append(s.out[src], e)
	s.in[dst] = append(s.in[dst], e)
	return nil
}

// GetNode returns the node and whether it exists.
func (s *Store) GetNode(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// HasNode reports whether the node exists.
func (s *Store) HasNode(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[id]
	return ok
}

// Neighbors returns the edges touching id in the given direction, optionally
// filtered by edge kinds, paired with the far-side node. Results are sorted
// by (edge kind, far node id, action) so traversals are deterministic.
func (s *Store) Neighbors(id string, dir Direction, kinds ...EdgeKind) []Neighbor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.neighborsLocked(id, dir, kinds...)
}

func (s *Store) neighborsLocked(id string, dir Direction, kinds ...EdgeKind) []Neighbor {
	var edges []Edge
	if dir == Outgoing {
		edges = s.out[id]
	} else {
		edges = s.in[id]
	}

	var kindSet map[EdgeKind]bool
	if len(kinds) > 0 {
		kindSet = make(map[EdgeKind]bool, len(kinds))
		for _, k := range kinds {
			kindSet[k] = true
		}
	}

	result := make([]Neighbor, 0, len(edges))
	for _, e := range edges {
		if kindSet != nil && !kindSet[e.Kind] {
			continue
		}
		farID := e.Target
		if dir == Incoming {
			farID = e.Source
		}
		far, ok := s.nodes[farID]
		if !ok {
			continue
		}
		result = append(result, Neighbor{Edge: e, Node: far})
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.Edge.Kind != b.Edge.Kind {
			return a.Edge.Kind < b.Edge.Kind
		}
		if a.Node.ID != b.Node.ID {
			return a.Node.ID < b.Node.ID
		}
		return a.Edge.Action() < b.Edge.Action()
	})
	return result
}

// Reachable returns the set of node IDs reachable from id by a breadth-first
// traversal of outgoing edges bounded by maxDepth, optionally restricted to
// the given edge kinds. The start node is included.
func (s *Store) Reachable(id string, maxDepth int, kinds ...EdgeKind) map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]bool{}
	if _, ok := s.nodes[id]; !ok {
		return seen
	}
	seen[id] = true

	frontier := []string{id}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, cur := range frontier {
			for _, nb := range s.neighborsLocked(cur, Outgoing, kinds...) {
				if !seen[nb.Node.ID] {
					seen[nb.Node.ID] = true
					next = append(next, nb.Node.ID)
				}
			}
		}
		frontier = next
	}
	return seen
}

// HasEdge reports whether at least one edge of any kind connects src to dst.
func (s *Store) HasEdge(src, dst string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.out[src] {
		if e.Target == dst {
			return true
		}
	}
	return false
}

// EdgesBetween returns all edges from src to dst in insertion order.
func (s *Store) EdgesBetween(src, dst string) []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []Edge
	for _, e := range s.out[src] {
		if e.Target == dst {
			result = append(result, e)
		}
	}
	return result
}

// Nodes returns all nodes sorted by identifier.
func (s *Store) Nodes() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		result = append(result, n)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Edges returns all edges sorted by (source, kind, target, action).
func (s *Store) Edges() []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []Edge
	for _, edges := range s.out {
		result = append(result, edges...)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Action() < b.Action()
	})
	return result
}

// Stats returns node and edge counts.
func (s *Store) Stats() (nodes, edges int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, out := range s.out {
		edges += len(out)
	}
	return len(s.nodes), edges
}

// ReplaceAll swaps the entire graph for the given nodes and edges. The
// ingester treats each ingest as a full replacement. Edges referencing
// unknown nodes are rejected and the previous graph is kept.
func (s *Store) ReplaceAll(nodes []Node, edges []Edge) error {
	next := NewStore()
	for _, n := range nodes {
		if err := next.UpsertNode(n); err != nil {
			return err
		}
	}
	for _, e := range edges {
		if err := next.UpsertEdge(e.Source, e.Target, e.Kind, e.Attrs); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.nodes = next.nodes
	s.out = next.out
	s.in = next.in
	s.mu.Unlock()
	return nil
}
