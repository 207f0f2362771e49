package graph

// Snapshot is the serializable form of the graph, written to graph.snapshot.
type Snapshot struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Snapshot captures the current graph state.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{Nodes: s.Nodes(), Edges: s.Edges()}
}

// Restore replaces the graph with the snapshot contents.
func (s *Store) Restore(snap Snapshot) error {
	return s.ReplaceAll(snap.Nodes, snap.Edges)
}
