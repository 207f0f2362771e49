// Package ingest translates identity metadata into graph primitives and
// feeds them to the graph store as full replacements.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pathwarden/pathwarden/internal/audit"
	"github.com/pathwarden/pathwarden/internal/graph"
	"github.com/pathwarden/pathwarden/internal/storage"
)

// GraphFileName is the graph snapshot file inside the data directory.
const GraphFileName = "graph.snapshot"

// Ingester produces a complete set of graph primitives. The graph store
// treats each ingest as a full replacement.
type Ingester interface {
	Ingest(ctx context.Context) ([]graph.Node, []graph.Edge, error)
}

// Service runs the ingester, swaps the graph, and persists the snapshot.
type Service struct {
	ing    Ingester
	graph  *graph.Store
	dir    *storage.Dir
	auditL *audit.Log
	logger *slog.Logger
}

// NewService wires an ingester to the graph store.
func NewService(ing Ingester, g *graph.Store, dir *storage.Dir, auditLog *audit.Log, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ing:    ing,
		graph:  g,
		dir:    dir,
		auditL: auditLog,
		logger: logger.With("component", "ingest.Service"),
	}
}

// Run ingests, replaces the graph wholesale, and persists the new snapshot.
func (s *Service) Run(ctx context.Context, actor string) (nodes, edges int, err error) {
	if actor == "" {
		actor = "system"
	}

	ns, es, err := s.ing.Ingest(ctx)
	if err != nil {
		s.auditL.Append("ingest_failed", actor, "", "failure", err.Error())
		return 0, 0, fmt.Errorf("ingest failed: %w", err)
	}
	if err := s.graph.ReplaceAll(ns, es); err != nil {
		s.auditL.Append("ingest_failed", actor, "", "failure", err.Error())
		return 0, 0, fmt.Errorf("graph replacement rejected: %w", err)
	}

	snap := s.graph.Snapshot()
	if err := s.dir.WriteJSON(GraphFileName, snap); err != nil {
		s.logger.Error("failed to persist graph snapshot", "error", err)
		s.auditL.Append("persistence_write_failed", actor, GraphFileName, "failure", err.Error())
	}

	nodes, edges = s.graph.Stats()
	s.auditL.Append("ingest_completed", actor, "", "success",
		fmt.Sprintf("nodes=%d edges=%d", nodes, edges))
	s.logger.Info("ingest completed", "nodes", nodes, "edges", edges)
	return nodes, edges, nil
}

// RestoreSnapshot loads the persisted graph on start. A corrupt snapshot
// leaves the graph empty and records a persistence_load_failed audit entry.
func (s *Service) RestoreSnapshot() error {
	var snap graph.Snapshot
	switch err := s.dir.LoadJSON(GraphFileName, &snap); {
	case err == nil:
		if err := s.graph.Restore(snap); err != nil {
			s.auditL.Append("persistence_load_failed", "system", GraphFileName, "failure", err.Error())
			return fmt.Errorf("snapshot restore rejected: %w", err)
		}
		nodes, edges := s.graph.Stats()
		s.logger.Info("graph snapshot restored", "nodes", nodes, "edges", edges)
		return nil
	case errors.Is(err, storage.ErrNotExist):
		return nil
	default:
		s.auditL.Append("persistence_load_failed", "system", GraphFileName, "failure", err.Error())
		s.logger.Warn("graph snapshot unreadable, starting empty", "error", err)
		return nil
	}
}
