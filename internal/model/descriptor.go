package model

import (
	"errors"
	"fmt"
)

// ErrInvalidDescriptor is returned when a workflow descriptor fails validation.
var ErrInvalidDescriptor = errors.New("invalid workflow descriptor")

// Descriptor is the workflow graph submitted by the caller. Only node order,
// agent type, and name are interpreted here; edges are carried opaquely for
// clients that render the graph.
type Descriptor struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges,omitempty"`
}

// Node is a single agent step in a workflow descriptor.
type Node struct {
	ID        string   `json:"id"`
	AgentType string   `json:"agent_type"`
	Name      string   `json:"name"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// Edge is a directed connection between two descriptor nodes.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Validate checks the structural requirements on a descriptor: at least one
// node, unique non-empty node IDs, and an agent type on every node.
func (d *Descriptor) Validate() error {
	if d == nil || len(d.Nodes) == 0 {
		return fmt.Errorf("%w: at least one node is required", ErrInvalidDescriptor)
	}

	seen := make(map[string]bool, len(d.Nodes))
	for i, n := range d.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node %d has an empty id", ErrInvalidDescriptor, i)
		}
		if seen[n.ID] {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidDescriptor, n.ID)
		}
		seen[n.ID] = true
		if n.AgentType == "" {
			return fmt.Errorf("%w: node %q has an empty agent_type", ErrInvalidDescriptor, n.ID)
		}
	}

	for _, e := range d.Edges {
		if !seen[e.From] || !seen[e.To] {
			return fmt.Errorf("%w: edge %s->%s references an unknown node", ErrInvalidDescriptor, e.From, e.To)
		}
	}

	return nil
}
