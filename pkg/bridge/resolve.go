package bridge

import "strings"

// FindGraphByName returns the first graph whose name matches
// case-insensitively.
func (s *Snapshot) FindGraphByName(name string) *Graph {
	for _, g := range s.Graphs {
		if strings.EqualFold(g.Name, name) {
			return g
		}
	}
	return nil
}

// PrototypeByName resolves a node name to its prototype.
func (s *Snapshot) PrototypeByName(name string) *NodePrototype {
	for _, p := range s.NodePrototypes {
		if strings.EqualFold(p.Name, name) {
			return p
		}
	}
	return nil
}

// InstanceOfPrototype finds the placed instance of a prototype in a
// graph.
func (s *Snapshot) InstanceOfPrototype(graphID, prototypeID string) *NodeInstance {
	g, ok := s.Graphs[graphID]
	if !ok {
		return nil
	}
	for _, inst := range g.Instances {
		if inst.PrototypeID == prototypeID {
			return inst
		}
	}
	return nil
}

// ResolveEdge finds an edge between two named nodes in a graph, matching
// either direction for convenience.
func (s *Snapshot) ResolveEdge(sourceName, targetName, graphID string) *Edge {
	srcProto := s.PrototypeByName(sourceName)
	dstProto := s.PrototypeByName(targetName)
	if srcProto == nil || dstProto == nil {
		return nil
	}
	srcInst := s.InstanceOfPrototype(graphID, srcProto.ID)
	dstInst := s.InstanceOfPrototype(graphID, dstProto.ID)
	if srcInst == nil || dstInst == nil {
		return nil
	}

	g, ok := s.Graphs[graphID]
	if !ok {
		return nil
	}
	for _, eid := range g.EdgeIDs {
		e, ok := s.Edges[eid]
		if !ok {
			continue
		}
		forward := e.SourceID == srcInst.ID && e.DestinationID == dstInst.ID
		reverse := e.SourceID == dstInst.ID && e.DestinationID == srcInst.ID
		if forward || reverse {
			return e
		}
	}
	return nil
}

// NodeNames returns up to max prototype names placed in a graph, for
// planner context.
func (s *Snapshot) NodeNames(graphID string, max int) []string {
	g, ok := s.Graphs[graphID]
	if !ok {
		return nil
	}
	var names []string
	for _, inst := range g.Instances {
		if max > 0 && len(names) >= max {
			break
		}
		if proto, ok := s.NodePrototypes[inst.PrototypeID]; ok {
			names = append(names, proto.Name)
		}
	}
	return names
}

// Palette collects the distinct colors already used by prototypes, so
// the planner can stay on theme.
func (s *Snapshot) Palette(max int) []string {
	seen := make(map[string]bool)
	var colors []string
	for _, p := range s.NodePrototypes {
		if p.Color == "" || seen[p.Color] {
			continue
		}
		seen[p.Color] = true
		colors = append(colors, p.Color)
		if max > 0 && len(colors) >= max {
			break
		}
	}
	return colors
}
