package bridge

import (
	"log/slog"

	"github.com/theredstring/redstring-bridge/pkg/models"
)

// ApplyPatch mirrors an approved patch's ops into the projection so
// later planner calls see the graph the UI is about to have. The whole
// patch applies atomically under the store lock, and the patch id is
// appended to the graph's log, advancing its head hash.
func (s *Store) ApplyPatch(p *models.Patch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range p.Ops {
		s.applyOpLocked(p.GraphID, op)
	}
	if p.PatchID != "" {
		s.patchLog[p.GraphID] = append(s.patchLog[p.GraphID], p.PatchID)
	}
}

func (s *Store) applyOpLocked(defaultGraphID string, op models.Op) {
	str := func(key string) string {
		v, _ := op.Params[key].(string)
		return v
	}
	num := func(key string) float64 {
		v, _ := op.Params[key].(float64)
		return v
	}
	graphID := str("graphId")
	if graphID == "" {
		graphID = defaultGraphID
	}

	switch op.Type {
	case models.OpCreateNewGraph:
		g := s.graphLocked(graphID)
		if name := str("name"); name != "" {
			g.Name = name
		}

	case models.OpAddNodePrototype:
		id := str("prototypeId")
		if id == "" {
			return
		}
		s.nodePrototypes[id] = &NodePrototype{
			ID:          id,
			Name:        str("name"),
			Color:       str("color"),
			Description: str("description"),
		}

	case models.OpAddNodeInstance:
		g := s.graphLocked(graphID)
		id := str("instanceId")
		if id == "" {
			return
		}
		g.Instances[id] = &NodeInstance{
			ID:          id,
			PrototypeID: str("prototypeId"),
			X:           num("x"),
			Y:           num("y"),
		}

	case models.OpMoveNodeInstance:
		g := s.graphLocked(graphID)
		if inst, ok := g.Instances[str("instanceId")]; ok {
			inst.X = num("x")
			inst.Y = num("y")
		}

	case models.OpAddEdge:
		id := str("edgeId")
		if id == "" {
			return
		}
		s.edges[id] = &Edge{
			ID:                id,
			SourceID:          str("sourceId"),
			DestinationID:     str("destinationId"),
			ArrowsToward:      strSlice(op.Params["arrowsToward"]),
			DefinitionNodeIDs: strSlice(op.Params["definitionNodeIds"]),
		}
		g := s.graphLocked(graphID)
		g.EdgeIDs = append(g.EdgeIDs, id)

	case models.OpDeleteEdge:
		id := str("edgeId")
		delete(s.edges, id)
		g := s.graphLocked(graphID)
		for i, eid := range g.EdgeIDs {
			if eid == id {
				g.EdgeIDs = append(g.EdgeIDs[:i], g.EdgeIDs[i+1:]...)
				break
			}
		}

	case models.OpUpdateNodePrototype:
		if proto, ok := s.nodePrototypes[str("prototypeId")]; ok {
			if name := str("name"); name != "" {
				proto.Name = name
			}
			if color := str("color"); color != "" {
				proto.Color = color
			}
			if desc := str("description"); desc != "" {
				proto.Description = desc
			}
		}

	case models.OpUpdateGraph:
		g := s.graphLocked(graphID)
		if name := str("name"); name != "" {
			g.Name = name
		}

	case models.OpRemoveNodeInstance:
		g := s.graphLocked(graphID)
		delete(g.Instances, str("instanceId"))

	case models.OpDeleteGraph:
		delete(s.graphs, graphID)
		delete(s.patchLog, graphID)
		if s.activeGraphID == graphID {
			s.activeGraphID = ""
		}

	default:
		slog.Warn("Unrecognized op type skipped", "op", op.Type)
	}
}

func strSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return append([]string(nil), vals...)
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
