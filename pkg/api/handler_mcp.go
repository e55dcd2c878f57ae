package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/theredstring/redstring-bridge/pkg/version"
)

// JSON-RPC 2.0 error codes used by the MCP shim.
const (
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func rpcResult(id any, result any) gin.H {
	return gin.H{"jsonrpc": "2.0", "id": id, "result": result}
}

func rpcFailure(id any, code int, message string) gin.H {
	return gin.H{"jsonrpc": "2.0", "id": id, "error": rpcError{Code: code, Message: message}}
}

// mcpToolList describes the three tools the shim exposes.
var mcpToolList = []gin.H{
	{
		"name":        "verify_state",
		"description": "Summarize the projected bridge state: graph count, node count, active graph.",
		"inputSchema": gin.H{"type": "object", "properties": gin.H{}},
	},
	{
		"name":        "list_available_graphs",
		"description": "List every projected graph with its id, name and node count.",
		"inputSchema": gin.H{"type": "object", "properties": gin.H{}},
	},
	{
		"name":        "search_nodes",
		"description": "Search node prototypes by name substring.",
		"inputSchema": gin.H{
			"type":       "object",
			"properties": gin.H{"query": gin.H{"type": "string"}},
			"required":   []string{"query"},
		},
	},
}

// mcpHandler handles JSON-RPC 2.0 on POST /api/mcp/request.
func (s *Server) mcpHandler(c *gin.Context) {
	var req rpcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, rpcFailure(nil, rpcInvalidParams, "malformed JSON-RPC request"))
		return
	}

	switch req.Method {
	case "initialize":
		c.JSON(http.StatusOK, rpcResult(req.ID, gin.H{
			"protocolVersion": "2024-11-05",
			"serverInfo":      gin.H{"name": version.AppName, "version": version.GitCommit},
			"capabilities":    gin.H{"tools": gin.H{}},
		}))

	case "tools/list":
		c.JSON(http.StatusOK, rpcResult(req.ID, gin.H{"tools": mcpToolList}))

	case "tools/call":
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			c.JSON(http.StatusOK, rpcFailure(req.ID, rpcInvalidParams, "tools/call requires a tool name"))
			return
		}
		result, rpcErr := s.callMCPTool(params.Name, params.Arguments)
		if rpcErr != nil {
			c.JSON(http.StatusOK, rpcFailure(req.ID, rpcErr.Code, rpcErr.Message))
			return
		}
		c.JSON(http.StatusOK, rpcResult(req.ID, result))

	default:
		c.JSON(http.StatusOK, rpcFailure(req.ID, rpcMethodNotFound, "unknown method: "+req.Method))
	}
}

func (s *Server) callMCPTool(name string, args map[string]any) (gin.H, *rpcError) {
	snap := s.store.Snapshot()

	var payload any
	switch name {
	case "verify_state":
		nodeCount := 0
		for _, g := range snap.Graphs {
			nodeCount += len(g.Instances)
		}
		payload = gin.H{
			"graphCount":    len(snap.Graphs),
			"nodeCount":     nodeCount,
			"edgeCount":     len(snap.Edges),
			"activeGraphId": snap.ActiveGraphID,
		}

	case "list_available_graphs":
		graphs := make([]gin.H, 0, len(snap.Graphs))
		for _, g := range snap.Graphs {
			graphs = append(graphs, gin.H{
				"id":        g.ID,
				"name":      g.Name,
				"nodeCount": len(g.Instances),
			})
		}
		payload = gin.H{"graphs": graphs}

	case "search_nodes":
		query, _ := args["query"].(string)
		if query == "" {
			return nil, &rpcError{Code: rpcInvalidParams, Message: "search_nodes requires a query"}
		}
		var matches []gin.H
		needle := strings.ToLower(query)
		for _, p := range snap.NodePrototypes {
			if strings.Contains(strings.ToLower(p.Name), needle) {
				matches = append(matches, gin.H{"id": p.ID, "name": p.Name, "color": p.Color})
			}
		}
		payload = gin.H{"matches": matches}

	default:
		return nil, &rpcError{Code: rpcMethodNotFound, Message: "unknown tool: " + name}
	}

	text, err := json.Marshal(payload)
	if err != nil {
		return nil, &rpcError{Code: rpcInternalError, Message: "could not serialize tool result"}
	}
	return gin.H{"content": []gin.H{{"type": "text", "text": string(text)}}}, nil
}
