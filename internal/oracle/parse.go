package oracle

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/inframinds/agentcore/internal/graph"
)

// extractJSONObject strips code fences and any surrounding prose, then
// returns the first balanced JSON object in the text. Models routinely
// wrap JSON in markdown or trailing commentary.
func extractJSONObject(text string) (string, error) {
	clean := strings.ReplaceAll(text, "```json", "")
	clean = strings.ReplaceAll(clean, "```", "")
	clean = strings.TrimSpace(clean)

	start := strings.Index(clean, "{")
	if start == -1 {
		return "", fmt.Errorf("no JSON object in response")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(clean); i++ {
		c := clean[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return clean[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in response")
}

// node/edge key aliases the model is known to hallucinate.
var nodeKeyAliases = map[string]string{
	"type":       "kind",
	"properties": "attributes",
	"parent":     "parent_id",
	"status":     "lifecycle_status",
}

var edgeKeyAliases = map[string]string{
	"source":  "source_id",
	"from":    "source_id",
	"from_id": "source_id",
	"target":  "target_id",
	"to":      "target_id",
	"to_id":   "target_id",
}

func normalizeKeys(m map[string]interface{}, aliases map[string]string) {
	for alias, canonical := range aliases {
		if v, ok := m[alias]; ok {
			if _, exists := m[canonical]; !exists {
				m[canonical] = v
			}
			delete(m, alias)
		}
	}
}

// decodeGraphResult validates and converts a raw model response into a
// GraphResult. The returned error describes the schema breach; callers
// wrap it in a ContractError once retries are exhausted.
func decodeGraphResult(raw string, targetPhase graph.Phase) (*GraphResult, error) {
	jsonText, err := extractJSONObject(raw)
	if err != nil {
		return nil, err
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(jsonText), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	// Diff-style responses use add_resources/add_edges.
	normalizeKeys(payload, map[string]string{
		"add_resources": "resources",
		"add_edges":     "edges",
	})

	rawNodes, ok := payload["resources"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or non-list 'resources'")
	}

	result := &GraphResult{
		ViolationsRemaining: -1,
		Graph: graph.Snapshot{
			Phase: targetPhase,
		},
	}

	for i, rn := range rawNodes {
		nodeMap, ok := rn.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("resource %d is not an object", i)
		}
		normalizeKeys(nodeMap, nodeKeyAliases)

		node := graph.Node{Lifecycle: graph.LifecyclePlanned}
		if node.ID, ok = nodeMap["id"].(string); !ok || node.ID == "" {
			return nil, fmt.Errorf("resource %d missing string 'id'", i)
		}
		if node.Kind, ok = nodeMap["kind"].(string); !ok || node.Kind == "" {
			return nil, fmt.Errorf("resource %q missing string kind", node.ID)
		}
		if attrs, ok := nodeMap["attributes"].(map[string]interface{}); ok {
			node.Attributes = attrs
		}
		if parent, ok := nodeMap["parent_id"].(string); ok {
			node.ParentID = parent
		}
		if desc, ok := nodeMap["description"].(string); ok {
			node.Description = desc
		}
		if status, ok := nodeMap["lifecycle_status"].(string); ok && status != "" {
			node.Lifecycle = graph.Lifecycle(status)
		}
		if derived, ok := nodeMap["derived_from"].([]interface{}); ok {
			for _, d := range derived {
				if id, ok := d.(string); ok {
					node.DerivedFrom = append(node.DerivedFrom, id)
				}
			}
		}
		result.Graph.Nodes = append(result.Graph.Nodes, node)
	}

	if rawEdges, ok := payload["edges"].([]interface{}); ok {
		for i, re := range rawEdges {
			edgeMap, ok := re.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("edge %d is not an object", i)
			}
			normalizeKeys(edgeMap, edgeKeyAliases)

			var edge graph.Edge
			if edge.Source, ok = edgeMap["source_id"].(string); !ok || edge.Source == "" {
				return nil, fmt.Errorf("edge %d missing source", i)
			}
			if edge.Target, ok = edgeMap["target_id"].(string); !ok || edge.Target == "" {
				return nil, fmt.Errorf("edge %d missing target", i)
			}
			if edge.Relation, ok = edgeMap["relation"].(string); !ok || edge.Relation == "" {
				edge.Relation = graph.RelationConnectsTo
			}
			result.Graph.Edges = append(result.Graph.Edges, edge)
		}
	}

	if reasoning, ok := payload["reasoning"].(string); ok {
		result.Reasoning = reasoning
	}
	if vr, ok := payload["violations_remaining"].(float64); ok {
		result.ViolationsRemaining = int(vr)
	}
	if rawDecisions, ok := payload["decisions"].([]interface{}); ok {
		for _, rd := range rawDecisions {
			dm, ok := rd.(map[string]interface{})
			if !ok {
				continue
			}
			d := Decision{Action: "mutation", Result: "applied", Trigger: "policy_check"}
			if s, ok := dm["trigger"].(string); ok {
				d.Trigger = s
			}
			if s, ok := dm["action"].(string); ok {
				d.Action = s
			}
			if s, ok := dm["result"].(string); ok {
				d.Result = s
			}
			if nodes, ok := dm["affected_nodes"].([]interface{}); ok {
				for _, n := range nodes {
					if id, ok := n.(string); ok {
						d.AffectedNodes = append(d.AffectedNodes, id)
					}
				}
			}
			result.Decisions = append(result.Decisions, d)
		}
	}
	if rawMapping, ok := payload["mapping"].(map[string]interface{}); ok {
		result.Mapping = make(map[string][]string, len(rawMapping))
		for from, to := range rawMapping {
			switch v := to.(type) {
			case string:
				result.Mapping[from] = []string{v}
			case []interface{}:
				for _, t := range v {
					if id, ok := t.(string); ok {
						result.Mapping[from] = append(result.Mapping[from], id)
					}
				}
			}
		}
	}

	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
