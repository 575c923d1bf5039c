package graph

import "strings"

// SecretName derives the environment variable that carries a node's API key:
// the first underscore-delimited token of the callable name, upper-cased,
// with an _API_KEY suffix. get_stock_info gives GET_API_KEY.
func SecretName(callable string) string {
	first, _, _ := strings.Cut(callable, "_")
	return strings.ToUpper(first) + "_API_KEY"
}

// collectSecrets records {env var: key} for every node carrying API_key.
// Agents have no callable name and fall back to their node type.
// A later node wins a name collision; differing values are logged.
func (e *enrichment) collectSecrets() {
	for _, n := range e.def.Nodes {
		key, ok := n.String("API_key")
		if !ok {
			continue
		}
		callable, ok := e.callables[n.ID]
		if !ok {
			callable = string(n.Type)
		}
		env := SecretName(callable)
		if prev, exists := e.secrets[env]; exists && prev != key {
			log.Warn("Secret name collision, last node wins",
				"env", env, "previous_node", e.secretFrom[env], "node", n.ID)
		}
		e.secrets[env] = key
		e.secretFrom[env] = n.ID
	}
}
