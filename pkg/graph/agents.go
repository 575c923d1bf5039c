package graph

import (
	"fmt"
	"strings"
)

// ToolCatalogPrompt appends the numbered tool catalog to a system message.
func ToolCatalogPrompt(systemMessage string, tools []string) string {
	var list strings.Builder
	for i, name := range tools {
		fmt.Fprintf(&list, "\n%d. %s()", i+1, name)
	}
	return fmt.Sprintf(
		"%s You have access to the following tools:\n%s\nYou must decide which one is most appropriate.",
		systemMessage, list.String(),
	)
}

func (e *enrichment) enrichAgents() {
	if len(e.agentIDs) > 0 {
		e.imports.add(systemMessageImport)
	}
	for i, n := range e.def.Nodes {
		if !e.agentIDs[n.ID] {
			continue
		}
		msg, ok := n.String("system_message")
		if !ok {
			msg = DefaultSystemMessage
		}
		prompt := ToolCatalogPrompt(msg, e.toolNames)
		e.setData(i, "system_message_generated", prompt)
		e.setData(i, "code_logic", agentBody(prompt))
	}
}

// agentBody is the node function body for the scripting target: prepend the
// system prompt, call the bound model once, return its message.
func agentBody(prompt string) string {
	return strings.Join([]string{
		"    system_message = SystemMessage(content=" + pyString(prompt) + ")",
		"    messages = [system_message] + state[\"messages\"]",
		"    response = model_with_tools.invoke(messages)",
		"    return {\"messages\": [response]}",
	}, "\n") + "\n"
}
