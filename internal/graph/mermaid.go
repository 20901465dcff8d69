package graph

import (
	"fmt"
	"strings"
)

const mermaidStart = "__start__"

// Mermaid renders the topology as a Mermaid flowchart. Conditional edges are
// dotted and labelled with their target.
func (g *Graph[S]) Mermaid() string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")
	fmt.Fprintf(&sb, "    %s((start))\n", mermaidStart)
	for _, name := range g.order {
		fmt.Fprintf(&sb, "    %s[\"%s\"]\n", sanitizeMermaidID(name), name)
	}
	fmt.Fprintf(&sb, "    %s((end))\n", End)

	fmt.Fprintf(&sb, "    %s --> %s\n", mermaidStart, sanitizeMermaidID(g.entry))
	for _, name := range g.order {
		from := sanitizeMermaidID(name)
		e := g.edges[name]
		if !e.conditional() {
			fmt.Fprintf(&sb, "    %s --> %s\n", from, sanitizeMermaidID(e.to))
			continue
		}
		for _, target := range e.targets {
			fmt.Fprintf(&sb, "    %s -. \"%s\" .-> %s\n", from, strings.ReplaceAll(target, "\"", "'"), sanitizeMermaidID(target))
		}
	}
	return sb.String()
}

func sanitizeMermaidID(id string) string {
	return strings.NewReplacer(".", "_", "-", "_", "/", "_", "\\", "_", " ", "_").Replace(id)
}
