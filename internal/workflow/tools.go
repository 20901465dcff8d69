package workflow

import (
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/duckmesh/querygraph/internal/oracle"
)

const (
	toolListTables = "list_tables"
	toolGetSchema  = "get_schema"
	toolRunQuery   = "run_query"
)

var (
	getSchemaTool = oracle.Tool{
		Name:        toolGetSchema,
		Description: "Get the schema and sample rows for the given tables.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"table_names": map[string]any{
					"type":        "string",
					"description": "Comma-separated list of table names.",
				},
			},
			"required": []string{"table_names"},
		},
	}
	runQueryTool = oracle.Tool{
		Name:        toolRunQuery,
		Description: "Execute a read-only SQL SELECT query against the database and return the rows.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "A single SQL SELECT statement.",
				},
			},
			"required": []string{"query"},
		},
	}
)

func newCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func toolCallMessage(content, name string, args map[string]any) *schema.Message {
	return schema.AssistantMessage(content, []schema.ToolCall{oracle.NewToolCall(newCallID(), name, args)})
}

var sqlKeywords = []string{
	"select", "with", "insert", "update", "delete", "drop", "create", "alter",
	"replace", "truncate", "pragma", "explain", "attach", "vacuum",
}

// extractSQL pulls a statement out of an oracle answer: the body of the first
// fenced block, or the whole text when it starts with a SQL keyword.
// Anything else yields "".
func extractSQL(value string) string {
	trimmed := strings.TrimSpace(value)
	if start := strings.Index(trimmed, "```"); start >= 0 {
		body := trimmed[start+3:]
		if end := strings.Index(body, "```"); end >= 0 {
			body = body[:end]
		}
		if newline := strings.IndexByte(body, '\n'); newline >= 0 && isFenceLanguage(body[:newline]) {
			body = body[newline+1:]
		} else {
			body = strings.TrimPrefix(body, "sql")
		}
		trimmed = strings.TrimSpace(body)
	}
	if !startsWithKeyword(trimmed) {
		return ""
	}
	return trimmed
}

func isFenceLanguage(value string) bool {
	value = strings.TrimSpace(value)
	return value == "" || !strings.ContainsAny(value, " \t(*")
}

func startsWithKeyword(value string) bool {
	first := strings.ToLower(strings.TrimLeft(firstWord(value), "("))
	for _, keyword := range sqlKeywords {
		if first == keyword {
			return true
		}
	}
	return false
}

func firstWord(value string) string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// parseTableList matches a comma separated answer against the known tables,
// case-insensitively, keeping the known spelling and first-seen order.
func parseTableList(answer string, known []string) []string {
	index := make(map[string]string, len(known))
	for _, name := range known {
		index[strings.ToLower(name)] = name
	}
	seen := map[string]bool{}
	selected := make([]string, 0)
	for _, part := range strings.FieldsFunc(answer, func(r rune) bool { return r == ',' || r == '\n' }) {
		candidate := strings.ToLower(strings.Trim(strings.TrimSpace(part), "`\"'*-. "))
		name, ok := index[candidate]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		selected = append(selected, name)
	}
	return selected
}
