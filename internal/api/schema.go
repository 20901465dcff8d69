package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/duckmesh/querygraph/internal/gateway"
)

type schemaResponse struct {
	Dialect string   `json:"dialect"`
	Tables  []string `json:"tables"`
	Schema  string   `json:"schema"`
}

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Schema == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema source is not configured", false, nil)
		return
	}

	tables := parseTablesParam(r.URL.Query().Get("tables"))
	if len(tables) == 0 {
		all, err := deps.Schema.ListTables(r.Context())
		if err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "DATABASE_UNAVAILABLE", "failed to list tables", true, map[string]any{"details": err.Error()})
			return
		}
		tables = all
	}

	schema, err := deps.Schema.Schema(r.Context(), tables)
	if err != nil {
		if errors.Is(err, gateway.ErrUnknownTable) {
			writeError(r.Context(), w, http.StatusNotFound, "UNKNOWN_TABLE", err.Error(), false, map[string]any{"tables": tables})
			return
		}
		writeError(r.Context(), w, http.StatusServiceUnavailable, "DATABASE_UNAVAILABLE", "failed to describe tables", true, map[string]any{"details": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, schemaResponse{
		Dialect: deps.Schema.Dialect(),
		Tables:  tables,
		Schema:  schema,
	})
}

func parseTablesParam(raw string) []string {
	var tables []string
	for _, part := range strings.Split(raw, ",") {
		if name := strings.TrimSpace(part); name != "" {
			tables = append(tables, name)
		}
	}
	return tables
}
