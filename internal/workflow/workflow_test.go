package workflow

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/schema"
	_ "modernc.org/sqlite"

	"github.com/duckmesh/querygraph/internal/gateway"
	"github.com/duckmesh/querygraph/internal/graph"
	"github.com/duckmesh/querygraph/internal/oracle"
)

func TestScenarioCountArtistsConditional(t *testing.T) {
	db := openChinookFixture(t)
	fake := &fakeOracle{
		name: oracle.ProviderOpenAI,
		caps: oracle.Capabilities{ToolCalling: true, ForcedToolChoice: true},
		respond: func(req oracle.Request) (oracle.Response, error) {
			switch {
			case req.ToolChoice.Mode == oracle.ChoiceTool && req.ToolChoice.Name == toolGetSchema:
				return toolResponse(toolGetSchema, map[string]any{"table_names": "Artist"}), nil
			case req.ToolChoice.Mode == oracle.ChoiceTool && req.ToolChoice.Name == toolRunQuery:
				return toolResponse(toolRunQuery, map[string]any{"query": "SELECT COUNT(*) AS artist_count FROM Artist"}), nil
			case len(req.Tools) == 1 && req.Tools[0].Name == toolRunQuery:
				return toolResponse(toolRunQuery, map[string]any{"query": "SELECT COUNT(*) FROM Artist"}), nil
			default:
				return oracle.Response{Text: "There are " + lastLine(req.Messages[0].Content) + " artists in the database."}, nil
			}
		},
	}

	wf := newWorkflow(t, fake, db, Options{})
	var nodes []string
	var final State
	for event, err := range wf.Stream(context.Background(), NewState("How many artists are in the database?")) {
		if err != nil {
			t.Fatalf("Stream() error = %v", err)
		}
		nodes = append(nodes, event.Node)
		final = event.State
	}

	wantNodes := []string{NodeListTables, NodeSelectTables, NodeFetchSchema, NodeGenerateQuery, NodeCheckQuery, NodeExecuteQuery, NodeSummarize, graph.End}
	if strings.Join(nodes, ",") != strings.Join(wantNodes, ",") {
		t.Fatalf("nodes = %v", nodes)
	}
	if final.GeneratedQuery != "SELECT COUNT(*) AS artist_count FROM Artist" {
		t.Fatalf("GeneratedQuery = %q", final.GeneratedQuery)
	}
	if final.QueryResult == nil || len(final.QueryResult.Rows) != 1 || final.QueryResult.Rows[0][0] != int64(3) {
		t.Fatalf("QueryResult = %+v", final.QueryResult)
	}
	if !strings.Contains(final.FinalAnswer, "3") || !final.Complete() {
		t.Fatalf("FinalAnswer = %q", final.FinalAnswer)
	}
	if len(final.Tables) != 1 || final.Tables[0] != "Artist" {
		t.Fatalf("Tables = %v", final.Tables)
	}
	if !strings.Contains(final.SchemaText, `CREATE TABLE "Artist"`) || strings.Contains(final.SchemaText, `"Album"`) {
		t.Fatalf("SchemaText = %s", final.SchemaText)
	}
	assertToolCallsAnswered(t, final.Conversation)
	if last := final.Conversation[len(final.Conversation)-1]; last.Role != schema.Assistant || last.Content != final.FinalAnswer {
		t.Fatalf("last message = %+v", last)
	}
}

func TestScenarioEmptyGenerationLinear(t *testing.T) {
	db := &fakeDatabase{tables: []string{"Artist"}}
	fake := &fakeOracle{
		name: oracle.ProviderOllama,
		caps: oracle.Capabilities{ToolCalling: true},
		respond: func(oracle.Request) (oracle.Response, error) {
			return oracle.Response{Text: ""}, nil
		},
	}

	wf := newWorkflow(t, fake, db, Options{Topology: TopologyLinear})
	final, err := wf.Ask(context.Background(), "How many artists are in the database?")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if final.GeneratedQuery != "" || final.QueryIssue == "" {
		t.Fatalf("expected empty-query marker, got %+v", final)
	}
	if final.QueryResult == nil || !strings.Contains(final.QueryResult.Error, "no query available") {
		t.Fatalf("QueryResult = %+v", final.QueryResult)
	}
	if final.FinalAnswer == "" {
		t.Fatal("FinalAnswer should not be empty")
	}
	if db.runCalls != 0 {
		t.Fatalf("database executed %d queries", db.runCalls)
	}
}

func TestConditionalWithoutPendingCallSkipsToSummary(t *testing.T) {
	db := &fakeDatabase{tables: []string{"Artist"}}
	fake := &fakeOracle{
		name: oracle.ProviderOllama,
		caps: oracle.Capabilities{ToolCalling: true},
		respond: func(req oracle.Request) (oracle.Response, error) {
			return oracle.Response{Text: "I am not sure what you mean."}, nil
		},
	}

	wf := newWorkflow(t, fake, db, Options{})
	var nodes []string
	var final State
	for event, err := range wf.Stream(context.Background(), NewState("Tell me a joke")) {
		if err != nil {
			t.Fatalf("Stream() error = %v", err)
		}
		nodes = append(nodes, event.Node)
		final = event.State
	}
	if strings.Join(nodes, ",") != "list_tables,select_tables,fetch_schema,generate_query,summarize,"+graph.End {
		t.Fatalf("nodes = %v", nodes)
	}
	if !strings.HasPrefix(final.FinalAnswer, cannedNoDataAnswer) || !strings.Contains(final.FinalAnswer, final.QueryIssue) || final.QueryIssue == "" {
		t.Fatalf("FinalAnswer = %q, QueryIssue = %q", final.FinalAnswer, final.QueryIssue)
	}
	// select_tables and generate_query only; summarize answers without the oracle
	if fake.callCount() != 2 {
		t.Fatalf("oracle calls = %d", fake.callCount())
	}
	if len(final.Tables) != 1 {
		t.Fatalf("select_tables fallback should keep all tables, got %v", final.Tables)
	}
}

func TestValidateModeUsesTextCheck(t *testing.T) {
	db := &fakeDatabase{
		tables: []string{"Artist"},
		run: func(query string) gateway.Outcome {
			return gateway.Outcome{Result: &gateway.Result{Columns: []string{"n"}, Rows: [][]any{{int64(275)}}}}
		},
	}
	fake := &fakeOracle{
		name: oracle.ProviderOllama,
		caps: oracle.Capabilities{ToolCalling: true},
		respond: func(req oracle.Request) (oracle.Response, error) {
			prompt := req.Messages[len(req.Messages)-1].Content
			switch {
			case len(req.Tools) == 1:
				return toolResponse(toolRunQuery, map[string]any{"query": "SELECT COUNT(*) FROM artist"}), nil
			case strings.Contains(prompt, "Double check"):
				return oracle.Response{Text: "```sql\nSELECT COUNT(*) AS n FROM Artist\n```"}, nil
			case strings.Contains(prompt, "Available tables"):
				return oracle.Response{Text: "Artist"}, nil
			default:
				return oracle.Response{Text: "There are 275 artists."}, nil
			}
		},
	}

	wf := newWorkflow(t, fake, db, Options{CheckMode: CheckAuto})
	final, err := wf.Ask(context.Background(), "How many artists?")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if final.GeneratedQuery != "SELECT COUNT(*) AS n FROM Artist" {
		t.Fatalf("GeneratedQuery = %q", final.GeneratedQuery)
	}
	if db.lastQuery != "SELECT COUNT(*) AS n FROM Artist" {
		t.Fatalf("executed query = %q", db.lastQuery)
	}
	for _, req := range fake.requests() {
		if req.ToolChoice.Forced() {
			t.Fatalf("unexpected forced tool choice: %+v", req.ToolChoice)
		}
	}
	if final.FinalAnswer != "There are 275 artists." {
		t.Fatalf("FinalAnswer = %q", final.FinalAnswer)
	}
}

func TestCheckQueryKeepsOriginalWhenCheckFails(t *testing.T) {
	db := &fakeDatabase{tables: []string{"Artist"}}
	fake := &fakeOracle{
		name: oracle.ProviderOpenAI,
		caps: oracle.Capabilities{ToolCalling: true, ForcedToolChoice: true},
		respond: func(req oracle.Request) (oracle.Response, error) {
			switch {
			case req.ToolChoice.Mode == oracle.ChoiceTool && req.ToolChoice.Name == toolRunQuery:
				return oracle.Response{}, errors.New("upstream timeout")
			case len(req.Tools) == 1 && req.Tools[0].Name == toolRunQuery:
				return toolResponse(toolRunQuery, map[string]any{"query": "SELECT 1"}), nil
			default:
				return oracle.Response{Text: "done"}, nil
			}
		},
	}

	wf := newWorkflow(t, fake, db, Options{CheckMode: CheckForce})
	final, err := wf.Ask(context.Background(), "q")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if final.GeneratedQuery != "SELECT 1" || db.lastQuery != "SELECT 1" {
		t.Fatalf("GeneratedQuery = %q executed = %q", final.GeneratedQuery, db.lastQuery)
	}
}

func TestExecutionErrorStillProducesAnswer(t *testing.T) {
	db := &fakeDatabase{
		tables: []string{"Artist"},
		run: func(string) gateway.Outcome {
			return gateway.Outcome{Error: "no such table: Artists"}
		},
	}
	fake := &fakeOracle{
		name: oracle.ProviderOllama,
		caps: oracle.Capabilities{ToolCalling: true},
		respond: func(req oracle.Request) (oracle.Response, error) {
			if strings.Contains(req.Messages[0].Content, "Database result") {
				return oracle.Response{}, errors.New("connection refused")
			}
			return oracle.Response{Text: "SELECT COUNT(*) FROM Artists"}, nil
		},
	}

	wf := newWorkflow(t, fake, db, Options{Topology: TopologyLinear})
	final, err := wf.Ask(context.Background(), "How many artists?")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if final.QueryResult == nil || final.QueryResult.Error != "no such table: Artists" {
		t.Fatalf("QueryResult = %+v", final.QueryResult)
	}
	if !strings.Contains(final.FinalAnswer, "no such table: Artists") {
		t.Fatalf("FinalAnswer = %q", final.FinalAnswer)
	}
}

func TestRejectedQueryBecomesData(t *testing.T) {
	db := openChinookFixture(t)
	fake := &fakeOracle{
		name: oracle.ProviderOllama,
		caps: oracle.Capabilities{ToolCalling: true},
		respond: func(req oracle.Request) (oracle.Response, error) {
			if strings.Contains(req.Messages[0].Content, "Database result") {
				return oracle.Response{Text: ""}, nil
			}
			return oracle.Response{Text: "DELETE FROM Artist"}, nil
		},
	}

	wf := newWorkflow(t, fake, db, Options{Topology: TopologyLinear})
	final, err := wf.Ask(context.Background(), "Remove all artists")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if final.QueryResult == nil || !final.QueryResult.Rejected {
		t.Fatalf("QueryResult = %+v", final.QueryResult)
	}
	if final.FinalAnswer == "" {
		t.Fatal("FinalAnswer should not be empty")
	}
	outcome := db.Run(context.Background(), "SELECT COUNT(*) FROM Artist")
	if outcome.Result == nil || outcome.Result.Rows[0][0] != int64(3) {
		t.Fatalf("data changed: %+v", outcome)
	}
}

func TestSchemaFetchedOncePerRun(t *testing.T) {
	db := &fakeDatabase{tables: []string{"Album", "Artist"}}
	fake := &fakeOracle{
		name: oracle.ProviderOllama,
		caps: oracle.Capabilities{ToolCalling: true},
		respond: func(oracle.Request) (oracle.Response, error) {
			return oracle.Response{Text: "SELECT 1"}, nil
		},
	}
	wf := newWorkflow(t, fake, db, Options{})
	for i := 0; i < 2; i++ {
		if _, err := wf.Ask(context.Background(), "q"); err != nil {
			t.Fatalf("Ask() error = %v", err)
		}
	}
	if db.schemaCalls != 2 {
		t.Fatalf("schema calls = %d, want one per run", db.schemaCalls)
	}
}

func TestGatewayFailureAbortsRun(t *testing.T) {
	db := &fakeDatabase{
		tables:    []string{"Artist"},
		schemaErr: &gateway.ConnectionError{URI: "sqlite:///gone.db", Err: errors.New("disk I/O error")},
	}
	fake := &fakeOracle{name: oracle.ProviderOllama, respond: func(oracle.Request) (oracle.Response, error) {
		return oracle.Response{Text: "Artist"}, nil
	}}

	wf := newWorkflow(t, fake, db, Options{})
	final, err := wf.Ask(context.Background(), "q")
	var connErr *gateway.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Ask() error = %v, want ConnectionError", err)
	}
	var stepErr *graph.StepError
	if !errors.As(err, &stepErr) || stepErr.Node != NodeFetchSchema {
		t.Fatalf("Ask() error = %v, want StepError at fetch_schema", err)
	}
	if final.UserQuestion != "" || final.Conversation != nil {
		t.Fatalf("expected no partial state, got %+v", final)
	}
}

func TestOracleFailureInGenerationIsAbsorbed(t *testing.T) {
	db := &fakeDatabase{tables: []string{"Artist"}}
	fake := &fakeOracle{
		name: oracle.ProviderOllama,
		respond: func(oracle.Request) (oracle.Response, error) {
			return oracle.Response{}, errors.New("503 service unavailable")
		},
	}
	wf := newWorkflow(t, fake, db, Options{Topology: TopologyLinear})
	final, err := wf.Ask(context.Background(), "q")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if !strings.Contains(final.QueryIssue, "503") || final.FinalAnswer == "" {
		t.Fatalf("final = %+v", final)
	}
}

func TestConditionalOracleOutageSurfacesIssueInAnswer(t *testing.T) {
	db := &fakeDatabase{tables: []string{"Artist"}}
	fake := &fakeOracle{
		name: oracle.ProviderOllama,
		caps: oracle.Capabilities{ToolCalling: true},
		respond: func(oracle.Request) (oracle.Response, error) {
			return oracle.Response{}, errors.New("503 service unavailable")
		},
	}
	wf := newWorkflow(t, fake, db, Options{})
	final, err := wf.Ask(context.Background(), "How many artists are there?")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if final.QueryResult != nil || db.runCalls != 0 {
		t.Fatalf("expected no execution, got %+v", final.QueryResult)
	}
	if !strings.HasPrefix(final.FinalAnswer, cannedNoDataAnswer) || !strings.Contains(final.FinalAnswer, "503") {
		t.Fatalf("FinalAnswer = %q", final.FinalAnswer)
	}
}

func TestCancellationAbortsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	db := &fakeDatabase{tables: []string{"Artist"}}
	fake := &fakeOracle{
		name: oracle.ProviderOllama,
		respond: func(oracle.Request) (oracle.Response, error) {
			cancel()
			return oracle.Response{}, context.Canceled
		},
	}
	wf := newWorkflow(t, fake, db, Options{Topology: TopologyLinear})
	if _, err := wf.Ask(ctx, "q"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Ask() error = %v, want context.Canceled", err)
	}
}

func TestNewValidatesCollaborators(t *testing.T) {
	fake := &fakeOracle{name: oracle.ProviderOllama}
	db := &fakeDatabase{}
	if _, err := New(nil, db, Options{}); err == nil {
		t.Fatal("expected error for nil oracle")
	}
	if _, err := New(fake, nil, Options{}); err == nil {
		t.Fatal("expected error for nil database")
	}
	if _, err := New(fake, db, Options{Topology: "star"}); err == nil {
		t.Fatal("expected error for unknown topology")
	}
	if _, err := New(fake, db, Options{CheckMode: "maybe"}); err == nil {
		t.Fatal("expected error for unknown check mode")
	}
}

func TestForceCheckRequiresCapability(t *testing.T) {
	fake := &fakeOracle{name: oracle.ProviderOllama, caps: oracle.Capabilities{ToolCalling: true}}
	_, err := New(fake, &fakeDatabase{}, Options{CheckMode: CheckForce})
	var capErr *oracle.CapabilityError
	if !errors.As(err, &capErr) {
		t.Fatalf("New() error = %v, want CapabilityError", err)
	}
	if fake.callCount() != 0 {
		t.Fatal("construction must not call the oracle")
	}
}

func TestInvokeRequiresQuestion(t *testing.T) {
	wf := newWorkflow(t, &fakeOracle{name: oracle.ProviderOllama}, &fakeDatabase{}, Options{})
	if _, err := wf.Invoke(context.Background(), State{}); err == nil {
		t.Fatal("expected error for missing question")
	}
	if _, err := wf.Ask(context.Background(), "  "); err == nil {
		t.Fatal("expected error for blank question")
	}
}

func TestMermaidShowsBothTopologies(t *testing.T) {
	fake := &fakeOracle{name: oracle.ProviderOllama}
	conditional := newWorkflow(t, fake, &fakeDatabase{}, Options{})
	if !strings.Contains(conditional.Mermaid(), `generate_query -. "check_query" .-> check_query`) {
		t.Fatalf("conditional Mermaid() = %s", conditional.Mermaid())
	}
	linear := newWorkflow(t, fake, &fakeDatabase{}, Options{Topology: TopologyLinear})
	if !strings.Contains(linear.Mermaid(), "__start__ --> fetch_schema") {
		t.Fatalf("linear Mermaid() = %s", linear.Mermaid())
	}
	if linear.Topology() != TopologyLinear {
		t.Fatalf("Topology() = %q", linear.Topology())
	}
}

func newWorkflow(t *testing.T, o oracle.Oracle, db Database, opts Options) *Workflow {
	t.Helper()
	wf, err := New(o, db, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return wf
}

func toolResponse(name string, args map[string]any) oracle.Response {
	call := oracle.NewToolCall("call_"+name, name, args)
	return oracle.Response{ToolCall: &call}
}

func lastLine(value string) string {
	lines := strings.Split(strings.TrimSpace(value), "\n")
	return lines[len(lines)-1]
}

func assertToolCallsAnswered(t *testing.T, conversation []*schema.Message) {
	t.Helper()
	answered := map[string]bool{}
	for _, msg := range conversation {
		if msg.Role == schema.Tool {
			answered[msg.ToolCallID] = true
		}
	}
	for _, msg := range conversation {
		for _, call := range msg.ToolCalls {
			if answered[call.ID] {
				continue
			}
			if call.Function.Name == toolRunQuery && oracle.StringArg(&call, "query") != "" {
				// only the last run_query call is executed
				continue
			}
			t.Fatalf("tool call %s (%s) has no answer", call.ID, call.Function.Name)
		}
	}
}

func openChinookFixture(t *testing.T) *gateway.Gateway {
	t.Helper()
	path := filepath.Join(t.TempDir(), "music.db")
	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE Artist (ArtistId INTEGER NOT NULL PRIMARY KEY, Name NVARCHAR(120))`,
		`CREATE TABLE Album (AlbumId INTEGER NOT NULL PRIMARY KEY, Title NVARCHAR(160) NOT NULL, ArtistId INTEGER NOT NULL)`,
		`INSERT INTO Artist (ArtistId, Name) VALUES (1, 'AC/DC'), (2, 'Accept'), (3, 'Aerosmith')`,
	} {
		if _, err := raw.Exec(stmt); err != nil {
			t.Fatalf("seed error = %v", err)
		}
	}
	_ = raw.Close()

	gw, err := gateway.Connect(context.Background(), "sqlite:///"+path, gateway.DefaultOptions())
	if err != nil {
		t.Fatalf("gateway.Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = gw.Close() })
	return gw
}

type fakeOracle struct {
	name    string
	caps    oracle.Capabilities
	respond func(oracle.Request) (oracle.Response, error)

	mu   sync.Mutex
	seen []oracle.Request
}

func (f *fakeOracle) Generate(_ context.Context, req oracle.Request) (oracle.Response, error) {
	f.mu.Lock()
	f.seen = append(f.seen, req)
	f.mu.Unlock()
	if req.ToolChoice.Forced() && !f.caps.ForcedToolChoice {
		return oracle.Response{}, &oracle.CapabilityError{Provider: f.name, Choice: req.ToolChoice}
	}
	if f.respond == nil {
		return oracle.Response{}, nil
	}
	return f.respond(req)
}

func (f *fakeOracle) Capabilities() oracle.Capabilities { return f.caps }
func (f *fakeOracle) Name() string                      { return f.name }
func (f *fakeOracle) Model() string                     { return "fake" }

func (f *fakeOracle) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

func (f *fakeOracle) requests() []oracle.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]oracle.Request(nil), f.seen...)
}

type fakeDatabase struct {
	tables    []string
	schemaErr error
	run       func(query string) gateway.Outcome

	listCalls   int
	schemaCalls int
	runCalls    int
	lastQuery   string
}

func (f *fakeDatabase) Dialect() string { return gateway.DialectSQLite }

func (f *fakeDatabase) ListTables(context.Context) ([]string, error) {
	f.listCalls++
	return f.tables, nil
}

func (f *fakeDatabase) Schema(_ context.Context, tables []string) (string, error) {
	f.schemaCalls++
	if f.schemaErr != nil {
		return "", f.schemaErr
	}
	if len(tables) == 0 {
		tables = f.tables
	}
	parts := make([]string, 0, len(tables))
	for _, table := range tables {
		parts = append(parts, `CREATE TABLE "`+table+`" ("id" INTEGER)`)
	}
	return strings.Join(parts, "\n\n"), nil
}

func (f *fakeDatabase) Run(_ context.Context, query string) gateway.Outcome {
	f.runCalls++
	f.lastQuery = query
	if f.run != nil {
		return f.run(query)
	}
	return gateway.Outcome{Result: &gateway.Result{Columns: []string{"value"}, Rows: [][]any{{int64(1)}}}}
}
