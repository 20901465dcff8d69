package querygraphctl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("querygraphctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "querygraph API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 2*time.Minute), "HTTP timeout (e.g. 90s)")
	stream := fs.Bool("stream", false, "stream workflow steps for ask")
	tables := fs.String("tables", "", "comma-separated tables for schema")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}
	base := strings.TrimRight(*baseURL, "/")

	command := strings.TrimSpace(fs.Arg(0))
	var (
		method = http.MethodGet
		path   string
		body   []byte
	)
	switch command {
	case "health":
		path = "/v1/health"
	case "ready":
		path = "/v1/ready"
	case "graph":
		path = "/v1/graph"
	case "schema":
		path = "/v1/schema"
		if strings.TrimSpace(*tables) != "" {
			path += "?" + url.Values{"tables": {strings.TrimSpace(*tables)}}.Encode()
		}
	case "ask":
		question := strings.TrimSpace(strings.Join(fs.Args()[1:], " "))
		if question == "" {
			_, _ = fmt.Fprintln(stderr, "ask requires a question")
			writeUsage(stderr)
			return 2
		}
		payload, err := json.Marshal(map[string]string{"question": question})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "encode request: %v\n", err)
			return 1
		}
		if *stream {
			return streamAsk(ctx, client, base+"/v1/ask/stream", *apiKey, payload, stdout, stderr)
		}
		method, path, body = http.MethodPost, "/v1/ask", payload
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}

	code, responseBody, err := doRequest(ctx, client, method, base+path, *apiKey, body)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	switch command {
	case "ask":
		return printAnswer(responseBody, stdout, stderr)
	case "graph":
		_, _ = fmt.Fprint(stdout, string(responseBody))
		return 0
	}
	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

type answer struct {
	SQL         string `json:"sql"`
	FinalAnswer string `json:"final_answer"`
}

func printAnswer(raw []byte, stdout, stderr io.Writer) int {
	var result answer
	if err := json.Unmarshal(raw, &result); err != nil {
		_, _ = fmt.Fprintf(stderr, "decode response: %v\n", err)
		return 1
	}
	writeAnswer(stdout, result)
	return 0
}

func writeAnswer(w io.Writer, result answer) {
	if result.SQL != "" {
		_, _ = fmt.Fprintf(w, "sql: %s\n\n", result.SQL)
	}
	_, _ = fmt.Fprintln(w, result.FinalAnswer)
}

type streamEvent struct {
	Node  string `json:"node"`
	State *struct {
		GeneratedQuery string `json:"generated_query"`
		FinalAnswer    string `json:"final_answer"`
	} `json:"state"`
	Error *struct {
		Code    string `json:"error_code"`
		Message string `json:"message"`
	} `json:"error"`
}

// streamAsk prints each completed step as it arrives and the answer at the end.
func streamAsk(ctx context.Context, client *http.Client, endpoint, apiKey string, payload []byte, stdout, stderr io.Writer) int {
	req, err := newRequest(ctx, http.MethodPost, endpoint, apiKey, payload)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := client.Do(req)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", resp.StatusCode, strings.TrimSpace(string(raw)))
		return 1
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event streamEvent
		if err := json.Unmarshal(line, &event); err != nil {
			_, _ = fmt.Fprintf(stderr, "decode stream line: %v\n", err)
			return 1
		}
		switch {
		case event.Error != nil:
			_, _ = fmt.Fprintf(stderr, "workflow failed: %s: %s\n", event.Error.Code, event.Error.Message)
			return 1
		case event.State != nil:
			_, _ = fmt.Fprintln(stdout)
			writeAnswer(stdout, answer{SQL: event.State.GeneratedQuery, FinalAnswer: event.State.FinalAnswer})
			return 0
		default:
			_, _ = fmt.Fprintf(stdout, "[%s]\n", event.Node)
		}
	}
	if err := scanner.Err(); err != nil {
		_, _ = fmt.Fprintf(stderr, "read stream: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stderr, "stream ended without a final state")
	return 1
}

func newRequest(ctx context.Context, method, endpoint, apiKey string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}
	return req, nil
}

func doRequest(ctx context.Context, client *http.Client, method, endpoint, apiKey string, body []byte) (int, []byte, error) {
	req, err := newRequest(ctx, method, endpoint, apiKey, body)
	if err != nil {
		return 0, nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: querygraphctl [flags] <command>")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health             GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready              GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  schema             GET /v1/schema (see -tables)")
	_, _ = fmt.Fprintln(w, "  graph              GET /v1/graph")
	_, _ = fmt.Fprintln(w, "  ask <question...>  POST /v1/ask (see -stream)")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
