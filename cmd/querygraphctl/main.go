package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/duckmesh/querygraph/internal/cli/querygraphctl"
)

func main() {
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("QUERYGRAPH_CLI_TIMEOUT")), 2*time.Minute)
	options := querygraphctl.Options{
		BaseURL: envOr("QUERYGRAPH_API_URL", "http://localhost:8080"),
		APIKey:  strings.TrimSpace(os.Getenv("QUERYGRAPH_API_KEY")),
		Timeout: timeout,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}

	code := querygraphctl.Run(context.Background(), os.Args[1:], options)
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid QUERYGRAPH_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
