package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/duckmesh/querygraph/internal/app"
	"github.com/duckmesh/querygraph/internal/config"
	"github.com/duckmesh/querygraph/internal/graph"
	"github.com/duckmesh/querygraph/internal/observability"
	"github.com/duckmesh/querygraph/internal/workflow"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("querygraph", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	showGraph := fs.Bool("graph", false, "print the workflow as a Mermaid diagram and exit")
	verbose := fs.Bool("v", false, "print each step's SQL and result")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 2
	}

	cfg, err := config.LoadFromEnv("querygraph")
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	logger := observability.NewLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize workflow", slog.Any("error", err))
		return 1
	}
	defer func() { _ = components.Close() }()

	if *showGraph {
		fmt.Print(components.Workflow.Mermaid())
		return 0
	}

	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if question == "" {
		_, _ = fmt.Fprintln(os.Stderr, "usage: querygraph [flags] <question...>")
		return 2
	}

	for event, err := range components.Workflow.Stream(ctx, workflow.NewState(question)) {
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "workflow failed: %v\n", err)
			return 1
		}
		if event.Node == graph.End {
			fmt.Println()
			if event.State.GeneratedQuery != "" {
				fmt.Printf("sql: %s\n\n", event.State.GeneratedQuery)
			}
			fmt.Println(event.State.FinalAnswer)
			return 0
		}
		fmt.Printf("[%s]\n", event.Node)
		if *verbose {
			printStep(event.Update)
		}
	}
	return 0
}

func printStep(update workflow.State) {
	if update.GeneratedQuery != "" {
		fmt.Printf("  sql: %s\n", update.GeneratedQuery)
	}
	if update.QueryIssue != "" {
		fmt.Printf("  issue: %s\n", update.QueryIssue)
	}
	if update.QueryResult != nil {
		for _, line := range strings.Split(update.QueryResult.Text, "\n") {
			fmt.Printf("  | %s\n", line)
		}
	}
}
