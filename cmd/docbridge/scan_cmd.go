package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/docbridge/internal/config"
	"github.com/mattjoyce/docbridge/internal/journal"
	"github.com/mattjoyce/docbridge/internal/storage"
	"github.com/mattjoyce/docbridge/internal/tui"
)

func runScanNoun(args []string) int {
	if len(args) < 1 {
		printScanHelp()
		return 1
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "list":
		return runScanList(actionArgs)
	case "inspect":
		return runScanInspect(actionArgs)
	case "help", "--help", "-h":
		printScanHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown scan action: %s\n", action)
		return 1
	}
}

func printScanHelp() {
	fmt.Print(`Usage: docbridge scan <action> [flags]

Actions:
  list     [--config PATH] [--status STATUS] [--limit N] [--json]
  inspect  [--config PATH] [--json] <id>
`)
}

// openJournal opens the scan log named by the config at configPath.
func openJournal(ctx context.Context, configPath string) (*journal.Journal, func(), error) {
	path, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	db, err := storage.OpenSQLite(ctx, cfg.Service.StatePath)
	if err != nil {
		return nil, nil, err
	}
	return journal.New(db), func() { _ = db.Close() }, nil
}

func runScanList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	status := fs.String("status", "", "Only show scans with this status")
	limit := fs.Int("limit", 20, "Maximum number of scans")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	j, closeDB, err := openJournal(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	entries, err := j.List(ctx, journal.ListOptions{Status: journal.Status(*status), Limit: *limit})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMETHOD\tSTATUS\tCODE\tCREATED\tDURATION")
	for _, e := range entries {
		duration := "-"
		if e.CompletedAt != nil {
			duration = e.CompletedAt.Sub(e.CreatedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Method, e.Status, e.ErrorCode, e.CreatedAt.Local().Format(time.DateTime), duration)
	}
	_ = tw.Flush()
	return 0
}

func runScanInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: docbridge scan inspect <id> [--json]")
		return 1
	}

	ctx := context.Background()
	j, closeDB, err := openJournal(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	e, err := j.Get(ctx, fs.Arg(0))
	if errors.Is(err, journal.ErrEntryNotFound) {
		fmt.Fprintf(os.Stderr, "Scan %s not found\n", fs.Arg(0))
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(e, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("Scan:       %s\n", e.ID)
	fmt.Printf("Token:      %s\n", e.Token)
	fmt.Printf("Method:     %s (kind %s, page limit %d)\n", e.Method, e.Kind, e.PageLimit)
	fmt.Printf("Status:     %s\n", e.Status)
	if e.ContextID != "" {
		fmt.Printf("Context:    %s\n", e.ContextID)
	}
	fmt.Printf("Created:    %s\n", e.CreatedAt.Local().Format(time.RFC3339))
	if e.CompletedAt != nil {
		fmt.Printf("Completed:  %s\n", e.CompletedAt.Local().Format(time.RFC3339))
	}
	if e.ErrorCode != "" {
		fmt.Printf("Error:      %s: %s\n", e.ErrorCode, e.ErrorMsg)
	}
	if len(e.Result) > 0 {
		fmt.Printf("Result:     %s\n", string(e.Result))
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8470", "Bridge API base URL")
	apiKey := fs.String("api-key", os.Getenv("DOCBRIDGE_API_KEY"), "Bearer token with events:ro scope")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	p := tea.NewProgram(tui.New(*apiURL, *apiKey))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Watch failed: %v\n", err)
		return 1
	}
	return 0
}
