package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"bugpilot/internal/client"
)

var investigateFlags struct {
	title  string
	body   string
	repo   string
	caseID string
	json   bool
}

var investigateCmd = &cobra.Command{
	Use:   "investigate",
	Short: "Start an investigation on the server and stream its progress",
	RunE:  runInvestigate,
}

func init() {
	f := investigateCmd.Flags()
	f.StringVar(&investigateFlags.title, "title", "", "Issue title (required)")
	f.StringVar(&investigateFlags.body, "body", "", "Issue body")
	f.StringVar(&investigateFlags.repo, "repo", "", "Repository (owner/name)")
	f.StringVar(&investigateFlags.caseID, "case-id", "", "Bind the run to an existing case")
	f.BoolVar(&investigateFlags.json, "json", false, "Print the final client state as JSON")

	_ = investigateCmd.MarkFlagRequired("title")
}

func runInvestigate(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	printer := &timelinePrinter{w: out}
	engine := client.NewEngine(client.WithOnUpdate(printer.update))
	defer engine.Close()

	req := client.InvestigateRequest{
		Title:  investigateFlags.title,
		Body:   investigateFlags.body,
		Repo:   investigateFlags.repo,
		CaseID: investigateFlags.caseID,
	}
	run := engine.Start(ctx)
	err := client.Stream(ctx, serverURL("/api/v1/investigate"), req, run, client.StreamOptions{
		OnMalformed: func(err error) {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		},
	})
	engine.Sync()
	state := engine.Snapshot()

	if investigateFlags.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(state); encErr != nil {
			return encErr
		}
	} else {
		renderSummary(out, state)
	}

	if err != nil {
		return fmt.Errorf("investigate: %w", err)
	}
	if state.Status == client.RunError {
		return errors.New("investigation failed")
	}
	return nil
}
