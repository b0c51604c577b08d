package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"bugpilot/internal/client"
)

var simulateFlags struct {
	script string
	speed  float64
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay a scripted investigation through the client engine",
	Long:  "Replays an event script (the built-in demo by default) without a server.\n--speed scales every delay; 0 replays instantly.",
	RunE:  runSimulate,
}

func init() {
	f := simulateCmd.Flags()
	f.StringVar(&simulateFlags.script, "script", "", "Path to a YAML event script (default: built-in demo)")
	f.Float64Var(&simulateFlags.speed, "speed", 1, "Delay multiplier")
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	script := client.DemoScript()
	if simulateFlags.script != "" {
		s, err := client.LoadScript(simulateFlags.script)
		if err != nil {
			return fmt.Errorf("load script: %w", err)
		}
		script = s
	}
	if simulateFlags.speed != 1 {
		script = script.Scaled(simulateFlags.speed)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	printer := &timelinePrinter{w: out}
	engine := client.NewEngine(client.WithOnUpdate(printer.update))
	defer engine.Close()

	if script.Name != "" {
		fmt.Fprintf(out, "Replaying %q (%d events)\n", script.Name, len(script.Steps))
	}
	run := engine.Start(ctx)
	err := script.Play(ctx, run)
	engine.Sync()
	renderSummary(out, engine.Snapshot())
	return err
}
