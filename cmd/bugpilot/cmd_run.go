package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"bugpilot/internal/config"
	"bugpilot/internal/investigation"
	"bugpilot/internal/investigation/stages"
	"bugpilot/internal/shared/model"
	"bugpilot/pkg/logging"
)

var runFlags struct {
	title      string
	body       string
	repo       string
	config     string
	offline    bool
	patch      bool
	sourceRoot string
	logsFile   string
	json       bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline in-process and print events to the console",
	RunE:  runLocal,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.title, "title", "", "Issue title (required)")
	f.StringVar(&runFlags.body, "body", "", "Issue body")
	f.StringVar(&runFlags.repo, "repo", "", "Repository (owner/name)")
	f.StringVar(&runFlags.config, "config", "", "YAML config file (default: configs/{APP_ENV}.yaml)")
	f.BoolVar(&runFlags.offline, "offline", false, "Do not call the model; stages run heuristically")
	f.BoolVar(&runFlags.patch, "patch", false, "Enable the patch generation stage")
	f.StringVar(&runFlags.sourceRoot, "source-root", "", "Local directory searched for code and docs")
	f.StringVar(&runFlags.logsFile, "logs-file", "", "YAML file of log records for log analysis")
	f.BoolVar(&runFlags.json, "json", false, "Print the final report as JSON")

	_ = runCmd.MarkFlagRequired("title")
}

func loadConfig() (*config.Config, error) {
	if runFlags.config != "" {
		return config.LoadFile(runFlags.config)
	}
	return config.Load()
}

func runLocal(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("patch") {
		cfg.Pipeline.EnablePatch = runFlags.patch
	}
	if runFlags.sourceRoot != "" {
		cfg.Pipeline.SourceRoot = runFlags.sourceRoot
	}
	if runFlags.logsFile != "" {
		cfg.Pipeline.LogsFile = runFlags.logsFile
	}

	// 控制台输出事件，结构化日志只保留错误
	logger := logging.NewWithWriter(logging.Config{Level: "error"}, cmd.ErrOrStderr())
	p, err := stages.NewPipeline(cfg, runFlags.offline, investigation.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	issue := model.Issue{Title: runFlags.title, Body: runFlags.body, Repo: runFlags.repo}
	report, err := p.Run(ctx, issue, investigation.NewConsoleEmitter(out))
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	if runFlags.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	fmt.Fprintf(out, "\n%s\n", report.Summary())
	return nil
}
