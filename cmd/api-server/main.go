// Package main API Server 入口
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bugpilot/api"
	"bugpilot/internal/apiserver/cases"
	"bugpilot/internal/apiserver/investigate"
	"bugpilot/internal/apiserver/server"
	"bugpilot/internal/apiserver/webhook"
	"bugpilot/internal/config"
	"bugpilot/internal/investigation"
	"bugpilot/internal/investigation/stages"
	"bugpilot/internal/notify"
	"bugpilot/internal/shared/infra"
	"bugpilot/pkg/logging"
)

func main() {
	// 加载配置（自动加载 .env，根据 APP_ENV 选择 configs/{env}.yaml）
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.Log.Component = "api-server"
	logger := logging.New(cfg.Log)

	log.Printf("Starting API Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	// Case 存储、事件总线、投递去重、任务队列、报告归档
	inf, err := infra.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize infrastructure: %v", err)
	}
	defer inf.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var archive investigate.Archiver
	if inf.Archive != nil {
		if err := inf.Archive.EnsureBucket(ctx); err != nil {
			log.Printf("WARNING: report bucket unavailable, archiving disabled: %v", err)
		} else {
			archive = inf.Archive
		}
	}

	caseSvc := cases.NewService(inf.Store, cases.Options{
		Bus:      inf.EventBus,
		Notifier: newNotifier(cfg, logger.Named("notify")),
		Channel:  cfg.Slack.Channel,
		Logger:   logger.Named("cases"),
	})

	pipeline, err := stages.NewPipeline(cfg, false,
		investigation.WithRecorder(investigation.NewRecorder("bugpilot", prometheus.DefaultRegisterer)),
		investigation.WithLogger(logger.Named("pipeline")),
	)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	runner := investigate.NewRunner(pipeline, investigate.RunnerOptions{
		Cases:   caseSvc,
		Bus:     inf.EventBus,
		Archive: archive,
		Logger:  logger.Named("investigate"),
	})

	// 后台 worker 消费 webhook 排队的调查任务
	if cfg.Worker.Enabled {
		worker := investigate.NewWorker(runner, inf.Queue, investigate.WorkerConfig{
			Concurrency:  cfg.Worker.Concurrency,
			BlockTimeout: cfg.Worker.BlockTimeout,
		})
		go worker.Start(ctx)
	}

	webhooks := webhook.NewHandler(caseSvc, inf.Queue, inf.Deliveries, webhook.Config{
		GitHubSecret:       cfg.GitHub.WebhookSecret,
		SlackSigningSecret: cfg.Slack.SigningSecret,
		MaxSkew:            cfg.Slack.MaxSkew,
		AutoInvestigate:    cfg.GitHub.AutoInvestigate && cfg.Worker.Enabled,
	})

	var validator *server.Validator
	if cfg.Server.ValidateRequests {
		doc, err := api.OpenAPI()
		if err != nil {
			log.Fatalf("Failed to read OpenAPI description: %v", err)
		}
		validator, err = server.NewValidator(doc)
		if err != nil {
			log.Fatalf("Failed to load OpenAPI description: %v", err)
		}
	}

	h := server.NewHandler(server.Deps{
		Cases:     caseSvc,
		Runner:    runner,
		Webhooks:  webhooks,
		Bus:       inf.EventBus,
		Validator: validator,
		Metrics:   server.NewMetrics("bugpilot", prometheus.DefaultRegisterer),
	})

	// SSE 与 WebSocket 是长连接，不设置 WriteTimeout
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           h.Router(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		IdleTimeout:       60 * time.Second,
	}

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("API Server listening on :%s", cfg.Server.Port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	fmt.Println("Server stopped")
}

// newNotifier 配置了 Slack 机器人时发到 Slack，否则写日志
func newNotifier(cfg *config.Config, logger *logging.Logger) notify.Notifier {
	if !cfg.Slack.Enabled() {
		log.Println("Slack not configured, notifications go to the log")
		return &notify.Log{Logger: logger}
	}
	return notify.NewSlack(notify.SlackConfig{
		Token:         cfg.Slack.BotToken,
		BaseURL:       cfg.Slack.APIBaseURL,
		RatePerSecond: cfg.Slack.RatePerSecond,
		Logger:        logger,
	})
}
