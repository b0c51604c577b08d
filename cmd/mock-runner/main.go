// Package main Mock Runner - 按脚本回放调查事件流
//
// 在 POST /api/v1/investigate 上按脚本节奏输出 SSE，供客户端在没有模型与数据库时联调。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"bugpilot/internal/client"
	"bugpilot/internal/investigation"
	"bugpilot/pkg/logging"
)

var flags struct {
	addr   string
	script string
	speed  float64
}

var rootCmd = &cobra.Command{
	Use:          "mock-runner",
	Short:        "Serve a scripted investigation event stream",
	SilenceUsage: true,
	RunE:         serve,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.addr, "addr", ":8090", "Listen address")
	f.StringVar(&flags.script, "script", "", "Path to a YAML event script (default: built-in demo)")
	f.Float64Var(&flags.speed, "speed", 1, "Delay multiplier")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, _ []string) error {
	script := client.DemoScript()
	if flags.script != "" {
		s, err := client.LoadScript(flags.script)
		if err != nil {
			return fmt.Errorf("load script: %w", err)
		}
		script = s
	}
	script = script.Scaled(flags.speed)

	logger := logging.Default("mock-runner")
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/investigate", replayHandler(script, logger))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	})

	logger.Info("mock runner listening", "addr", flags.addr, "script", script.Name, "events", len(script.Steps))
	srv := &http.Server{Addr: flags.addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return srv.ListenAndServe()
}

// replayHandler 每个请求从头回放一遍脚本；客户端断开即停止
func replayHandler(script *client.Script, logger *logging.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse, err := investigation.NewSSEWriter(w)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := replay(r.Context(), script, sse); err != nil {
			logger.Info("replay stopped", "error", err)
		}
	})
}

func replay(ctx context.Context, script *client.Script, emit investigation.Emitter) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	events := script.Events(time.Now())
	for i, st := range script.Steps {
		if st.Delay > 0 {
			timer.Reset(st.Delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := emit.Emit(events[i]); err != nil {
			return err
		}
	}
	return nil
}
