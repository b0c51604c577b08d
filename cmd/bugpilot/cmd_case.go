package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"bugpilot/internal/shared/model"
)

var caseFlags struct {
	reason string
}

var caseCmd = &cobra.Command{
	Use:   "case",
	Short: "Inspect and move cases on the server",
}

var caseTransitionCmd = &cobra.Command{
	Use:   "transition <id> <state>",
	Short: "Move a case to another state",
	Args:  cobra.ExactArgs(2),
	RunE:  runCaseTransition,
}

var caseHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show the transition history of a case (newest first)",
	Args:  cobra.ExactArgs(1),
	RunE:  runCaseHistory,
}

func init() {
	caseTransitionCmd.Flags().StringVar(&caseFlags.reason, "reason", "", "Reason recorded in the transition metadata")

	caseCmd.AddCommand(caseTransitionCmd)
	caseCmd.AddCommand(caseHistoryCmd)
}

var apiClient = &http.Client{Timeout: 30 * time.Second}

// callAPI 发送 JSON 请求；非 2xx 时返回服务端的 error 字段
func callAPI(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, serverURL(path), r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := apiClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			if e.Reason != "" {
				return fmt.Errorf("%s (%d): %s", e.Error, resp.StatusCode, e.Reason)
			}
			return fmt.Errorf("%s (%d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func runCaseTransition(cmd *cobra.Command, args []string) error {
	body := map[string]any{"to_state": args[1]}
	if caseFlags.reason != "" {
		body["metadata"] = map[string]string{"reason": caseFlags.reason}
	}

	var res model.TransitionResult
	if err := callAPI(cmd.Context(), http.MethodPost, "/api/v1/cases/"+url.PathEscape(args[0])+"/transitions", body, &res); err != nil {
		return fmt.Errorf("transition: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Case %s: %s -> %s\n", res.CaseID, res.From, res.To)
	return nil
}

func runCaseHistory(cmd *cobra.Command, args []string) error {
	var res struct {
		Transitions []model.CaseTransition `json:"transitions"`
		Count       int                    `json:"count"`
	}
	if err := callAPI(cmd.Context(), http.MethodGet, "/api/v1/cases/"+url.PathEscape(args[0])+"/history", nil, &res); err != nil {
		return fmt.Errorf("history: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "History: (%d transitions)\n", res.Count)
	for _, tr := range res.Transitions {
		line := fmt.Sprintf("  %s  %s -> %s", tr.CreatedAt.Format(time.RFC3339), tr.FromState, tr.ToState)
		if len(tr.Metadata) > 0 && string(tr.Metadata) != "null" && string(tr.Metadata) != "{}" {
			line += "  " + string(tr.Metadata)
		}
		fmt.Fprintln(out, line)
	}
	return nil
}
