package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/rollupsim/pkg/types"
)

// RegisterTools registers all simulator tools on the MCP server. Every tool is read-only.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerStatus(s, client)
	registerHealth(s, client)
	registerSummary(s, client)
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("sim_status",
		gomcp.WithDescription("Get the current simulation state: coordinator state, scenario, funder, operations submitted/resolved/in flight, elapsed time and the fatal error if the run failed."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Simulator unreachable: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("sim_health",
		gomcp.WithDescription("Readiness check for the simulator. Checks L1 RPC and rollup API connectivity."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Simulator unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerSummary(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("sim_summary",
		gomcp.WithDescription("Get the summary of the last completed simulation run: per-kind counts, settlement and finality latency percentiles, achieved rate and failure reasons."),
		gomcp.WithNumber("top_reasons",
			gomcp.Description("How many failure reasons to list (default 10)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/summary")
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
				return gomcp.NewToolResultText("No simulation run has completed yet."), nil
			}
			return gomcp.NewToolResultError(fmt.Sprintf("Simulator unreachable: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatSummary(raw, req.GetInt("top_reasons", 10))), nil
	})
}

func formatStatus(raw json.RawMessage) string {
	var st types.Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	lines := joinLines(
		section("Simulation Status"),
		kv("State", st.State),
		kv("Scenario", st.Scenario),
		kv("Network", st.Network),
		kv("Funder", st.Funder),
		kv("Accounts", formatCount(st.Accounts)),
		kv("Operations", fmt.Sprintf("%s / %s", formatCount(st.Submitted), formatCount(st.TxCount))),
		kv("Resolved", formatCount(st.Resolved)),
		kv("In Flight", formatCount(st.InFlight)),
		kv("Elapsed", formatElapsed(st.ElapsedMs)),
	)
	if st.Error != "" {
		lines += "\n\n" + joinLines(section("Error"), st.Error)
	}
	return lines
}

func formatHealth(raw json.RawMessage) string {
	var m struct {
		Ready  bool `json:"ready"`
		Checks []struct {
			Name      string `json:"name"`
			Status    string `json:"status"`
			LatencyMs int64  `json:"latency_ms"`
			Error     string `json:"error"`
		} `json:"checks"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	state := "READY"
	if !m.Ready {
		state = "NOT READY"
	}
	lines := section("Simulator Health: " + state)
	for _, c := range m.Checks {
		line := fmt.Sprintf("  %-15s %s (%dms)", c.Name, c.Status, c.LatencyMs)
		if c.Error != "" {
			line += " - " + c.Error
		}
		lines += "\n" + line
	}
	return lines
}

func formatSummary(raw json.RawMessage, topReasons int) string {
	var s types.Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Sprintf("Error parsing summary: %v", err)
	}

	lines := joinLines(
		section("Run Summary"),
		kv("Scenario", s.Scenario),
		kv("Operations", formatCount(s.TxCount)),
		kv("Succeeded", fmt.Sprintf("%s (%s)", formatCount(s.Succeeded), share(s.Succeeded, s.TxCount))),
		kv("Failed", formatCount(s.Failed)),
		kv("Target Rate", formatRate(s.TargetRate)),
		kv("Achieved Rate", formatRate(s.AchievedRate)),
		kv("Submission", formatMs(float64(s.SubmissionMs))),
		kv("Resolution", formatMs(float64(s.ResolutionMs))),
	)

	for _, k := range s.Kinds {
		if k.Submitted == 0 && k.SubmitFailed == 0 {
			continue
		}
		lines += "\n\n" + joinLines(
			section(k.Kind),
			kv("Submitted", formatCount(k.Submitted)),
			kv("Submit Failed", formatCount(k.SubmitFailed)),
			kv("Settled", formatCount(k.Settled)),
			kv("Rejected", formatCount(k.Failed)),
			kv("Finalized", formatCount(k.Finalized)),
			kv("Unfinalized", formatCount(k.Unfinalized)),
			latencyLine("Settlement P50/P95", k.Settlement),
			latencyLine("Finality P50/P95", k.Finality),
		)
	}

	if len(s.FailureReasons) > 0 && topReasons > 0 {
		reasons := make([]string, 0, len(s.FailureReasons))
		for r := range s.FailureReasons {
			reasons = append(reasons, r)
		}
		sort.Slice(reasons, func(i, j int) bool {
			a, b := s.FailureReasons[reasons[i]], s.FailureReasons[reasons[j]]
			if a != b {
				return a > b
			}
			return reasons[i] < reasons[j]
		})
		if len(reasons) > topReasons {
			reasons = reasons[:topReasons]
		}
		var b strings.Builder
		for _, r := range reasons {
			fmt.Fprintf(&b, "\n  %6s  %s", formatCount(s.FailureReasons[r]), r)
		}
		lines += "\n\n" + section("Failure Reasons") + b.String()
	}
	return lines
}
