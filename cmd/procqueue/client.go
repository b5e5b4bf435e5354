package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// adminClient is a thin HTTP client against a running "procqueue serve"
// instance's AdminAPI. It holds no state of its own beyond the connection
// parameters: every call is a single round trip, matching the
// other calls, they're all thin HTTP requests.
type adminClient struct {
	base  string
	token string
	hc    *http.Client
}

func newAdminClient() *adminClient {
	timeout := viper.GetDuration("timeout")
	return &adminClient{
		base:  strings.TrimRight(viper.GetString("addr"), "/"),
		token: viper.GetString("token"),
		hc:    &http.Client{Timeout: timeout},
	}
}

func (c *adminClient) do(method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	return resp, nil
}

// doAndPrint issues the request and pretty-prints the JSON response body to
// stdout, returning an error for any non-2xx status.
func (c *adminClient) doAndPrint(method, path string, body any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(raw)))
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}
	return nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"stats"},
		Short:   "Print getQueueStats() from a running 'procqueue serve'",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newAdminClient().doAndPrint(http.MethodGet, "/queue/stats", nil)
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print the derived health report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newAdminClient().doAndPrint(http.MethodGet, "/health", nil)
		},
	}
}

func pauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause dispatch without killing running tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newAdminClient().doAndPrint(http.MethodPost, "/queue/pause", nil)
		},
	}
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume dispatch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newAdminClient().doAndPrint(http.MethodPost, "/queue/resume", nil)
		},
	}
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop all waiting queue entries without cancelling running tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newAdminClient().doAndPrint(http.MethodPost, "/queue/clear", nil)
		},
	}
}

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "list {queued|running}",
		Short:     "List tasks by status",
		ValidArgs: []string{"queued", "running"},
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newAdminClient().doAndPrint(http.MethodGet, "/tasks?status="+args[0], nil)
		},
	}
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel {tag:<t>|cmd:<substr>|all}",
		Short: "Cancel queued tasks and kill running tasks matching a selector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			selector := args[0]
			body := map[string]any{}
			switch {
			case selector == "all":
				body["all"] = true
			case strings.HasPrefix(selector, "tag:"):
				body["tag"] = strings.TrimPrefix(selector, "tag:")
			case strings.HasPrefix(selector, "cmd:"):
				body["cmd"] = strings.TrimPrefix(selector, "cmd:")
			default:
				return fmt.Errorf("invalid selector %q: expected tag:<t>, cmd:<substr>, or all", selector)
			}
			return newAdminClient().doAndPrint(http.MethodPost, "/tasks/cancel", body)
		},
	}
}

func concurrencyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "concurrency <n>",
		Short: "Set the scheduler's concurrency cap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid concurrency %q: %w", args[0], err)
			}
			return newAdminClient().doAndPrint(http.MethodPost, "/queue/concurrency", map[string]int{"n": n})
		},
	}
}

func rateLimitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rate-limit <interval_ms> <cap>",
		Short: "Set the scheduler's sliding-window rate limit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			interval, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid interval_ms %q: %w", args[0], err)
			}
			windowCap, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid cap %q: %w", args[1], err)
			}
			return newAdminClient().doAndPrint(http.MethodPost, "/queue/ratelimit", map[string]any{
				"interval_ms": interval,
				"cap":         windowCap,
			})
		},
	}
}

// namedPriorities maps the named priority levels to their integer values.
var namedPriorities = map[string]int{
	"CRITICAL": 1000,
	"HIGH":     100,
	"NORMAL":   0,
	"LOW":      -100,
	"BATCH":    -1000,
}

func parsePriority(s string) (int, error) {
	if p, ok := namedPriorities[strings.ToUpper(s)]; ok {
		return p, nil
	}
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid priority %q: must be an integer or one of CRITICAL, HIGH, NORMAL, LOW, BATCH", s)
	}
	return p, nil
}

func priorityCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "priority {stats|list|set}",
		Short: "Inspect or change queued-task priorities",
	}

	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Alias for 'status': print getQueueStats()",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newAdminClient().doAndPrint(http.MethodGet, "/queue/stats", nil)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued tasks with their current effective priority",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newAdminClient().doAndPrint(http.MethodGet, "/tasks?status=queued", nil)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "set <id> <priority|CRITICAL|HIGH|NORMAL|LOW|BATCH>",
		Short: "Reprioritize a queued task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePriority(args[1])
			if err != nil {
				return err
			}
			return newAdminClient().doAndPrint(http.MethodPost, "/tasks/"+args[0]+"/priority", map[string]int{"priority": p})
		},
	})
	return root
}

func shutdownCmd() *cobra.Command {
	var force, noCancel bool
	cmd := &cobra.Command{
		Use:   "shutdown [timeout_ms]",
		Short: "Stop accepting work and drain running tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var timeoutMs int64
			if len(args) == 1 {
				v, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid timeout_ms %q: %w", args[0], err)
				}
				timeoutMs = v
			}
			body := map[string]any{
				"timeout_ms":     timeoutMs,
				"force":          force,
				"cancel_pending": !noCancel,
			}
			return newAdminClient().doAndPrint(http.MethodPost, "/shutdown", body)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "SIGKILL stragglers after the drain timeout")
	cmd.Flags().BoolVar(&noCancel, "no-cancel", false, "pause rather than clear the waiting queue during shutdown")
	return cmd
}

func metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Print the current Prometheus exposition to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newAdminClient().do(http.MethodGet, "/metrics", nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				raw, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("GET /metrics: %s: %s", resp.Status, strings.TrimSpace(string(raw)))
			}
			_, err = io.Copy(os.Stdout, resp.Body)
			return err
		},
	}
}
