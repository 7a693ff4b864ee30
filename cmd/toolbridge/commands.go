package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/toolbridge/internal/audit"
	"github.com/nugget/toolbridge/internal/bridge"
	"github.com/nugget/toolbridge/internal/buildinfo"
	"github.com/nugget/toolbridge/internal/client"
	"github.com/nugget/toolbridge/internal/usage"
)

// outputJSON reports whether --output json was requested.
func outputJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetString("output")
	return v == "json"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newServersCmd(d deps) *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List configured servers and their connection state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, d, func(a *app) error {
				var statuses []client.Status
				for _, name := range a.client.Servers() {
					st, err := a.client.ServerStatus(name)
					if err != nil {
						return err
					}
					statuses = append(statuses, st)
				}

				w := cmd.OutOrStdout()
				if outputJSON(cmd) {
					return writeJSON(w, statuses)
				}
				if len(statuses) == 0 {
					fmt.Fprintln(w, "No servers configured.")
					return nil
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tSTATE\tCOMMAND\tFEATURES\tAGENTS")
				for _, st := range statuses {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						st.Name, st.State, st.Command,
						dash(strings.Join(st.Features, ",")),
						dash(strings.Join(st.Permissions, ",")))
				}
				return tw.Flush()
			})
		},
	}
}

func newToolsCmd(d deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools [server]",
		Short: "List the tools of a server, or every tool an agent may call",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, _ := cmd.Flags().GetString("agent")
			if len(args) == 0 && agent == "" {
				return errors.New("specify a server or --agent")
			}
			return withApp(cmd, d, func(a *app) error {
				w := cmd.OutOrStdout()

				if len(args) == 1 {
					server := args[0]
					if agent != "" {
						if err := a.client.Authorize(agent, server); err != nil {
							return err
						}
					}
					defs, err := a.client.ListTools(cmd.Context(), server)
					if err != nil {
						return err
					}
					if outputJSON(cmd) {
						return writeJSON(w, defs)
					}
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "TOOL\tDESCRIPTION")
					for _, td := range defs {
						fmt.Fprintf(tw, "%s\t%s\n", td.Name, dash(td.Description))
					}
					return tw.Flush()
				}

				b := a.bridge(agent)
				defer b.Close(cmd.Context())
				tools, failed := b.Tools(cmd.Context())
				if outputJSON(cmd) {
					return writeJSON(w, struct {
						Tools  []bridge.Tool      `json:"tools"`
						Errors map[string]string `json:"errors,omitempty"`
					}{tools, failed})
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tSERVER\tDESCRIPTION")
				for _, t := range tools {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name, t.Server, dash(t.Description))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				for _, server := range sortedKeys(failed) {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %s\n", server, failed[server])
				}
				return nil
			})
		},
	}
	cmd.Flags().String("agent", "", "List tools available to this agent")
	return cmd
}

func newCallCmd(d deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <server> <tool>",
		Short: "Call a tool and print its result",
		Long: "Call a tool on a server. With --agent the call goes through a bridge\n" +
			"session: permissions are enforced, failures are retried and recovered,\n" +
			"and the session is recorded. Without it the call is made directly.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			server, tool := args[0], args[1]
			raw, _ := cmd.Flags().GetString("args")
			agent, _ := cmd.Flags().GetString("agent")

			var toolArgs map[string]any
			if raw != "" {
				if err := json.Unmarshal([]byte(raw), &toolArgs); err != nil {
					return fmt.Errorf("invalid --args: %w", err)
				}
			}

			return withApp(cmd, d, func(a *app) error {
				w := cmd.OutOrStdout()

				if agent == "" {
					res, err := a.client.CallTool(cmd.Context(), server, tool, toolArgs)
					if err != nil {
						return err
					}
					if outputJSON(cmd) {
						if err := writeJSON(w, res); err != nil {
							return err
						}
					} else {
						fmt.Fprintln(w, res.Text())
					}
					if res.IsError {
						return fmt.Errorf("%s on %s reported an error", tool, server)
					}
					return nil
				}

				b := a.bridge(agent)
				res := b.CallTool(cmd.Context(), server, tool, toolArgs)
				b.Close(cmd.Context())

				if outputJSON(cmd) {
					if err := writeJSON(w, res); err != nil {
						return err
					}
				} else if res.Success {
					fmt.Fprintln(w, res.Text())
					if ri := res.RecoveryInfo; ri != nil && ri.Recovered {
						fmt.Fprintf(cmd.ErrOrStderr(), "recovered via %s on %s\n", ri.Strategy, res.Metadata.Server)
					}
				}
				if !res.Success {
					return errors.New(res.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().String("args", "", "Tool arguments as a JSON object")
	cmd.Flags().String("agent", "", "Call through a bridge session for this agent")
	return cmd
}

// healthResult is one row of `toolbridge health`.
type healthResult struct {
	Server  string        `json:"server"`
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

func newHealthCmd(d deps) *cobra.Command {
	return &cobra.Command{
		Use:   "health [server...]",
		Short: "Ping servers and report their latency",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, d, func(a *app) error {
				servers := args
				if len(servers) == 0 {
					servers = a.client.Servers()
				}

				results := make([]healthResult, 0, len(servers))
				var unhealthy int
				for _, server := range servers {
					start := time.Now()
					err := a.client.Ping(cmd.Context(), server)
					r := healthResult{Server: server, Healthy: err == nil, Latency: time.Since(start)}
					if err != nil {
						r.Error = err.Error()
						unhealthy++
					}
					results = append(results, r)
				}

				w := cmd.OutOrStdout()
				if outputJSON(cmd) {
					if err := writeJSON(w, results); err != nil {
						return err
					}
				} else {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "SERVER\tSTATUS\tLATENCY\tERROR")
					for _, r := range results {
						status := "ok"
						if !r.Healthy {
							status = "down"
						}
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Server, status,
							r.Latency.Round(time.Millisecond), dash(r.Error))
					}
					if err := tw.Flush(); err != nil {
						return err
					}
				}
				if unhealthy > 0 {
					return fmt.Errorf("%d of %d servers unhealthy", unhealthy, len(results))
				}
				return nil
			})
		},
	}
}

func newAuditCmd(d deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := audit.Filter{}
			f.Agent, _ = cmd.Flags().GetString("agent")
			f.Server, _ = cmd.Flags().GetString("server")
			kind, _ := cmd.Flags().GetString("kind")
			f.Kind = audit.Kind(kind)
			f.Limit, _ = cmd.Flags().GetInt("limit")
			if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
				f.Since = time.Now().Add(-since)
			}

			return withApp(cmd, d, func(a *app) error {
				if a.audit == nil {
					return errors.New("audit store not configured (set audit.path)")
				}
				entries, err := a.audit.Query(cmd.Context(), f)
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				if outputJSON(cmd) {
					return writeJSON(w, entries)
				}
				if len(entries) == 0 {
					fmt.Fprintln(w, "No audit entries.")
					return nil
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tKIND\tAGENT\tSERVER\tTOOL\tCATEGORY\tSTRATEGY\tMESSAGE")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						e.Timestamp.Local().Format(time.DateTime), e.Kind,
						dash(e.Agent), dash(e.Server), dash(e.Tool),
						dash(e.Category), dash(e.Strategy), truncate(e.Message, 60))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().String("agent", "", "Only entries for this agent")
	cmd.Flags().String("server", "", "Only entries for this server")
	cmd.Flags().String("kind", "", "Only entries of this kind (permission_denied, error, recovery, tool_call)")
	cmd.Flags().Duration("since", 0, "Only entries newer than this age")
	cmd.Flags().Int("limit", 50, "Maximum number of entries")
	return cmd
}

// usageReport is the JSON shape of `toolbridge usage`.
type usageReport struct {
	Since    time.Time                 `json:"since"`
	Until    time.Time                 `json:"until"`
	Total    *usage.Summary            `json:"total"`
	ByServer map[string]*usage.Summary `json:"by_server"`
}

func newUsageCmd(d deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Summarize recorded tool usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			window, _ := cmd.Flags().GetDuration("since")
			return withApp(cmd, d, func(a *app) error {
				if a.usage == nil {
					return errors.New("usage store not configured (set usage.path)")
				}
				end := time.Now()
				start := end.Add(-window)
				total, err := a.usage.Summary(start, end)
				if err != nil {
					return err
				}
				byServer, err := a.usage.SummaryByServer(start, end)
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				if outputJSON(cmd) {
					return writeJSON(w, usageReport{Since: start, Until: end, Total: total, ByServer: byServer})
				}
				fmt.Fprintf(w, "Last %s: %d calls, %.0f%% successful, %d recovered, avg %s\n",
					window, total.TotalRecords, total.SuccessRate()*100, total.Recovered,
					total.AvgLatency.Round(time.Millisecond))
				if len(byServer) == 0 {
					return nil
				}
				fmt.Fprintln(w)
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SERVER\tCALLS\tOK\tFAILED\tRECOVERED\tAVG")
				for _, server := range sortedKeys(byServer) {
					s := byServer[server]
					fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n", server,
						s.TotalRecords, s.Successful, s.Failed, s.Recovered,
						s.AvgLatency.Round(time.Millisecond))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().Duration("since", 24*time.Hour, "Summarize calls newer than this age")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			info := buildinfo.Info()
			if outputJSON(cmd) {
				return writeJSON(w, info)
			}
			fmt.Fprintln(w, buildinfo.String())
			// Stable order for humans.
			for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
				if v, ok := info[k]; ok {
					fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
				}
			}
			return nil
		},
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
