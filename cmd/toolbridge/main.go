// Toolbridge connects to MCP-style tool servers over stdio and exposes
// them through a small CLI for inspecting servers and making one-shot
// tool calls. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	toolbridge servers                          List configured servers
//	toolbridge tools <server>                   List a server's tools
//	toolbridge tools --agent <agent>            List every tool an agent may call
//	toolbridge call <server> <tool> --args '{}' Call a tool
//	toolbridge health [server...]               Ping servers
//	toolbridge audit                            Show recent audit entries
//	toolbridge usage                            Summarize recorded tool usage
//	toolbridge init [dir]                       Write an example config
//	toolbridge version                          Print build information
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nugget/toolbridge/internal/mcp"
)

// main builds the OS-level environment and hands off to [run], which
// keeps process globals out of the command logic so the CLI can be
// driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

// run executes the command line in args. Command output goes to stdout,
// logs to stderr.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	root := newRootCmd(deps{launcher: mcp.LaunchStdio})
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// deps are the collaborators tests replace.
type deps struct {
	launcher mcp.Launcher
}

func newRootCmd(d deps) *cobra.Command {
	root := &cobra.Command{
		Use:   "toolbridge",
		Short: "Resilient client for stdio tool servers",
		Long: "toolbridge manages connections to MCP-style JSON-RPC tool servers,\n" +
			"enforcing per-agent permissions and recovering from failures.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "Path to config file (default: auto-discover)")
	root.PersistentFlags().StringP("output", "o", "text", "Output format: text or json")
	root.PersistentFlags().String("log-level", "", "Override the configured log level")
	root.PersistentFlags().String("log-format", "text", "Log format: text or json")
	root.PersistentFlags().String("metrics-file", "", "Write Prometheus metrics to this file on exit")

	root.AddCommand(newServersCmd(d))
	root.AddCommand(newToolsCmd(d))
	root.AddCommand(newCallCmd(d))
	root.AddCommand(newHealthCmd(d))
	root.AddCommand(newAuditCmd(d))
	root.AddCommand(newUsageCmd(d))
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())
	return root
}
