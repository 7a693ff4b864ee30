package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nugget/toolbridge/examples"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Write an example toolbridge.yaml (default: current directory)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return runInit(cmd.OutOrStdout(), dir)
		},
	}
}

func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, "toolbridge.yaml")
	wrote, err := writeIfMissing(path, examples.ConfigYAML)
	if err != nil {
		return err
	}
	if !wrote {
		fmt.Fprintf(w, "  - %s (exists, left unchanged)\n", path)
		return nil
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit the servers and agents sections, then run `toolbridge servers`.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, so init never overwrites a user's configuration.
func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
