// Command overlap is the synchronous overlap probe (C10): given an
// intended edit, it reports whether a teammate session is actively
// touching the same region and exits with a code a calling hook or
// shell script can branch on.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/overlap-dev/tracer/internal/config"
	"github.com/overlap-dev/tracer/internal/overlap"
)

func main() {
	var (
		repoOverride string
		filePath     string
		oldString    string
		hookMode     bool
		machineMode  bool
		strict       bool
		configPath   string
	)

	cmd := &cobra.Command{
		Use:   "overlap",
		Short: "Check whether an intended edit overlaps a teammate's active session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}

			if configPath == "" {
				configPath, err = config.DefaultConfigPath()
				if err != nil {
					return err
				}
			}
			cfg, err := config.LoadOrDefault(configPath)
			if err != nil {
				return err
			}

			teams := make([]overlap.Team, 0, len(cfg.Teams))
			for _, t := range cfg.Teams {
				teams = append(teams, overlap.Team{InstanceURL: t.InstanceURL, Token: t.UserToken})
			}

			probe := overlap.New(teams, cfg.UserIDs())
			res := probe.Run(context.Background(), overlap.Request{
				Cwd:          cwd,
				FilePath:     filePath,
				OldString:    oldString,
				RepoOverride: repoOverride,
			})

			var writeErr error
			switch {
			case hookMode:
				writeErr = overlap.WriteHook(os.Stdout, res)
			case machineMode:
				writeErr = overlap.WriteMachine(os.Stdout, res)
			default:
				writeErr = overlap.WriteHuman(os.Stdout, res)
			}
			if writeErr != nil {
				return writeErr
			}

			os.Exit(overlap.ExitCode(res, strict))
			return nil
		},
	}

	cmd.Flags().StringVar(&repoOverride, "repo", "", "repo name to use when the working directory is not a git checkout")
	cmd.Flags().StringVar(&filePath, "file", "", "path of the file being edited (required)")
	cmd.Flags().StringVar(&oldString, "old-string", "", "the substring being replaced, used to resolve the enclosing symbol")
	cmd.Flags().BoolVar(&hookMode, "hook", false, "emit editor-hook JSON (permissionDecision on block)")
	cmd.Flags().BoolVar(&machineMode, "machine", false, "emit machine-readable JSON")
	cmd.Flags().BoolVar(&strict, "strict", false, "exit 2 on a block decision instead of 0")
	cmd.Flags().StringVar(&configPath, "config", "", "path to config.json (defaults to the per-user state directory)")
	cmd.MarkFlagRequired("file")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
