package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"facelapse/internal/pipeline"
	"facelapse/internal/server"
	"facelapse/internal/watcher"
)

// Version is set at build time.
var Version = "dev"

// NewRootCmd creates the root Cobra command.
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "facelapse",
		Short: "Facelapse turns a directory of daily photos into an aligned timelapse",
		Long: `Facelapse detects the face in each input photo, aligns every frame to a
shared eye position, scale, and rotation, and assembles the result into a
video. Expensive work is cached, so rerunning after adding photos only
processes what changed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))
	rootCmd.AddCommand(newCacheCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newRunCmd(root *Root) *cobra.Command {
	var noProgress bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process the input directory once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if noProgress {
				pipe, err := root.newPipeline()
				if err != nil {
					return err
				}
				return pipe.Run(cmd.Context(), root.cfg.Paths.InputDir)
			}
			return root.runOnce(cmd.Context())
		},
	}

	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable the progress bar")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run once, then re-run whenever the input directory changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			w := watcher.New(root.cfg.Paths.InputDir, debounce, root.log)
			go func() {
				if err := w.Run(ctx); err != nil && ctx.Err() == nil {
					root.log.Error("watcher stopped", "error", err)
				}
			}()

			if err := root.runOnce(ctx); err != nil {
				root.log.Error("run failed", "error", err)
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-w.Triggers:
					root.log.Info("input changed, starting run")
					if err := root.runOnce(ctx); err != nil {
						root.log.Error("run failed", "error", err)
					}
				}
			}
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", 0, "quiet period before a change triggers a run")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Process the input directory while serving progress over HTTP",
		Long: `Start a pipeline run and an HTTP server reporting on it. The server offers
run history under /api/runs and live progress as server-sent events under
/stream or a websocket under /ws.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			pipe, err := root.newPipeline()
			if err != nil {
				return err
			}

			runErr := make(chan error, 1)
			go func() {
				runErr <- pipe.Run(ctx, root.cfg.Paths.InputDir)
			}()

			srv := server.NewServer(addr, root.store, pipe, root.log)
			if err := srv.Start(ctx); err != nil {
				return err
			}
			cancel()
			return <-runErr
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to the configured server.addr)")
	cmd.PreRun = func(*cobra.Command, []string) {
		if addr == "" {
			addr = root.cfg.Server.Addr
		}
	}
	return cmd
}

func newHistoryCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded pipeline runs, or the stages of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) == 1 {
				return root.printRunStages(args[0])
			}
			return root.printRecentRuns(limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	return cmd
}

func newCacheCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage cached artifacts",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete all cached artifacts",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return root.cacheClear()
		},
	})
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialize configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return root.configShow()
		},
	})

	var path string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return root.configInit(path)
		},
	}
	initCmd.Flags().StringVar(&path, "path", "", "where to write the file (default ~/.config/facelapse/config.json)")
	cmd.AddCommand(initCmd)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("facelapse %s\n", Version)
		},
	}
}

// runOnce builds and runs a fresh pipeline with a progress bar attached.
func (r *Root) runOnce(ctx context.Context) error {
	pipe, err := r.newPipeline()
	if err != nil {
		return err
	}
	events, unsub := pipe.Subscribe()
	defer unsub()
	done := make(chan struct{})
	go func() {
		defer close(done)
		renderProgress(events)
	}()
	defer func() { <-done }()
	return pipe.Run(ctx, r.cfg.Paths.InputDir)
}

// renderProgress draws one progress bar per stage from the event stream.
func renderProgress(events <-chan pipeline.Event) {
	var bar *progressbar.ProgressBar
	for ev := range events {
		switch ev.Kind {
		case "stage_start":
			bar = progressbar.NewOptions(ev.Total,
				progressbar.OptionSetDescription(ev.Stage),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		case "step":
			if bar != nil {
				bar.Set(ev.Index)
			}
		case "stage_done":
			if bar != nil {
				bar.Finish()
				bar = nil
			}
		}
	}
}

func (r *Root) printRecentRuns(limit int) error {
	runs, err := r.store.RecentRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(r.out, "No recorded runs.")
		return nil
	}
	for _, run := range runs {
		fmt.Fprintf(r.out, "%s  %-9s  %3d frames  %s  %s\n",
			run.StartedAt.Format(time.RFC3339), run.Status, run.FrameCount, run.ID, run.Error)
	}
	return nil
}

func (r *Root) printRunStages(runID string) error {
	stages, err := r.store.RunStages(runID)
	if err != nil {
		return err
	}
	if len(stages) == 0 {
		fmt.Fprintf(r.out, "No stages recorded for run %s.\n", runID)
		return nil
	}
	for _, st := range stages {
		fmt.Fprintf(r.out, "%-12s  %-9s  %6dms  %3d frames\n",
			st.Stage, st.Status, st.Duration.Milliseconds(), st.FrameCount)
	}
	return nil
}
