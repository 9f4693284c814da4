package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"folio/media/internal/app"
	"folio/media/internal/config"
	"folio/media/internal/log"
	"folio/media/internal/models"
	"folio/media/internal/optimize"
	"folio/media/internal/queue"
	"folio/media/internal/service"
)

// exitErr carries a numeric exit code through the cobra error path.
type exitErr struct {
	code int
	msg  string
}

func (e *exitErr) Error() string { return e.msg }

func codeError(code int, format string, args ...any) error {
	return &exitErr{code: code, msg: fmt.Sprintf(format, args...)}
}

type optimizeFlags struct {
	category    string
	tag         string
	limit       int
	formats     []string
	quality     int
	concurrency int
	wait        bool
}

func main() {
	root := &cobra.Command{
		Use:           "mediactl",
		Short:         "Operate the media derivative pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var of optimizeFlags
	optimizeAll := &cobra.Command{
		Use:   "optimize-all",
		Short: "Submit every unoptimized image to a new optimization job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return runOptimizeAll(ctx, a, of)
			})
		},
	}
	f := optimizeAll.Flags()
	f.StringVar(&of.category, "category", "", "Only assets in this category")
	f.StringVar(&of.tag, "tag", "", "Only assets carrying this tag")
	f.IntVar(&of.limit, "limit", 0, "Maximum assets to submit (0 means the configured batch cap)")
	f.StringSliceVar(&of.formats, "formats", nil, "Target formats, e.g. webp,avif")
	f.IntVar(&of.quality, "quality", 0, "Encoder quality 1-100 (0 means the configured default)")
	f.IntVar(&of.concurrency, "concurrency", 0, "Workers for the job: 1, 5, 10 or 20")
	f.BoolVar(&of.wait, "wait", false, "Block until the job finishes (always on in local mode)")

	status := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print an optimization job's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				job, err := a.Scheduler.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(job)
			})
		},
	}

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Fail optimization leases that have expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Processor.Submit(ctx, queue.Task{Type: queue.TaskSweep})
			})
		},
	}

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Finish interrupted deletions and reclaim abandoned uploads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Processor.Submit(ctx, queue.Task{Type: queue.TaskPurge})
			})
		},
	}

	var force bool
	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Close jobs interrupted by a restart",
		Long: "Fails every active job that is not running in this process. In stream mode " +
			"that includes jobs workers are executing, so stop the workers first and pass --force.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if a.Config.Queue.Mode == "stream" && !force {
					return codeError(2, "recover in stream mode requires --force with workers stopped")
				}
				report, err := a.Scheduler.Recover(ctx)
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}
	recoverCmd.Flags().BoolVar(&force, "force", false, "Run even in stream mode")

	var category string
	var tags []string
	var public bool
	upload := &cobra.Command{
		Use:   "upload <file>",
		Short: "Ingest a local file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				file, err := os.Open(args[0])
				if err != nil {
					return codeError(3, "open %s: %s", args[0], err)
				}
				defer file.Close()
				asset, err := a.Uploads.Upload(ctx, service.UploadInput{
					File:     file,
					Filename: filepath.Base(file.Name()),
					Category: category,
					Tags:     tags,
					IsPublic: public,
				})
				if err != nil {
					return err
				}
				return printJSON(asset)
			})
		},
	}
	upload.Flags().StringVar(&category, "category", "", "Asset category")
	upload.Flags().StringSliceVar(&tags, "tags", nil, "Comma separated tags")
	upload.Flags().BoolVar(&public, "public", false, "Mark the asset public")

	root.AddCommand(optimizeAll, status, sweep, purge, recoverCmd, upload)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		var ee *exitErr
		if errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, "Error:", ee.msg)
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return codeError(3, "load config: %s", err)
	}
	logger := log.New(cfg.Environment, cfg.Logging.Level)
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func runOptimizeAll(ctx context.Context, a *app.App, of optimizeFlags) error {
	result, err := a.Scheduler.OptimizeAll(ctx, optimize.OptimizeAllRequest{
		Filter:      models.AssetQuery{Category: of.category, Tag: of.tag, Limit: of.limit},
		Formats:     of.formats,
		Quality:     of.quality,
		Concurrency: of.concurrency,
	})
	if err != nil {
		return err
	}
	if result.Job == nil {
		if len(result.Rejected) > 0 {
			for _, r := range result.Rejected {
				fmt.Fprintf(os.Stderr, "rejected %s: %s (%s)\n", r.AssetID, r.Reason, r.Code)
			}
			return codeError(2, "no assets admitted")
		}
		fmt.Fprintln(os.Stderr, "nothing to optimize")
		return nil
	}

	local := !strings.EqualFold(a.Config.Queue.Mode, "stream")
	if !of.wait && !local {
		return printJSON(result)
	}
	job, err := a.Scheduler.Wait(ctx, result.Job.JobID)
	if err != nil {
		return err
	}
	return printJSON(job)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
