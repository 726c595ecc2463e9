package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/spf13/cobra"

	"github.com/sandeepkandula/treesync/queue"
	"github.com/sandeepkandula/treesync/sync"
)

var errSyncFailed = errors.New("sync finished with errors")

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "treesync [flags] <localdir> <s3://bucket[/root]>",
		Short: "Mirror a local directory tree into an S3 bucket",
		Long: `treesync uploads every file under <localdir> whose remote copy is missing or
different, and can optionally delete remote objects that no longer exist
locally. Files are compared by size unless --compare hash is given.`,
		Version:       version,
		Args:          cobra.ExactArgs(2),
		RunE:          run,
		SilenceErrors: true,
	}

	f := cmd.Flags()
	f.SortFlags = false
	f.IntP("concurrency", "c", queue.DefaultConcurrency, "maximum concurrent operations per phase")
	f.BoolP("delete", "d", false, "delete remote objects that do not exist locally")
	f.BoolP("just-delete", "j", false, "only delete, do not upload")
	f.String("compare", sync.SizeStrategy.String(), "change detection: size or hash")
	f.BoolP("md5", "m", false, "shorthand for --compare hash")
	f.BoolP("dry-run", "n", false, "show what would change without changing anything")
	f.StringSlice("exclude", nil, "glob of paths to skip, relative to <localdir> (repeatable)")
	f.String("storage-class", string(types.StorageClassStandard), "S3 storage class for uploaded objects")
	f.String("region", "us-east-1", "AWS region")
	f.String("endpoint", "", "custom S3-compatible endpoint URL (uses path-style addressing)")
	f.String("profile", "", "AWS shared config profile")
	f.String("log-level", "info", "log level: debug, info, warn or error")
	cmd.PersistentFlags().String("config", filepath.Join(defaultConfigDir, defaultConfigName+".yaml"), "config file")
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cmd.SilenceUsage = true

	level, _ := parseLevel(cfg.LogLevel)
	logger := newLogger(os.Stderr, level)
	slog.SetDefault(logger)
	if cfg.Path != "" {
		logger.Debug("using config file", "path", cfg.Path)
	}

	ctx := cmd.Context()
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return err
	}
	dst := sync.NewS3Destination(client, cfg.Bucket, types.StorageClass(cfg.StorageClass))
	defer dst.Close()

	strategy, _ := sync.ParseStrategy(cfg.Compare)
	engine, err := sync.New(sync.Options{
		Src:         cfg.Src,
		Dst:         dst,
		DstRoot:     cfg.Root,
		Concurrency: cfg.Concurrency,
		Compare:     strategy,
		Delete:      cfg.Delete,
		DeleteOnly:  cfg.DeleteOnly,
		DryRun:      cfg.DryRun,
		Exclude:     cfg.Exclude,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	stop := notifyStatus(func() { logStatus(logger, engine.Phase(), engine.Status()) })
	defer stop()

	report, err := engine.Run(ctx)
	if err != nil {
		return err
	}
	report.WriteErrors(os.Stderr)
	if !report.OK() {
		return errSyncFailed
	}
	return nil
}

// logStatus prints every queue that still has work waiting.
func logStatus(log *slog.Logger, phase sync.Phase, statuses []queue.Status) {
	log.Info("status", "phase", phase)
	for _, st := range statuses {
		if st.Running == 0 && len(st.Pending) == 0 {
			continue
		}
		log.Info("queue", "name", st.Name, "running", st.Running, "pending", len(st.Pending))
		for _, p := range st.Pending {
			log.Info("pending", "queue", st.Name, "path", p)
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		// a second signal kills the process
		stop()
	}()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errSyncFailed) {
			fmt.Fprintln(os.Stderr, "treesync:", err)
		}
		os.Exit(1)
	}
}
