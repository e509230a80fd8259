package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/upsitesolutions/sir/internal/app"
	"github.com/upsitesolutions/sir/internal/config"
	"github.com/upsitesolutions/sir/internal/domain"
	"github.com/upsitesolutions/sir/internal/service"
	apperrors "github.com/upsitesolutions/sir/pkg/errors"
	"github.com/upsitesolutions/sir/pkg/logger"
	"github.com/upsitesolutions/sir/pkg/tracing"
)

const serviceName = "sir-reindex-cli"

// pipelineFactory builds the reindex service. The returned func releases it.
type pipelineFactory func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*service.ReindexService, func(), error)

func newPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*service.ReindexService, func(), error) {
	p, err := app.NewPipeline(ctx, cfg, serviceName, logger)
	if err != nil {
		return nil, nil, err
	}
	return p.Service, p.Close, nil
}

type cli struct {
	stdout  io.Writer
	stderr  io.Writer
	factory pipelineFactory

	logLevel string
	dryRun   bool
	strict   bool
	sources  []string
}

func newRootCmd(stdout, stderr io.Writer, factory pipelineFactory) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr, factory: factory}

	root := &cobra.Command{
		Use:           "reindex",
		Short:         "Reindex the search entities affected by a MusicBrainz change",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level (default: LOG_LEVEL)")
	root.PersistentFlags().BoolVar(&c.dryRun, "dry-run", false, "resolve only; record the dispatch in memory")
	root.PersistentFlags().BoolVar(&c.strict, "strict", false, "exit non-zero when any source or step failed")

	root.AddCommand(
		&cobra.Command{
			Use:   "artist <gid>",
			Short: "Reindex every recording, release and release group credited to an artist",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.runSeed(cmd.Context(), domain.KindArtist, args[0])
			},
		},
		&cobra.Command{
			Use:   "recording <gid>",
			Short: "Reindex a single recording",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.runSeed(cmd.Context(), domain.KindRecording, args[0])
			},
		},
	)

	overrides := &cobra.Command{
		Use:   "overrides",
		Short: "Reindex recordings carrying locally curated data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd.Context(), func(ctx context.Context, svc *service.ReindexService) (*service.Outcome, error) {
				return svc.ReindexOverrides(ctx, c.sources...)
			})
		},
	}
	overrides.Flags().StringSliceVar(&c.sources, "source", nil, "override source to scan (repeatable; default: all)")
	root.AddCommand(overrides)

	return root
}

func (c *cli) runSeed(ctx context.Context, kind domain.Kind, gid string) error {
	// Malformed ids are rejected before any connection is made.
	if _, err := domain.ParseGID(gid); err != nil {
		fmt.Fprintf(c.stderr, "error: %s %q: %s\n", kind, gid, domain.InvalidUUIDMessage)
		return &reportedError{err}
	}
	return c.run(ctx, func(ctx context.Context, svc *service.ReindexService) (*service.Outcome, error) {
		if kind == domain.KindArtist {
			return svc.ReindexArtist(ctx, gid)
		}
		return svc.ReindexRecording(ctx, gid)
	})
}

func (c *cli) run(ctx context.Context, fn func(context.Context, *service.ReindexService) (*service.Outcome, error)) error {
	cfg, err := config.Load()
	if err != nil {
		return c.fail(err)
	}
	if c.logLevel == "" {
		c.logLevel = cfg.LogLevel
	}
	if c.dryRun {
		cfg.Dispatcher = config.DispatcherMemory
	}
	l := logger.NewText(serviceName, c.logLevel, c.stderr)

	shutdown, err := tracing.InitTracer(ctx, cfg.Tracing(serviceName))
	if err != nil {
		return c.fail(err)
	}
	defer func() { _ = shutdown(context.WithoutCancel(ctx)) }()

	svc, release, err := c.factory(ctx, cfg, l)
	if err != nil {
		return c.fail(err)
	}
	defer release()

	outcome, err := fn(ctx, svc)
	if err != nil {
		return c.fail(err)
	}

	c.printCounts(outcome.Set)
	for _, w := range outcome.Warnings {
		l.Warn("partial failure", slog.String("error", w.Error()))
	}
	if c.strict && len(outcome.Warnings) > 0 {
		return c.fail(fmt.Errorf("completed with %d partial failures", len(outcome.Warnings)))
	}
	return nil
}

func (c *cli) printCounts(set *domain.ReindexSet) {
	if set.IsEmpty() {
		fmt.Fprintln(c.stdout, "nothing to reindex")
		return
	}
	for _, kind := range set.Kinds() {
		fmt.Fprintf(c.stdout, "%s: %d\n", kind, set.Len(kind))
	}
	fmt.Fprintf(c.stdout, "total: %d\n", set.Total())
}

// reportedError is an error already printed to stderr.
type reportedError struct{ error }

func (e *reportedError) Unwrap() error { return e.error }

// fail prints err for the operator and returns it so main exits non-zero.
func (c *cli) fail(err error) error {
	msg := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	fmt.Fprintln(c.stderr, "error:", msg)
	return &reportedError{err}
}

// execute runs root and prints errors cobra returns before any command ran,
// such as a wrong argument count.
func execute(ctx context.Context, root *cobra.Command, stderr io.Writer) error {
	err := root.ExecuteContext(ctx)
	var reported *reportedError
	if err != nil && !errors.As(err, &reported) {
		fmt.Fprintln(stderr, "error:", err)
	}
	return err
}
