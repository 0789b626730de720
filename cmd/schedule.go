package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	scheduleSpec      string
	scheduleImmediate bool
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run batch re-checks on a cron schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if scheduleSpec != "" {
			cfg.Schedule.Spec = scheduleSpec
		}

		env, err := initPipeline(ctx, "schedule")
		if err != nil {
			return err
		}
		defer env.Close()

		if checker := buildMonitor(env, cfg.Monitoring); checker != nil {
			go checker.Run(ctx)
		}

		c, err := newScheduler(ctx, cfg.Schedule.Spec, func(ctx context.Context) {
			if _, err := runBatch(ctx, env, batchOptions{}); err != nil {
				zap.L().Error("scheduled batch failed", zap.Error(err))
			}
		})
		if err != nil {
			return err
		}

		if scheduleImmediate {
			go c.Entries()[0].Job.Run()
		}

		c.Start()
		zap.L().Info("scheduler started", zap.String("spec", cfg.Schedule.Spec))

		<-ctx.Done()
		zap.L().Info("stopping scheduler")
		<-c.Stop().Done()
		return nil
	},
}

func init() {
	scheduleCmd.Flags().StringVar(&scheduleSpec, "spec", "", "cron spec (default from config)")
	scheduleCmd.Flags().BoolVar(&scheduleImmediate, "now", false, "also run one batch immediately")
	rootCmd.AddCommand(scheduleCmd)
}

// newScheduler registers job under spec. Overlapping runs are skipped.
func newScheduler(ctx context.Context, spec string, job func(context.Context)) (*cron.Cron, error) {
	logger := cronLogger{zap.S().Named("cron")}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(spec, func() { job(ctx) }); err != nil {
		return nil, eris.Wrapf(err, "schedule: invalid spec %q", spec)
	}
	return c, nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
