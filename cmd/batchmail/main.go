// Command batchmail sends the configured template to every address in the
// send list, skipping bounced addresses and writing failures to a CSV that
// can be fed back in as the next send list.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lattiq/batchmail"
	"github.com/lattiq/batchmail/internal/logger"
)

const (
	exitOK    = 0
	exitFatal = 1
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run is main without the process exit, so tests can drive it.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("batchmail", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	envFile := fs.String("env-file", "", "load environment from this file instead of ./.env")
	showVersion := fs.Bool("version", false, "print version information and exit")
	fs.String("recipients", batchmail.DefaultRecipientsPath, "send list CSV (path or s3://bucket/key)")
	fs.String("bounces", batchmail.DefaultBouncesPath, "bounced email CSV (path or s3://bucket/key)")
	fs.String("failures", batchmail.DefaultFailuresPath, "failed email CSV to write")
	fs.Int("concurrency", 0, "maximum in-flight sends, 0 for unbounded")
	fs.String("provider", "sendgrid", "mail provider: sendgrid, aws_ses, mailgun or smtp")
	fs.String("metrics-file", "", "write Prometheus metrics to this file when done")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitFatal
	}

	if *showVersion {
		batchmail.PrintVersion(stdout)
		return exitOK
	}

	boot := zerolog.New(stderr).With().Timestamp().Logger()
	boot.Info().Msg("script started, validating environment variables")

	var envFiles []string
	if *envFile != "" {
		envFiles = append(envFiles, *envFile)
	}
	if err := batchmail.LoadEnvFiles(envFiles...); err != nil {
		boot.Error().Err(err).Msg("failed to load env file")
		return exitFatal
	}

	v := batchmail.NewViper()
	if err := bindFlags(v, fs); err != nil {
		boot.Error().Err(err).Msg("failed to bind flags")
		return exitFatal
	}

	config, err := batchmail.ConfigFromViper(v)
	if err != nil {
		boot.Error().Err(err).Msg("invalid configuration")
		return exitFatal
	}

	log, err := logger.New(config.Monitoring.Logging.Env, config.Monitoring.Logging.Level, stderr)
	if err != nil {
		boot.Error().Err(err).Msg("invalid log level")
		return exitFatal
	}
	log.Info().
		Str("provider", config.Provider.Type.String()).
		Str("from", config.Sender.From.Email).
		Str("subject", config.Sender.ResolvedSubject()).
		Msg("variables confirmed")

	sink, err := batchmail.OpenFailureSink(config.Sources.Failures)
	if err != nil {
		log.Error().Err(err).Str("path", config.Sources.Failures).Msg("failed to open failure file")
		return exitFatal
	}

	dispatcher, err := batchmail.New(config, sink, batchmail.WithLogger(*log))
	if err != nil {
		sink.Close()
		log.Error().Err(err).Msg("failed to create dispatcher")
		return exitFatal
	}
	defer dispatcher.Close()

	summary, err := dispatcher.Run(ctx,
		batchmail.NewFileSource(config.Sources.Bounces, config.Sources.Region),
		batchmail.NewFileSource(config.Sources.Recipients, config.Sources.Region),
	)
	if closeErr := sink.Close(); closeErr != nil {
		log.Error().Err(closeErr).Str("path", config.Sources.Failures).Msg("failed to flush failure file")
		return exitFatal
	}
	if err != nil {
		log.Error().Err(err).Msg("run aborted")
		return exitFatal
	}

	fmt.Fprintf(stdout, "Sending complete! Sent %d emails (%d succeeded, %d failed, %d skipped).\n",
		summary.Total, summary.Succeeded, summary.Failed, summary.Skipped)
	if summary.Failed > 0 {
		fmt.Fprintf(stdout, "Failed addresses written to %s\n", config.Sources.Failures)
	}
	return exitOK
}

// bindFlags lets explicitly set flags override the matching env keys.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	bindings := map[string]string{
		"recipients":   batchmail.EnvRecipientsPath,
		"bounces":      batchmail.EnvBouncesPath,
		"failures":     batchmail.EnvFailuresPath,
		"concurrency":  batchmail.EnvConcurrency,
		"provider":     batchmail.EnvProvider,
		"metrics-file": batchmail.EnvMetricsFile,
	}
	for flag, key := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return fmt.Errorf("binding --%s: %w", flag, err)
		}
	}
	return nil
}
