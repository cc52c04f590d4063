// Command intake ingests document shipments: it decodes transport
// envelopes, extracts archives and mail attachments, and stages the
// results crash-safely, optionally draining them to S3.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/coverloop/intake/archive"
	"github.com/coverloop/intake/config"
	"github.com/coverloop/intake/ingest"
	"github.com/coverloop/intake/ledger"
	"github.com/coverloop/intake/logger"
	"github.com/coverloop/intake/mailbag"
	"github.com/coverloop/intake/passwd"
	"github.com/coverloop/intake/stager"
	"github.com/coverloop/intake/storage"
	"github.com/coverloop/intake/uploader"
)

var (
	configPath  string
	targetDir   string
	contentType string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "intake",
		Short:         "Document intake: envelope decoding, secure extraction, atomic staging",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml")
	rootCmd.PersistentFlags().StringVarP(&targetDir, "target", "t", "", "target directory (default: staging path from config)")

	decodeCmd := &cobra.Command{
		Use:   "decode <envelope>",
		Short: "Decode a transport envelope and stage its documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), func(ctx context.Context, p *ingest.Pipeline, dir string) (*ingest.Result, error) {
				return p.IngestEnvelope(ctx, args[0], contentType, dir)
			})
		},
	}
	decodeCmd.Flags().StringVar(&contentType, "content-type", "", "envelope Content-Type header (boundary autodetected when omitted)")

	extractCmd := &cobra.Command{
		Use:   "extract <archive>",
		Short: "Extract an archive into the staging area",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), func(ctx context.Context, p *ingest.Pipeline, dir string) (*ingest.Result, error) {
				return p.IngestArchive(ctx, args[0], dir)
			})
		},
	}

	mailCmd := &cobra.Command{
		Use:   "mail <message-or-mbox>",
		Short: "Extract attachments from a mail message or mbox file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), func(ctx context.Context, p *ingest.Pipeline, dir string) (*ingest.Result, error) {
				return p.IngestMail(ctx, args[0], dir)
			})
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background uploader and metrics endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	rootCmd.AddCommand(decodeCmd, extractCmd, mailCmd, serveCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "intake: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration, initializes logging and builds the component
// graph. The ledger is always opened so one-shot runs stay visible to a
// later serve run.
func setup() (config.Config, *ingest.Pipeline, *ledger.Ledger, error) {
	cfg := config.NewDefault()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return cfg, nil, nil, err
		}
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	_ = logFile // closed on process exit

	st := stager.New(cfg.Staging.Path)

	maxTotal, err := cfg.Limits.GetMaxTotalSize()
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("limits.max_total_size: %w", err)
	}
	maxEntry, err := cfg.Limits.GetMaxEntrySize()
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("limits.max_entry_size: %w", err)
	}
	ex := archive.New(st, archive.Options{
		MaxDepth:      cfg.Limits.GetMaxDepth(),
		MaxTotalBytes: maxTotal,
		MaxEntryBytes: maxEntry,
	})

	lookupTimeout, err := cfg.Passwords.GetLookupTimeout()
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("passwords.lookup_timeout: %w", err)
	}
	src := passwd.NewCachedSource(passwd.NewStaticSource(cfg.Passwords), lookupTimeout)
	mail := mailbag.New(st, src, cfg.Mail.GetAllowedExtensions())

	ldb, err := ledger.New(cfg.Staging.Path, cfg.Staging.GetLedgerPath())
	if err != nil {
		return cfg, nil, nil, err
	}

	p := ingest.New(st, ex, mail, src, ldb, nil)
	return cfg, p, ldb, nil
}

func runIngest(ctx context.Context, fn func(context.Context, *ingest.Pipeline, string) (*ingest.Result, error)) error {
	cfg, p, ldb, err := setup()
	if err != nil {
		return err
	}
	defer ldb.Close()

	dir := targetDir
	if dir == "" {
		dir = cfg.Staging.Path
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create target directory %s: %w", dir, err)
	}

	res, err := fn(ctx, p, dir)
	if res != nil {
		for _, d := range res.Diagnostics {
			fmt.Fprintf(os.Stderr, "warning: %s\n", d.String())
		}
		for _, path := range res.Staged {
			fmt.Println(path)
		}
	}
	return err
}

func runServe(ctx context.Context) error {
	cfg, _, ldb, err := setup()
	if err != nil {
		return err
	}
	defer ldb.Close()

	st := stager.New(cfg.Staging.Path)
	if err := ldb.SyncFromDisk(ctx, st); err != nil {
		logger.Error("staging directory sync failed", "error", err)
	}

	errCh := make(chan error, 1)

	var worker *uploader.Worker
	if cfg.S3 != nil {
		s3, err := storage.New(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey,
			cfg.S3.Bucket, !cfg.S3.DisableTLS, cfg.S3.Trace)
		if err != nil {
			return err
		}
		interval, err := cfg.Uploader.GetRetryInterval()
		if err != nil {
			return err
		}
		worker = uploader.New(ldb, s3, cfg.Uploader.GetBatchSize(),
			cfg.Uploader.GetConcurrency(), interval, errCh)
		worker.Start(ctx)
		defer worker.Stop()
	} else {
		logger.Info("no [s3] section configured, uploader disabled")
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.GetAddr(), Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", "addr", cfg.Metrics.GetAddr())
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("background failure, shutting down", "error", err)
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}
