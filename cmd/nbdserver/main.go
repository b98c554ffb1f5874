// Command nbdserver runs the NBD server described in spec.md: it wires the
// object-store client pool, the export registry, and the TCP listener
// together, then serves until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kardianos/osext"
	"github.com/mattn/go-isatty"
	"github.com/sevlyar/go-daemon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tcehjaava/nbd-server/internal/config"
	"github.com/tcehjaava/nbd-server/internal/export"
	"github.com/tcehjaava/nbd-server/internal/nbd"
	"github.com/tcehjaava/nbd-server/internal/objectstore"
)

var (
	flagConfigFile string
	flagHost       string
	flagPort       int
	flagExportSize int64
	flagBlockSize  int64
	flagBucket     string
	flagEndpoint   string
	flagRegion     string
	flagDaemonize  bool
)

func main() {
	_ = godotenv.Load() // optional; absence is not an error

	root := &cobra.Command{
		Use:   "nbdserver",
		Short: "Serve S3-backed block devices over the NBD protocol",
		RunE:  run,
	}

	root.Flags().StringVar(&flagConfigFile, "config", "", "path to a YAML config file")
	root.Flags().StringVar(&flagHost, "host", "", "listen host (overrides config)")
	root.Flags().IntVar(&flagPort, "port", 0, "listen port (overrides config)")
	root.Flags().Int64Var(&flagExportSize, "export-size", 0, "export size in bytes (overrides config)")
	root.Flags().Int64Var(&flagBlockSize, "block-size", 0, "block size in bytes (overrides config)")
	root.Flags().StringVar(&flagBucket, "s3-bucket", "", "S3 bucket (overrides config)")
	root.Flags().StringVar(&flagEndpoint, "s3-endpoint", "", "S3-compatible endpoint URL (overrides config)")
	root.Flags().StringVar(&flagRegion, "s3-region", "", "S3 region (overrides config)")
	root.Flags().BoolVar(&flagDaemonize, "daemon", false, "run in the background")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() *logrus.Entry {
	log := logrus.New()
	if isatty.IsTerminal(os.Stdout.Fd()) {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return logrus.NewEntry(log)
}

// envOr returns os.Getenv(key) if set, else fallback.
func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// envOrInt64 parses the NBD_*-prefixed environment variable as an int64,
// falling back to fallback if unset or unparseable.
func envOrInt64(key string, fallback int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envOrInt(key string, fallback int) int {
	return int(envOrInt64(key, int64(fallback)))
}

// loadConfig resolves every setting with flags taking precedence over
// NBD_*-prefixed environment variables, which in turn override the loaded
// config file (spec.md §1, SPEC_FULL.md §10). Every flag except --config and
// --daemon has an NBD_* variable; the S3 access and secret keys have
// variables but no flags.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flagConfigFile)
	if err != nil {
		return cfg, err
	}

	cfg.Host = envOr("NBD_HOST", cfg.Host)
	cfg.Port = envOrInt("NBD_PORT", cfg.Port)
	cfg.ExportSize = envOrInt64("NBD_EXPORT_SIZE", cfg.ExportSize)
	cfg.BlockSize = envOrInt64("NBD_BLOCK_SIZE", cfg.BlockSize)
	cfg.S3.Bucket = envOr("NBD_S3_BUCKET", cfg.S3.Bucket)
	cfg.S3.EndpointURL = envOr("NBD_S3_ENDPOINT", cfg.S3.EndpointURL)
	cfg.S3.Region = envOr("NBD_S3_REGION", cfg.S3.Region)
	cfg.S3.AccessKey = envOr("NBD_S3_ACCESS_KEY", cfg.S3.AccessKey)
	cfg.S3.SecretKey = envOr("NBD_S3_SECRET_KEY", cfg.S3.SecretKey)

	if flagHost != "" {
		cfg.Host = flagHost
	}
	if flagPort != 0 {
		cfg.Port = flagPort
	}
	if flagExportSize != 0 {
		cfg.ExportSize = flagExportSize
	}
	if flagBlockSize != 0 {
		cfg.BlockSize = flagBlockSize
	}
	if flagBucket != "" {
		cfg.S3.Bucket = flagBucket
	}
	if flagEndpoint != "" {
		cfg.S3.EndpointURL = flagEndpoint
	}
	if flagRegion != "" {
		cfg.S3.Region = flagRegion
	}

	return cfg, cfg.Validate()
}

func run(cmd *cobra.Command, args []string) error {
	log := setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if flagDaemonize || cfg.Daemonize {
		exe, err := osext.Executable()
		if err != nil {
			return fmt.Errorf("resolve executable path: %w", err)
		}
		ctx := &daemon.Context{
			PidFileName: "nbdserver.pid",
			PidFilePerm: 0o644,
			LogFileName: "nbdserver.log",
			LogFilePerm: 0o640,
			WorkDir:     "./",
			Args:        append([]string{exe}, os.Args[1:]...),
		}
		child, err := ctx.Reborn()
		if err != nil {
			return fmt.Errorf("daemonize via %s: %w", exe, err)
		}
		if child != nil {
			// parent: the child has been spawned, nothing left to do.
			return nil
		}
		defer ctx.Release()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("received signal, shutting down")
		cancel()
	}()

	pool, err := objectstore.New(ctx, objectstore.Config{
		EndpointURL:        cfg.S3.EndpointURL,
		AccessKey:          cfg.S3.AccessKey,
		SecretKey:          cfg.S3.SecretKey,
		Bucket:             cfg.S3.Bucket,
		Region:             cfg.S3.Region,
		MaxPoolConnections: cfg.MaxPoolConnections,
	}, log)
	if err != nil {
		return fmt.Errorf("initialize object store pool: %w", err)
	}
	defer pool.Close()

	if err := pool.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}

	leaseDuration := time.Duration(cfg.LeaseDurationSeconds) * time.Second
	registry := export.New(pool, export.Config{
		BlockSize:     cfg.BlockSize,
		LeaseDuration: leaseDuration,
	}, log)
	log.WithField("server_id", registry.ServerID()).Info("export registry initialized")

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	ln, err := nbd.Listen(addr, cfg.ExportSize, registryOpener{registry}, log)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	log.WithField("addr", ln.Addr().String()).Info("nbd server listening")

	errCh := make(chan error, 1)
	go func() { errCh <- ln.Serve(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("listener stopped unexpectedly")
		}
	}

	if err := ln.Shutdown(); err != nil {
		log.WithError(err).Warn("error during listener shutdown")
	}
	return nil
}

// registryOpener adapts export.Registry's concrete *blockstore.Store return
// to nbd.Opener's Storage interface.
type registryOpener struct {
	r *export.Registry
}

func (o registryOpener) Open(ctx context.Context, exportName string) (nbd.Storage, string, error) {
	store, connID, err := o.r.Open(ctx, exportName)
	if err != nil {
		return nil, connID, err
	}
	return store, connID, nil
}
