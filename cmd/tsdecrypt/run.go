package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tsdecrypt/internal/config"
	"github.com/zsiec/tsdecrypt/internal/control"
	"github.com/zsiec/tsdecrypt/internal/descrambler"
	"github.com/zsiec/tsdecrypt/internal/health"
	"github.com/zsiec/tsdecrypt/internal/ingest"
	"github.com/zsiec/tsdecrypt/internal/logger"
	"github.com/zsiec/tsdecrypt/internal/pipeline"
	"github.com/zsiec/tsdecrypt/internal/server"
	"github.com/zsiec/tsdecrypt/internal/source"
	"github.com/zsiec/tsdecrypt/pkg/version"
)

type runOptions struct {
	output       string
	caNum        string
	stallTimeout time.Duration
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <input>",
		Short: "Descramble a recording or a live udp://, rtp:// or srt:// input",
		Long: `Descramble a transport stream. The input is either a file path, where
name, name.001, name.002, ... are read as one recording, or a live URL:

  udp://bind:port
  rtp://bind:port
  srt://host:port?mode=caller|listener&streamid=...

Keys arrive over the Redis control channel or the control API.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log, err := logger.New(&cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, log, args[0], opts, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.output, "output", "o", "-", "output file, - for stdout")
	flags.StringVar(&opts.caNum, "ca", "", "ca_num of the descrambler to use (default: lowest configured)")
	flags.DurationVar(&opts.stallTimeout, "stall-timeout", 10*time.Second, "report degraded health after this long without output")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger, input string, opts *runOptions, stdout io.Writer) error {
	mainLog := logger.ForComponent(log, "main")
	mainLog.WithField("version", version.GetInfo().Short()).Info("Starting tsdecrypt")

	dispatcher, err := control.NewDispatcherFromConfig(&cfg.Descrambler, logger.ForComponent(log, "descrambler"))
	if err != nil {
		return err
	}
	desc, err := selectDescrambler(dispatcher, opts.caNum)
	if err != nil {
		return err
	}

	out, closeOut, err := openOutput(opts.output, stdout)
	if err != nil {
		return err
	}
	defer closeOut()

	p, err := openPipeline(input, desc, out, cfg, log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	// Services stop once the pipeline is done
	svcCtx, stopServices := context.WithCancel(gctx)
	defer stopServices()

	g.Go(func() error {
		defer stopServices()
		return p.Run(gctx)
	})

	var redisClient *redis.Client
	if cfg.Control.Redis.Enabled {
		redisClient = control.NewRedisClient(&cfg.Control.Redis)
		defer redisClient.Close()

		feed := control.NewRedisFeed(redisClient, cfg.Control.Redis.Channel, dispatcher, logger.ForComponent(log, "control"))
		g.Go(func() error { return feed.Run(svcCtx) })
	}

	if cfg.Server.Enabled {
		srv := server.New(&cfg.Server, logger.ForComponent(log, "server"))
		srv.RegisterRoutes(control.NewAPI(dispatcher, logger.ForComponent(log, "api")).RegisterRoutes)
		srv.Health().Register(health.NewStallChecker("pipeline", p.LastDelivery, opts.stallTimeout))
		if redisClient != nil {
			srv.Health().Register(health.NewRedisChecker(redisClient))
		}
		g.Go(func() error { return srv.Start(svcCtx) })
	}

	if cfg.Metrics.Enabled {
		g.Go(func() error { return serveMetrics(svcCtx, &cfg.Metrics, mainLog) })
	}

	if err := g.Wait(); err != nil {
		return err
	}
	mainLog.WithField("delivered", p.Delivered()).Info("Shutdown complete")
	return nil
}

// selectDescrambler returns the descrambler named by raw (decimal or 0x hex
// ca_num), or the lowest registered one when raw is empty
func selectDescrambler(d *control.Dispatcher, raw string) (*descrambler.Descrambler, error) {
	if raw == "" {
		nums := d.CaNums()
		if len(nums) == 0 {
			return nil, errors.New("no descramblers configured")
		}
		return d.Lookup(nums[0])
	}
	caNum, err := parseCaNum(raw)
	if err != nil {
		return nil, err
	}
	return d.Lookup(caNum)
}

func openOutput(path string, stdout io.Writer) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open output: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func openPipeline(input string, desc *descrambler.Descrambler, out io.Writer, cfg *config.Config, log *logrus.Logger) (*pipeline.Pipeline, error) {
	pipeLog := logger.ForComponent(log, "pipeline")

	if ingest.IsLive(input) {
		in, err := ingest.Open(input, &cfg.Ingest, logger.ForComponent(log, "ingest"))
		if err != nil {
			return nil, err
		}
		return pipeline.NewLive(in, desc, out, &cfg.Buffer, pipeLog)
	}

	src, err := source.OpenSegmented(input,
		source.WithMaxParts(cfg.Source.MaxParts),
		source.WithSegmentLogger(logger.ForComponent(log, "source")),
	)
	if err != nil {
		return nil, err
	}
	return pipeline.NewFile(src, desc, out, &cfg.Buffer, pipeLog)
}

// serveMetrics exposes the Prometheus registry until ctx is done
func serveMetrics(ctx context.Context, cfg *config.MetricsConfig, log logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	log.WithField("addr", srv.Addr).Info("Starting metrics server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
