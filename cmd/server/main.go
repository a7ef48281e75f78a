package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/leafscan-api/internal/cache"
	"github.com/Brownie44l1/leafscan-api/internal/config"
	"github.com/Brownie44l1/leafscan-api/internal/fetch"
	"github.com/Brownie44l1/leafscan-api/internal/handlers"
	"github.com/Brownie44l1/leafscan-api/internal/labels"
	"github.com/Brownie44l1/leafscan-api/internal/logging"
	"github.com/Brownie44l1/leafscan-api/internal/metrics"
	"github.com/Brownie44l1/leafscan-api/internal/model"
	"github.com/Brownie44l1/leafscan-api/internal/preprocess"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "leafscan:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "leafscan",
		Short:         "Plant leaf disease classification API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Fetch the model if needed and serve the HTTP API",
			Args:  cobra.NoArgs,
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "fetch",
			Short: "Download the model artifact if it is missing",
			Args:  cobra.NoArgs,
			RunE:  runFetch,
		},
		&cobra.Command{
			Use:   "predict <image>",
			Short: "Classify one image file and print the result as JSON",
			Args:  cobra.ExactArgs(1),
			RunE:  runPredict,
		},
	)
	return root
}

type app struct {
	cfg     *config.Config
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func setup(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	if cfg.Metrics {
		a.metrics = metrics.New()
	}
	return a, nil
}

func (a *app) ensureModel(ctx context.Context) error {
	mode, err := fetch.ParseMode(a.cfg.DownloadMode)
	if err != nil {
		return err
	}
	downloaded, err := fetch.Ensure(ctx, fetch.Options{
		URL:      a.cfg.ModelURL,
		Path:     a.cfg.ModelPath,
		MinBytes: a.cfg.ModelMinBytes,
		SHA256:   a.cfg.ModelSHA256,
		Mode:     mode,
		Retries:  a.cfg.DownloadRetries,
		Timeout:  a.cfg.DownloadTimeout,
		Logger:   a.logger,
	})
	if a.metrics != nil {
		switch {
		case err != nil:
			a.metrics.CountDownload("failed")
		case downloaded:
			a.metrics.CountDownload("downloaded")
		default:
			a.metrics.CountDownload("present")
		}
	}
	if err != nil {
		a.logger.Errorw("Failed to download model. Check URL.", "error", err)
		return err
	}
	return nil
}

func (a *app) loadModel() (*model.Server, error) {
	style, err := labels.ParseStyle(a.cfg.LabelStyle)
	if err != nil {
		return nil, err
	}
	layout, err := preprocess.ParseLayout(a.cfg.TensorLayout)
	if err != nil {
		return nil, err
	}

	names := labels.Default
	if a.cfg.LabelsPath != "" {
		if names, err = labels.Load(a.cfg.LabelsPath); err != nil {
			return nil, err
		}
	}

	a.logger.Infow("Loading model", "path", a.cfg.ModelPath)
	runner, meta, err := model.OpenONNX(a.cfg.ModelPath, model.ONNXOptions{
		LibPath:    a.cfg.ORTLibPath,
		InputName:  a.cfg.InputName,
		OutputName: a.cfg.OutputName,
		ImageSize:  a.cfg.ImageSize,
		Threads:    a.cfg.ORTThreads,
	})
	if err != nil {
		a.logger.Errorw("Error loading model", "error", err)
		return nil, err
	}

	srv, err := model.NewServer(runner, meta, labels.NewSet(names, style), layout)
	if err != nil {
		return nil, multierr.Append(errors.Wrap(err, "unusable model"), runner.Close())
	}
	if a.metrics != nil {
		srv.OnInference(a.metrics.ObserveInference)
	}
	if srv.Metadata.ImageSize != a.cfg.ImageSize {
		a.logger.Warnw("model input size differs from IMAGE_SIZE, using the model's",
			"model", srv.Metadata.ImageSize, "configured", a.cfg.ImageSize)
	}
	if err := srv.CheckLabels(); err != nil {
		a.logger.Warnw("class labels do not match the model", "error", err)
	}

	a.logger.Infow("Model loaded successfully.",
		"input", srv.Metadata.InputName,
		"input_shape", srv.Metadata.InputShape,
		"output_shape", srv.Metadata.OutputShape,
		"layout", srv.Metadata.Layout,
		"classes", len(srv.Metadata.Classes),
	)
	return srv, nil
}

func (a *app) openCache(ctx context.Context) cache.Cache {
	if a.cfg.RedisURL == "" {
		return cache.Nop{}
	}
	c, err := cache.NewRedis(ctx, a.cfg.RedisURL, a.cfg.CacheTTL)
	if err != nil {
		a.logger.Warnw("prediction cache disabled", "error", err)
		return cache.Nop{}
	}
	a.logger.Infow("prediction cache enabled", "ttl", a.cfg.CacheTTL)
	return c
}

// cacheNamespace ties cached predictions to the model bytes and the formatted
// class names they were produced with.
func cacheNamespace(modelPath string, classes []string) (string, error) {
	sum, err := fetch.Digest(modelPath)
	if err != nil {
		return "", err
	}
	return cache.Namespace(sum, classes), nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.logger.Sync()
	ctx := cmd.Context()

	if err := a.ensureModel(ctx); err != nil {
		return err
	}
	modelServer, err := a.loadModel()
	if err != nil {
		return err
	}
	defer func() {
		if err := modelServer.Close(); err != nil {
			a.logger.Warnw("failed to release model", "error", err)
		}
	}()

	predictionCache := a.openCache(ctx)
	defer predictionCache.Close()
	namespace, err := cacheNamespace(a.cfg.ModelPath, modelServer.Metadata.Classes)
	if err != nil {
		return err
	}

	handler := handlers.NewHandler(modelServer, handlers.Options{
		MaxUploadBytes: a.cfg.MaxUploadBytes,
		Cache:          predictionCache,
		CacheNamespace: namespace,
		Metrics:        a.metrics,
		Logger:         a.logger,
	})
	router := handlers.NewRouter(handler, handlers.CORSOptions{
		Origins:          a.cfg.CORSOrigins,
		AllowCredentials: a.cfg.CORSCredentials,
	}, a.metrics)

	server := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.logger.Infow("Server starting",
		"addr", server.Addr,
		"cors_origins", a.cfg.CORSOrigins,
		"endpoints", []string{
			"GET /ping", "GET /health", "GET /model/info",
			"POST /predict", "POST /predict/tensor", "GET /metrics",
		},
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server failed")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		a.logger.Errorw("server stopped", "error", err)
		return err
	}
	return nil
}

func runFetch(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.logger.Sync()
	return a.ensureModel(cmd.Context())
}

func runPredict(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.logger.Sync()

	if err := a.ensureModel(cmd.Context()); err != nil {
		return err
	}
	modelServer, err := a.loadModel()
	if err != nil {
		return err
	}
	defer modelServer.Close()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return errors.Wrap(err, "failed to read image")
	}
	img, _, err := preprocess.Decode(data)
	if err != nil {
		a.logger.Errorw("Failed to decode image", "path", args[0], "error", err)
		return err
	}

	start := time.Now()
	result, err := modelServer.PredictImage(img)
	if err != nil {
		return err
	}
	a.logger.Debugw("prediction", "elapsed", time.Since(start))

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
