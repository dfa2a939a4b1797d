package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"warehouse/internal/config"
	"warehouse/internal/logging"
	"warehouse/internal/metrics"
	"warehouse/internal/metrics/datadog"
	"warehouse/internal/metrics/prompush"
	"warehouse/internal/pipeline"
	"warehouse/internal/storage"

	// register all backends with the storage factory.
	_ "warehouse/internal/storage/all"
)

// main loads the pipeline config, installs the metrics backend and runs the
// enabled warehouse stages.
func main() {
	var (
		cfgPath           string
		envFile           string
		metricsBackendFlg string
		pushGatewayURLFlg string
		dogstatsdAddrFlg  string
		validate          bool
	)

	flag.StringVar(&cfgPath, "config", "", "pipeline config file (JSON or YAML); defaults only when empty")
	flag.StringVar(&envFile, "env-file", ".env", "dotenv file with DB_* and WAREHOUSE_* variables")
	flag.StringVar(&metricsBackendFlg, "metrics-backend", "", "metrics backend: pushgateway, datadog or none (env METRICS_BACKEND)")
	flag.StringVar(&pushGatewayURLFlg, "pushgateway-url", "", "Pushgateway base URL (env PUSHGATEWAY_URL)")
	flag.StringVar(&dogstatsdAddrFlg, "dogstatsd-addr", "", "DogStatsD address (env DD_DOGSTATSD_ADDR)")
	flag.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	verbose := flag.Bool("v", false, "enable debug logs")

	flag.Parse()

	p, err := config.Load(cfgPath, envFile)
	if err != nil {
		fatalf("load config: %v", err)
	}
	if *verbose {
		p.Log.Level = "debug"
	}

	issues := config.ValidatePipeline(p)
	for _, iss := range issues {
		fmt.Fprintln(os.Stderr, iss.Error())
	}
	if config.HasErrors(issues) {
		fatalf("configuration is invalid: %s", describe(cfgPath))
	}
	if validate {
		fmt.Fprintf(os.Stderr, "configuration is valid: %s\n", describe(cfgPath))
		os.Exit(0)
	}

	log, err := logging.New(p.Log.Level, p.Log.JSON, p.Log.File)
	if err != nil {
		fatalf("%v", err)
	}

	code := run(p, metricsOptions{
		backend: pick(metricsBackendFlg, os.Getenv("METRICS_BACKEND"), "none"),
		pushURL: pick(pushGatewayURLFlg, os.Getenv("PUSHGATEWAY_URL"), "http://localhost:9091"),
		ddAddr:  pick(dogstatsdAddrFlg, os.Getenv("DD_DOGSTATSD_ADDR"), "127.0.0.1:8125"),
	}, log)
	logging.Sync(log)
	os.Exit(code)
}

// run executes one pipeline run and returns the process exit code.
func run(p config.Pipeline, mo metricsOptions, log *zap.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flush, err := setupMetrics(p.Job, mo, log)
	if err != nil {
		log.Warn("metrics disabled", zap.String("backend", mo.backend), zap.Error(err))
	}
	defer flush()

	repo, err := storage.New(ctx, storage.Config{
		Kind:      p.Storage.Kind,
		DSN:       p.Storage.DSN,
		MaxConns:  p.MaxConns(),
		BatchSize: p.Storage.BatchSize,
		Log:       log.Named("storage"),
	})
	if err != nil {
		log.Error("open storage", zap.String("kind", p.Storage.Kind), zap.Error(err))
		return 1
	}
	defer repo.Close()

	if _, err := pipeline.Run(ctx, p, repo, afero.NewOsFs(), log); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("run interrupted")
		}
		return 1
	}
	return 0
}

type metricsOptions struct {
	backend string
	pushURL string
	ddAddr  string
}

// setupMetrics installs the selected backend and returns the function that
// flushes it at the end of the run. On error the nop backend stays in place.
func setupMetrics(job string, mo metricsOptions, log *zap.Logger) (func(), error) {
	var b metrics.Backend
	switch mo.backend {
	case "", "none":
		log.Debug("metrics: disabled")
		return func() {}, nil
	case "pushgateway":
		pb, err := prompush.NewBackend(job, mo.pushURL)
		if err != nil {
			return func() {}, err
		}
		b = pb
		log.Info("metrics: pushgateway", zap.String("url", mo.pushURL), zap.String("job", job))
	case "datadog":
		db, err := datadog.NewBackend(datadog.Config{
			Addr:       mo.ddAddr,
			Namespace:  "warehouse.",
			GlobalTags: []string{"job:" + job},
		})
		if err != nil {
			return func() {}, err
		}
		b = db
		log.Info("metrics: datadog", zap.String("addr", mo.ddAddr))
	default:
		return func() {}, fmt.Errorf("unknown metrics backend %q", mo.backend)
	}

	metrics.SetBackend(b)
	return func() {
		if err := metrics.Flush(); err != nil {
			log.Warn("metrics: flush", zap.Error(err))
		}
	}, nil
}

// pick returns the first non-empty value.
func pick(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func describe(cfgPath string) string {
	if cfgPath == "" {
		return "(defaults)"
	}
	return cfgPath
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
