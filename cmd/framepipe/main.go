package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/framepipe/framepipe/internal/callback"
	"github.com/framepipe/framepipe/internal/codec"
	"github.com/framepipe/framepipe/internal/config"
	"github.com/framepipe/framepipe/internal/frame"
	"github.com/framepipe/framepipe/internal/manager"
	"github.com/framepipe/framepipe/internal/metrics"
	"github.com/framepipe/framepipe/internal/receiver"
	"github.com/framepipe/framepipe/internal/router"
	"github.com/framepipe/framepipe/internal/sender"
	"github.com/framepipe/framepipe/internal/worker"
)

var version = "dev"

func main() {
	if role, ok := worker.RoleFromEnv(); ok {
		runWorker(role)
		return
	}
	runParent()
}

// runWorker dispatches to the re-exec'd child main for role and exits the
// process with its result, per SPEC_FULL.md §1. It never returns.
func runWorker(role worker.Role) {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
		With("component", string(role)+"-worker")

	var err error
	switch role {
	case worker.RoleReceiver:
		err = runReceiverWorker(log)
	case worker.RoleRouter:
		err = runRouterWorker(log)
	case worker.RoleSender:
		err = runSenderWorker(log)
	default:
		err = fmt.Errorf("framepipe: unknown worker role %q", role)
	}
	if err != nil {
		log.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func runReceiverWorker(log *slog.Logger) error {
	var cfg worker.ReceiverConfig
	if err := worker.LoadConfig(&cfg); err != nil {
		return err
	}
	producer, err := worker.OpenProducer(cfg.Qrx)
	if err != nil {
		return err
	}
	done, err := worker.OpenDoneFlag(cfg.DoneFDIdx)
	if err != nil {
		return err
	}
	pm, err := worker.OpenMetrics(cfg.MetricsName, cfg.MetricsFDIdx)
	if err != nil {
		return err
	}
	if pm != nil {
		defer pm.Close()
	}

	r, err := receiver.New(receiver.Config{
		Source:           cfg.Source,
		PutTimeout:       cfg.PutTimeout,
		DropIfPutTimeout: cfg.DropIfPutTimeout,
	}, producer, done, pm, log)
	if err != nil {
		return err
	}
	defer r.Close()

	return r.Run()
}

func runRouterWorker(log *slog.Logger) error {
	var cfg worker.RouterConfig
	if err := worker.LoadConfig(&cfg); err != nil {
		return err
	}
	receiverConsumer, err := worker.OpenConsumer(cfg.Qrx)
	if err != nil {
		return err
	}
	improcProducer, err := worker.OpenProducer(cfg.Qproc)
	if err != nil {
		return err
	}
	overlayConsumer, err := worker.OpenConsumer(cfg.Qovl)
	if err != nil {
		return err
	}
	senderProducer, err := worker.OpenProducer(cfg.Qtx)
	if err != nil {
		return err
	}
	done, err := worker.OpenDoneFlag(cfg.DoneFDIdx)
	if err != nil {
		return err
	}
	pm, err := worker.OpenMetrics(cfg.MetricsName, cfg.MetricsFDIdx)
	if err != nil {
		return err
	}
	if pm != nil {
		defer pm.Close()
	}

	rt, err := router.New(router.Config{
		Shape:       frame.Shape{Height: cfg.Height, Width: cfg.Width, Channels: 3},
		Synchronize: cfg.Synchronize,
		GetTimeout:  cfg.GetTimeout,
		PutTimeout:  cfg.PutTimeout,
	}, receiverConsumer, improcProducer, overlayConsumer, senderProducer, done, pm, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	return rt.Run()
}

func runSenderWorker(log *slog.Logger) error {
	var cfg worker.SenderConfig
	if err := worker.LoadConfig(&cfg); err != nil {
		return err
	}
	consumer, err := worker.OpenConsumer(cfg.Qtx)
	if err != nil {
		return err
	}
	done, err := worker.OpenDoneFlag(cfg.DoneFDIdx)
	if err != nil {
		return err
	}
	pm, err := worker.OpenMetrics(cfg.MetricsName, cfg.MetricsFDIdx)
	if err != nil {
		return err
	}
	if pm != nil {
		defer pm.Close()
	}

	opts := codecEncoderOptions(cfg)
	s, err := sender.New(sender.Config{
		Destination: cfg.Destination,
		GetTimeout:  sender.DefaultGetTimeout,
	}, opts, consumer, done, pm, log)
	if err != nil {
		return err
	}
	defer s.Close()

	return s.Run()
}

// runParent loads the environment-derived multi-pipeline configuration,
// starts a Supervisor-managed manager.Manager per pipeline, and serves the
// debug/metrics HTTP surface until interrupted, per SPEC_FULL.md §2/§4.6.
func runParent() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.LogLevel == "debug" || os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	cb := callbackFromEnv()
	sup := worker.NewSupervisor(nil)
	mgrs := make(map[string]*manager.Manager, len(cfg.Pipelines))

	for _, p := range cfg.Pipelines {
		// NewSharedPipeline rather than NewPipeline: the Receiver,
		// Router, and Sender spawned by m.Start() are separate re-exec'd
		// processes (SPEC_FULL.md §1) and need to record into the same
		// counters this process reads back on /debug/pipelines and
		// /metrics.
		pm, err := metrics.NewSharedPipeline(p.Name)
		if err != nil {
			slog.Error("failed to allocate pipeline metrics", "pipeline", p.Name, "error", err)
			os.Exit(1)
		}
		m, err := manager.New(p, cb, pm, slog.Default())
		if err != nil {
			slog.Error("failed to construct pipeline", "pipeline", p.Name, "error", err)
			os.Exit(1)
		}
		if err := sup.Register(m); err != nil {
			slog.Error("failed to start pipeline", "pipeline", p.Name, "error", err)
			os.Exit(1)
		}
		mgrs[p.Name] = m
	}

	reg := metrics.NewRegistry(func() []*metrics.Pipeline {
		out := make([]*metrics.Pipeline, 0, len(mgrs))
		for _, m := range mgrs {
			if pm := m.Metrics(); pm != nil {
				out = append(out, pm)
			}
		}
		return out
	})

	slog.Info("framepipe starting",
		"version", version,
		"pipelines", pipelineNames(cfg.Pipelines),
		"debug_addr", cfg.DebugAddr,
	)

	g, ctx := errgroup.WithContext(ctx)

	for name, m := range mgrs {
		m := m
		name := name
		g.Go(func() error {
			if err := m.Run(ctx); err != nil {
				return fmt.Errorf("pipeline %q: %w", name, err)
			}
			return nil
		})
	}

	debugSrv := &http.Server{
		Addr:    cfg.DebugAddr,
		Handler: debugHandler(mgrs, reg),
	}
	g.Go(func() error {
		slog.Info("debug/metrics server listening", "addr", cfg.DebugAddr)
		if err := debugSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("debug server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return debugSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		<-ctx.Done()
		return sup.StopAll()
	})

	if err := g.Wait(); err != nil {
		slog.Error("framepipe exited with error", "error", err)
		os.Exit(1)
	}
}

// callbackFromEnv selects one of the built-in demonstration callbacks.
// spec.md §1 scopes "dynamic module discovery/loading" out of bounds, so
// this binary ships a fixed, small menu rather than a plugin system;
// library users embed internal/manager directly with their own
// callback.Callback implementation.
func callbackFromEnv() callback.Callback {
	switch strings.ToLower(os.Getenv("FRAMEPIPE_CALLBACK")) {
	case "chromakey":
		return callback.ConstantOverlay{Color: [3]byte{0, 255, 0}, MaskOn: true}
	default:
		return callback.Identity{}
	}
}

func codecEncoderOptions(cfg worker.SenderConfig) codec.EncoderOptions {
	return codec.EncoderOptions{
		Destination:      cfg.Destination,
		FileFormat:       cfg.FileFormat,
		Shape:            frame.Shape{Height: cfg.Height, Width: cfg.Width, Channels: 3},
		FPS:              cfg.FPS,
		DropFirstSegment: cfg.DropFirstSegment,
	}
}

func debugHandler(mgrs map[string]*manager.Manager, reg *metrics.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pipelines", func(w http.ResponseWriter, r *http.Request) {
		var snaps []metrics.Snapshot
		for _, m := range mgrs {
			if pm := m.Metrics(); pm != nil {
				snaps = append(snaps, pm.Snapshot())
			}
		}
		writeJSON(w, snaps)
	})
	mux.HandleFunc("/debug/pipelines/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/debug/pipelines/")
		m, ok := mgrs[name]
		if !ok || m.Metrics() == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, m.Metrics().Snapshot())
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode debug response", "error", err)
	}
}

func pipelineNames(pipelines []config.Pipeline) []string {
	names := make([]string, len(pipelines))
	for i, p := range pipelines {
		names[i] = p.Name
	}
	return names
}
