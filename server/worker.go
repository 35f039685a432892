package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/notifykit/notify/conf"
	"github.com/notifykit/notify/logger"
	"github.com/notifykit/notify/metrics/prometheus"
	"github.com/notifykit/notify/queue"
	"github.com/notifykit/notify/template"
)

const shutdownTimeout = 5 * time.Second

// Worker is the always-on process: broker pool, dispatch queue, the three
// ingress paths and the metrics exporter, started in dependency order and
// shut down in reverse.
type Worker struct {
	cfg *conf.Config

	// OnSilence, when set, enables the empty-stream monitor with this hook.
	OnSilence SilenceHook

	rdb      *redis.Client
	queue    *queue.Manager
	tcp      *TCPServer
	sub      *Subscriber
	stream   *StreamConsumer
	exporter *prometheus.Exporter
}

// NewWorker builds a worker from configuration. Nothing connects until Run.
func NewWorker(cfg *conf.Config) *Worker {
	return &Worker{cfg: cfg}
}

// TCPAddr returns the bound ingress address once Run has started.
func (w *Worker) TCPAddr() string {
	if w.tcp == nil {
		return ""
	}
	return w.tcp.Addr()
}

// Run starts everything and blocks until ctx is cancelled, then walks the
// shutdown sequence. Startup failures (bad broker, bind failure) return an
// error without partial operation.
func (w *Worker) Run(ctx context.Context) error {
	opts, err := redis.ParseURL(w.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("broker url: %w", err)
	}
	w.rdb = redis.NewClient(opts)
	if err := w.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("broker unreachable: %w", err)
	}

	var engine *template.Engine
	engine, err = template.NewEngine(w.cfg.TemplateDir)
	if err != nil {
		// Providers only need the engine when a template is requested.
		logger.Warn("template engine disabled", "dir", w.cfg.TemplateDir, "error", err)
		engine = nil
	}
	env := &Env{Engine: engine, Conf: w.cfg}

	w.queue = queue.NewManager(w.cfg.QueueSize, queue.ResolveCallback(w.cfg.QueueCallback))

	consumer := consumerName()
	w.stream = NewStreamConsumer(w.rdb, w.cfg.WorkerStream, w.cfg.WorkerGroup, consumer, w.queue, env)
	if err := w.stream.Bootstrap(ctx); err != nil {
		w.rdb.Close()
		return err
	}
	w.sub = NewSubscriber(w.rdb, w.cfg.Channel, env)

	host := w.cfg.DefaultHost
	if host == "" {
		host, _ = os.Hostname()
	}
	w.tcp = NewTCPServer(net.JoinHostPort(host, strconv.Itoa(w.cfg.DefaultPort)), w.queue, env)
	if err := w.tcp.Listen(); err != nil {
		w.rdb.Close()
		return err
	}

	// Ingress tasks run on their own context so shutdown can cancel them in
	// order after the queue drains.
	taskCtx, cancelTasks := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTasks()

	w.queue.Start(taskCtx)

	var g errgroup.Group
	g.Go(func() error { w.sub.Run(taskCtx); return nil })
	g.Go(func() error { w.stream.Run(taskCtx); return nil })
	if w.OnSilence != nil {
		monitor := NewMonitor(w.rdb, w.cfg.WorkerStream, 0, w.OnSilence)
		g.Go(func() error { monitor.Run(taskCtx); return nil })
	}
	g.Go(func() error { return w.tcp.Serve(taskCtx) })
	if w.cfg.MetricsAddr != "" {
		w.exporter = prometheus.NewExporter(w.cfg.MetricsAddr)
		g.Go(func() error {
			if err := w.exporter.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics exporter failed", "error", err)
			}
			return nil
		})
	}
	logger.Info("worker running",
		"tcp", w.tcp.Addr(),
		"stream", w.cfg.WorkerStream,
		"channel", w.cfg.Channel,
		"consumer", consumer,
	)

	<-ctx.Done()
	w.shutdown(cancelTasks)
	_ = g.Wait()
	logger.Info("worker stopped")
	return nil
}

// shutdown walks the ordered sequence: drain queue, stop workers, cancel the
// ingress tasks (unsubscribing pub/sub), remove the stream consumer, close
// the TCP server with its wait, close broker. Close failures are logged and
// never halt the sequence.
func (w *Worker) shutdown(cancelTasks context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	dropped := w.queue.EmptyQueue()
	if dropped > 0 {
		logger.Warn("queue drained on shutdown", "dropped", dropped)
	}
	w.queue.Stop()

	cancelTasks()

	if err := w.stream.Shutdown(ctx); err != nil {
		logger.Error("stream shutdown failed", "error", err)
	}
	if err := w.tcp.Close(); err != nil {
		logger.Error("tcp close failed", "error", err)
	}
	if w.exporter != nil {
		if err := w.exporter.Shutdown(ctx); err != nil {
			logger.Error("metrics shutdown failed", "error", err)
		}
	}
	if err := w.rdb.Close(); err != nil {
		logger.Error("broker close failed", "error", err)
	}
}

// consumerName identifies this process within the consumer group.
func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "notify"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
