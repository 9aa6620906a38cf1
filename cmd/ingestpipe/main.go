/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command ingestpipe wires the Config Plane, Job Store, Worker Pool,
// Scheduler, and Provider Gateway into one running process.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ingestpipe/core/pkg/config"
	"github.com/ingestpipe/core/pkg/gateway"
	"github.com/ingestpipe/core/pkg/gateway/adapter"
	"github.com/ingestpipe/core/pkg/ingest"
	"github.com/ingestpipe/core/pkg/job"
	"github.com/ingestpipe/core/pkg/scheduler"
	"github.com/ingestpipe/core/pkg/shared/logging"
	"github.com/ingestpipe/core/pkg/shared/metrics"
	"github.com/ingestpipe/core/pkg/worker"
)

func main() {
	configDir := flag.String("config-dir", "./config", "directory holding sources.yaml, ingestion.yaml, queue.yaml, provider.yaml")
	redisAddr := flag.String("redis-addr", "", "redis address for the durable job store; empty uses an in-memory store")
	httpAddr := flag.String("http-addr", ":9090", "address for the /metrics and /healthz endpoints")
	queueName := flag.String("queue-name", "ingestion", "the queue.yaml entry this process's worker pool reads its concurrency from")
	flag.Parse()

	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.JSONFormatter{})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	plane := config.New(*configDir, log)
	if err := plane.LoadAll(); err != nil {
		log.WithFields(logging.NewFields().Component("main").Operation("load_config").Error(err).ToLogrus()).Fatal("failed to load configuration")
	}

	store := buildJobStore(*redisAddr, plane, log)
	registry := ingest.NewRegistry()
	processor := ingest.NewProcessor(registry, log)

	concurrency := 4
	if qc, ok := plane.GetConfig(config.TypeQueue); ok {
		concurrency = qc.(config.QueueConfig).Concurrency(*queueName, concurrency)
	}
	pool := worker.NewPool(store, processor, concurrency, log)

	sched := scheduler.New(store, time.Second, log)

	gw := gateway.New(gateway.DefaultFailoverConfig(), log)
	if pc, ok := plane.GetConfig(config.TypeProvider); ok {
		registerProviders(ctx, gw, pc.(config.ProviderConfig), log)
		gw.Configure(pc.(config.ProviderConfig).ToGatewayConfig())
	}

	m := metrics.New()
	pool.SetMetrics(m)
	gw.SetMetrics(m)
	plane.SetMetrics(m)

	plane.Register(&config.JobStoreComponent{Store: store, Base: job.DefaultStoreConfig()})
	plane.Register(&config.WorkerPoolComponent{Pool: pool, QueueName: *queueName, Fallback: concurrency})
	plane.Register(&config.GatewayComponent{Gateway: gw})
	plane.Register(&config.SourcesComponent{Scheduler: sched, Priority: scheduler.PriorityNormal})

	if err := plane.Start(ctx); err != nil {
		log.WithFields(logging.NewFields().Component("main").Operation("watch_config").Error(err).ToLogrus()).Fatal("failed to start config watcher")
	}
	defer plane.Stop()

	pool.Start(ctx)
	sched.Start(ctx)
	gw.StartHealthProbe(ctx, 0)

	go serveMetrics(*httpAddr, log)

	log.WithFields(logging.NewFields().Component("main").Operation("startup").ToLogrus()).Info("ingestpipe started")
	<-ctx.Done()
	log.WithFields(logging.NewFields().Component("main").Operation("shutdown").ToLogrus()).Info("shutdown signal received, draining")

	gw.StopHealthProbe()
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.WithFields(logging.NewFields().Component("main").Operation("shutdown").Error(err).ToLogrus()).Warn("worker pool did not drain cleanly")
	}
}

// buildJobStore returns a RedisStore when redisAddr is set (the durable
// store spec §9 requires for a multi-process deployment), otherwise an
// in-memory store sized from ingestion.yaml if present.
func buildJobStore(redisAddr string, plane *config.Plane, log *logrus.Logger) job.Store {
	base := job.DefaultStoreConfig()
	if ic, ok := plane.GetConfig(config.TypeIngestion); ok {
		base = ic.(config.IngestionConfig).ToStoreConfig(base)
	}
	if redisAddr == "" {
		return job.NewMemoryStore(base)
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	return job.NewRedisStore(client, "ingestpipe", base)
}

// registerProviders constructs and registers an adapter for every provider
// block present in provider.yaml. A provider whose construction fails is
// logged and skipped so the others can still serve traffic.
func registerProviders(ctx context.Context, gw *gateway.Gateway, pc config.ProviderConfig, log *logrus.Logger) {
	fields := logging.NewFields().Component("main").Operation("register_provider")

	if pc.OpenAI != nil {
		a, err := adapter.NewOpenAICompatible(pc.OpenAI.APIKey, pc.OpenAI.BaseURL, nonEmpty(pc.OpenAI.Model))
		if err != nil {
			log.WithFields(fields.Resource("provider", "openai").Error(err).ToLogrus()).Error("failed to build openai adapter")
		} else {
			gw.RegisterProvider(a)
		}
	}
	if pc.Anthropic != nil {
		gw.RegisterProvider(adapter.NewAnthropic(pc.Anthropic.APIKey, nonEmpty(pc.Anthropic.Model)))
	}
	if pc.Bedrock != nil {
		a, err := adapter.NewBedrock(ctx, pc.Bedrock.Region, nonEmpty(pc.Bedrock.Model))
		if err != nil {
			log.WithFields(fields.Resource("provider", "bedrock").Error(err).ToLogrus()).Error("failed to build bedrock adapter")
		} else {
			gw.RegisterProvider(a)
		}
	}
}

func nonEmpty(model string) []string {
	if model == "" {
		return nil
	}
	return []string{model}
}

func serveMetrics(addr string, log *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithFields(logging.NewFields().Component("main").Operation("metrics_server").Error(err).ToLogrus()).Error("metrics server stopped")
	}
}
