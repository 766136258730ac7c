package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rpa-job-distribution/internal/config"
	"rpa-job-distribution/internal/dispatch"
	"rpa-job-distribution/internal/distributor"
	"rpa-job-distribution/internal/models"
	"rpa-job-distribution/internal/registry"
	"rpa-job-distribution/internal/router"
	"rpa-job-distribution/internal/rules"
	"rpa-job-distribution/internal/secrets"
	"rpa-job-distribution/internal/selector"
	"rpa-job-distribution/internal/store"
	"rpa-job-distribution/internal/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN, store.RetryPolicy{
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
	})
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := store.RunMigrations(ctx, st.Pool()); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	reg := registry.NewPostgres(st.Pool())

	dist, err := config.LoadDistribution(cfg.DistributionFile)
	if err != nil {
		log.Fatalf("load distribution setup: %v", err)
	}

	engine := rules.New(dist.Rules...)
	rt := router.New()
	for env, ids := range dist.EnvironmentRoutes {
		rt.SetEnvironmentRoute(env, ids)
	}
	for tag, ids := range dist.TagRoutes {
		rt.SetTagRoute(tag, ids)
	}
	rt.SetFallback(dist.FallbackRobots)

	endpoints := dispatch.StaticEndpoints(dist.Endpoints)
	pusher := dispatch.NewHTTP(endpoints, secrets.EnvProvider{}, cfg.DispatchCredential, cfg.DispatchTimeout)
	leased := dispatch.NewLeased(st, pusher, time.Duration(cfg.LeaseSeconds)*time.Second)

	d := distributor.New(engine, rt, selector.New(), leased, distributor.Options{
		MaxRetries:      cfg.DistributorTries,
		RetryDelay:      cfg.DistributorDelay,
		DefaultStrategy: models.Strategy(cfg.DefaultStrategy),
		HistorySize:     cfg.HistorySize,
	})
	d.OnFailure(func(r models.DistributionResult) {
		log.Printf("distribution failed: job=%s attempts=%v reason=%s", r.JobID, r.AttemptedRobots, r.Message)
	})

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	go reclaimLoop(ctx, st, cfg.ReclaimInterval)
	go staleRobotLoop(ctx, reg, cfg.StaleTimeout)

	log.Printf("distributor started: interval=%s batch=%d rules=%d", cfg.DistributeEvery, cfg.DistributeBatch, len(engine.Rules()))
	distributeLoop(ctx, cfg, st, reg, d)
}

// distributeLoop pushes pending, visible jobs to robots until ctx is done.
func distributeLoop(ctx context.Context, cfg config.Config, st store.JobStore, reg registry.RobotRegistry, d *distributor.Distributor) {
	tick := time.NewTicker(cfg.DistributeEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := distributeOnce(ctx, cfg, st, reg, d); err != nil {
				log.Printf("distribution pass: %v", err)
			}
		}
	}
}

func distributeOnce(ctx context.Context, cfg config.Config, st store.JobStore, reg registry.RobotRegistry, d *distributor.Distributor) error {
	pending, err := st.ListJobs(ctx, models.JobPending, cfg.DistributeBatch)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	runnable := pending[:0]
	for _, job := range pending {
		if !job.VisibleAfter.After(now) {
			runnable = append(runnable, job)
		}
	}
	if len(runnable) == 0 {
		return nil
	}

	robots, err := reg.ListRobots(ctx)
	if err != nil {
		return err
	}
	online := 0
	for _, r := range robots {
		if r.Status == models.RobotOnline || r.Status == models.RobotBusy {
			online++
		}
	}
	telemetry.RobotsOnline.Set(float64(online))

	results, err := d.DistributeBatch(ctx, runnable, robots)
	for _, res := range results {
		if res.Success {
			log.Printf("distributed: job=%s robot=%s", res.JobID, res.RobotID)
			_ = reg.AddCurrentJob(ctx, res.RobotID, res.JobID)
		}
	}
	return err
}

// reclaimLoop sweeps expired leases back into the queue.
func reclaimLoop(ctx context.Context, st store.JobStore, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			ids, err := st.ReclaimExpired(ctx)
			if err != nil {
				log.Printf("reclaim expired: %v", err)
				continue
			}
			if len(ids) > 0 {
				telemetry.LeaseReclaims.Add(float64(len(ids)))
				log.Printf("reclaimed %d expired leases: %v", len(ids), ids)
			}
		}
	}
}

// staleRobotLoop forces offline robots whose heartbeats have lapsed.
func staleRobotLoop(ctx context.Context, reg registry.RobotRegistry, timeout time.Duration) {
	tick := time.NewTicker(timeout / 3)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			ids, err := reg.MarkStaleOffline(ctx, timeout)
			if err != nil {
				log.Printf("mark stale robots: %v", err)
				continue
			}
			if len(ids) > 0 {
				telemetry.StaleRobots.Add(float64(len(ids)))
				log.Printf("marked %d robots offline: %v", len(ids), ids)
			}
		}
	}
}
