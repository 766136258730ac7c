package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"rpa-job-distribution/internal/artifact"
	"rpa-job-distribution/internal/config"
	"rpa-job-distribution/internal/models"
	"rpa-job-distribution/internal/robot"
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

	robotID := cfg.RobotID
	if robotID == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "robot"
		}
		robotID = fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
	}
	name := cfg.RobotName
	if name == "" {
		name = robotID
	}

	var artifacts artifact.Store
	if cfg.ArtifactBucket != "" {
		s3Store, err := artifact.NewS3(ctx, artifact.S3Config{
			Bucket:    cfg.ArtifactBucket,
			Region:    cfg.ArtifactRegion,
			Endpoint:  cfg.ArtifactEndpoint,
			PathStyle: cfg.ArtifactPathStyle,
		})
		if err != nil {
			log.Fatalf("init artifact store: %v", err)
		}
		artifacts = s3Store
	}

	client := robot.NewClient(cfg.RobotAPIBase, robotID, cfg.DispatchTimeout)
	agent := robot.NewAgent(client, demoExecutor(), robot.Options{
		Name:              name,
		Environment:       cfg.RobotEnvironment,
		Capabilities:      cfg.RobotCapabilities,
		MaxConcurrentJobs: cfg.RobotConcurrency,
		PollInterval:      cfg.RobotPollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		LeaseSeconds:      cfg.LeaseSeconds,
		ExecutionTimeout:  cfg.ExecutionTimeout,
		Artifacts:         artifacts,
		ArtifactThreshold: cfg.ArtifactThreshold,
	})

	log.Printf("robot %s starting: api=%s env=%s", robotID, cfg.RobotAPIBase, cfg.RobotEnvironment)
	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("agent stopped: %v", err)
	}
}

// demoExecutor simulates workflow execution: it sleeps for the payload's
// duration_ms (default 500) and echoes the payload back as the result.
// Real deployments swap this for a bridge into the automation runtime.
func demoExecutor() robot.Executor {
	return robot.ExecutorFunc(func(ctx context.Context, job models.JobView) (map[string]any, error) {
		duration := 500 * time.Millisecond
		if ms, ok := job.Payload["duration_ms"].(float64); ok && ms > 0 {
			duration = time.Duration(ms) * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(duration):
		}
		return map[string]any{
			"workflow": job.WorkflowName,
			"echo":     job.Payload,
		}, nil
	})
}
