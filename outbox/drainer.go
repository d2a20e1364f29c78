// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package outbox drains locally recorded remote-bound writes to the backend
// with at-least-once semantics. Jobs are durable rows in the store; the
// drainer is an in-process coordinator instance, so multiple matches or test
// instances never share guard state.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobiletoly/scoresync/remote"
	"github.com/mobiletoly/scoresync/store"
)

// drainOrder fixes the per-resource processing order so referenced entities
// are flushed before their dependents (teams before players and matches,
// matches before sets and events).
var drainOrder = []store.Resource{
	store.ResourceTeam,
	store.ResourcePlayer,
	store.ResourceMatch,
	store.ResourceSet,
	store.ResourceEvent,
	store.ResourceReferee,
	store.ResourceScorer,
}

// Config holds drainer tuning knobs.
type Config struct {
	Interval time.Duration // periodic drain cadence
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{Interval: 10 * time.Second}
}

// Drainer owns one drain loop. Exactly one drain cycle runs at a time per
// instance; overlapping triggers (timer vs. reconnect kick) collapse.
type Drainer struct {
	store   *store.Store
	client  *remote.Client
	logger  *slog.Logger
	config  Config
	metrics MetricsRecorder

	busy   atomic.Bool
	status atomic.Int32
	kick   chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDrainer creates a drainer over the store and backend client.
func NewDrainer(st *store.Store, client *remote.Client, config Config, logger *slog.Logger) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Drainer{
		store:   st,
		client:  client,
		logger:  logger,
		config:  config,
		metrics: NopMetrics{},
		kick:    make(chan struct{}, 1),
	}
}

// SetMetrics installs a recorder for drain observations. Must be called
// before Start.
func (d *Drainer) SetMetrics(m MetricsRecorder) {
	if m != nil {
		d.metrics = m
	}
}

// Start launches the periodic drain loop. It drains once immediately, then
// every Interval, plus reactively whenever Kick is called.
func (d *Drainer) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return // already running
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.cancel = cancel
	d.done = done
	go d.loop(ctx, done)
}

// Stop halts the loop and clears its timer. It waits for an in-flight drain
// cycle to finish so no callback outlives the drainer.
func (d *Drainer) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Kick requests a reactive drain (typically on reconnect). Non-blocking; a
// pending kick is never duplicated.
func (d *Drainer) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Status reports the last connectivity classification observed by a drain.
func (d *Drainer) Status() remote.Status {
	return remote.Status(d.status.Load())
}

// done is passed by value: Stop nils the field, so the defer must close the
// channel this loop was started with.
func (d *Drainer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	d.drainQuietly(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainQuietly(ctx)
		case <-d.kick:
			d.drainQuietly(ctx)
		}
	}
}

func (d *Drainer) drainQuietly(ctx context.Context) {
	if _, err := d.DrainOnce(ctx); err != nil && ctx.Err() == nil {
		d.logger.Warn("Drain cycle failed", "error", err)
	}
}

// DrainOnce runs a single drain cycle: probe connectivity, then flush queued
// jobs in order, marking each sent or error individually. A job failure
// never blocks sibling jobs or future drains. Returns the number of jobs
// marked sent.
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	// Reentrancy guard: overlapping cycles would reorder jobs.
	if !d.busy.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer d.busy.Store(false)
	started := time.Now()

	status := d.client.Probe(ctx)
	d.status.Store(int32(status))
	d.metrics.ObserveStatus(status)
	if status != remote.StatusOk {
		// Not an error: the classification is user-visible status only and
		// queued jobs stay queued untouched.
		d.logger.Debug("Skipping drain", "status", status.String())
		return 0, nil
	}

	jobs, err := d.store.QueuedJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load queued jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	resolver := newRefResolver(d.store)
	sent, errored := 0, 0
	for _, resource := range drainOrder {
		for i := range jobs {
			job := &jobs[i]
			if job.Resource != resource {
				continue
			}
			if err := d.flush(ctx, resolver, job); err != nil {
				errored++
				d.logger.Warn("Outbox job failed", "job_id", job.ID,
					"resource", job.Resource, "error", err)
				if markErr := d.store.MarkJobError(ctx, job.ID, err); markErr != nil {
					return sent, fmt.Errorf("failed to record job %d failure: %w", job.ID, markErr)
				}
				continue
			}
			if err := d.store.MarkJobSent(ctx, job.ID); err != nil {
				return sent, fmt.Errorf("failed to record job %d success: %w", job.ID, err)
			}
			sent++
		}
	}

	d.metrics.ObserveDrain(len(jobs), sent, errored, time.Since(started))
	d.logger.Debug("Drain cycle complete", "jobs", len(jobs), "sent", sent, "errored", errored)
	return sent, nil
}

func (d *Drainer) flush(ctx context.Context, resolver *refResolver, job *store.OutboxJob) error {
	payload, err := resolver.resolvePayload(ctx, job)
	if err != nil {
		return err
	}
	_, err = d.client.Upsert(ctx, &remote.UpsertRequest{
		Resource: job.Resource,
		Action:   job.Action,
		Payload:  payload,
	})
	return err
}

// Errored surfaces failed jobs for operator inspection.
func (d *Drainer) Errored(ctx context.Context) ([]store.OutboxJob, error) {
	return d.store.ErroredJobs(ctx)
}

// Retry flips one errored job back to queued in place and kicks a drain.
func (d *Drainer) Retry(ctx context.Context, jobID int64) error {
	if err := d.store.RetryJob(ctx, jobID); err != nil {
		return err
	}
	d.Kick()
	return nil
}
