// Package reaper runs the two periodic garbage-collection sweeps that
// converge the KV index back into consistency after partial failures (spec
// §4.4): sweep_dead_traffic and sweep_dead_ports.
//
// Scheduling is built on Asynq, the same embedded task queue the teacher
// uses for its background worker — but instead of a fixed cron schedule,
// each sweep re-enqueues itself with a delay computed from its own elapsed
// runtime (next = max(0, interval-elapsed)), giving the self-adjusting
// ticker behavior the design calls for while keeping scheduling state
// durable in Redis across restarts.
package reaper

import (
	"context"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/Cnily03/ret2shell-frp-controller/internal/kv"
	"github.com/Cnily03/ret2shell-frp-controller/internal/traffic"
)

// Task type names for the two sweeps.
const (
	TaskSweepDeadTraffic = "reaper:sweep_dead_traffic"
	TaskSweepDeadPorts   = "reaper:sweep_dead_ports"
)

// itemPause is slept between processing individual items within a sweep, to
// avoid saturating the KV store (spec §4.4).
const itemPause = 5 * time.Millisecond

// queueName is the Asynq queue the reaper's two tasks run on, kept separate
// from any application task queues.
const queueName = "reaper"

// Reaper owns the Asynq client/server pair driving the two sweeps.
type Reaper struct {
	idx      kv.Index
	manager  *traffic.Manager
	interval time.Duration

	client *asynq.Client
	server *asynq.Server
}

// New builds a Reaper. interval is cleanup_interval from configuration.
func New(redisOpt asynq.RedisClientOpt, idx kv.Index, manager *traffic.Manager, interval time.Duration) *Reaper {
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 2,
		Queues:      map[string]int{queueName: 1},
	})
	client := asynq.NewClient(redisOpt)

	return &Reaper{
		idx:      idx,
		manager:  manager,
		interval: interval,
		client:   client,
		server:   srv,
	}
}

// Start begins processing both sweeps in the background. The two ticks are
// offset (the ports sweep's first run is delayed by half an interval) so
// they do not repeatedly contend on mutex_cache_w at the same instant.
func (r *Reaper) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskSweepDeadTraffic, r.handleSweepDeadTraffic)
	mux.HandleFunc(TaskSweepDeadPorts, r.handleSweepDeadPorts)

	go func() {
		if err := r.server.Run(mux); err != nil {
			log.Error().Err(err).Msg("reaper: asynq server stopped")
		}
	}()

	if err := r.scheduleNext(TaskSweepDeadTraffic, 0); err != nil {
		return err
	}
	return r.scheduleNext(TaskSweepDeadPorts, r.interval/2)
}

// Shutdown stops the Asynq server and closes the client connection.
func (r *Reaper) Shutdown() {
	r.server.Shutdown()
	_ = r.client.Close()
}

func (r *Reaper) scheduleNext(taskType string, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	_, err := r.client.Enqueue(
		asynq.NewTask(taskType, nil),
		asynq.Queue(queueName),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(0),
	)
	return err
}

func (r *Reaper) handleSweepDeadTraffic(ctx context.Context, _ *asynq.Task) error {
	start := time.Now()
	if err := r.SweepDeadTraffic(ctx); err != nil {
		log.Error().Err(err).Msg("sweep_dead_traffic failed")
	}
	if err := r.scheduleNext(TaskSweepDeadTraffic, r.interval-time.Since(start)); err != nil {
		log.Error().Err(err).Msg("reaper: reschedule sweep_dead_traffic failed")
	}
	return nil
}

func (r *Reaper) handleSweepDeadPorts(ctx context.Context, _ *asynq.Task) error {
	start := time.Now()
	if err := r.SweepDeadPorts(ctx); err != nil {
		log.Error().Err(err).Msg("sweep_dead_ports failed")
	}
	if err := r.scheduleNext(TaskSweepDeadPorts, r.interval-time.Since(start)); err != nil {
		log.Error().Err(err).Msg("reaper: reschedule sweep_dead_ports failed")
	}
	return nil
}

// SweepDeadTraffic enumerates working:* and repairs every entry whose conf
// anchor has expired or whose value fails to parse (spec §4.4).
func (r *Reaper) SweepDeadTraffic(ctx context.Context) error {
	keys, err := r.idx.Keys(ctx, "working:*")
	if err != nil {
		return err
	}

	for i, key := range keys {
		trafficID := strings.TrimPrefix(key, traffic.WorkingKeyPrefix)
		if err := r.manager.SweepDeadTrafficItem(ctx, trafficID); err != nil {
			log.Warn().Err(err).Str("traffic_id", trafficID).Msg("sweep_dead_traffic: item failed")
		}
		if i < len(keys)-1 {
			time.Sleep(itemPause)
		}
	}
	return nil
}

// SweepDeadPorts enumerates port:*:* and reclaims every entry whose working
// anchor is gone, or whose value is garbage (spec §4.4).
func (r *Reaper) SweepDeadPorts(ctx context.Context) error {
	keys, err := r.idx.Keys(ctx, "port:*:*")
	if err != nil {
		return err
	}

	for i, key := range keys {
		serverID, port, ok := traffic.ParsePortEntryKey(key)
		if !ok {
			continue
		}
		if err := r.manager.SweepDeadPortItem(ctx, serverID, port); err != nil {
			log.Warn().Err(err).Str("server_id", serverID).Int("port", port).Msg("sweep_dead_ports: item failed")
		}
		if i < len(keys)-1 {
			time.Sleep(itemPause)
		}
	}
	return nil
}
