package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/kimjune01/looplearner/config"
	"github.com/kimjune01/looplearner/internal/optimizer"
	"github.com/kimjune01/looplearner/internal/store"
)

// Scheduler periodically sweeps all labs, triggers due optimizations and
// reaps runs stuck past the timeout.
type Scheduler struct {
	Store  *store.Store
	Orch   *optimizer.Orchestrator
	Rdb    *redis.Client
	Cfg    config.OptimizationConfig
	Logger *log.Logger
	Stop   chan struct{}
}

func (s *Scheduler) Start() {
	interval := time.Duration(s.Cfg.CheckIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx := context.Background()

	timeout := time.Duration(s.Cfg.RunTimeoutMinutes) * time.Minute
	if n, err := s.Orch.ReapStuckRuns(ctx, timeout); err != nil {
		s.Logger.Printf("reap sweep failed: %v", err)
	} else if n > 0 {
		s.Logger.Printf("reaped %d stuck run(s)", n)
	}

	labs, err := s.Store.ListAllLabs(ctx)
	if err != nil {
		s.Logger.Printf("list labs: %v", err)
		return
	}
	for _, lab := range labs {
		last, found, err := s.Store.LatestRunTime(ctx, lab.ID)
		if err != nil {
			continue
		}
		var lastPtr *time.Time
		if found {
			lastPtr = &last
		}
		if !isDue(lab.ScheduleCron, lastPtr) {
			continue
		}

		// distributed lock to avoid duplicate triggers across instances
		if s.Rdb != nil {
			lockKey := "sched:lock:" + lab.ID
			ok, _ := s.Rdb.SetNX(ctx, lockKey, "1", 2*time.Minute).Result()
			if !ok {
				continue
			}
		}

		go func(labID string) {
			// jitter to avoid stampedes
			time.Sleep(time.Duration(250+int64(time.Now().UnixNano()%250)) * time.Millisecond)
			result, err := s.Orch.TriggerOptimization(ctx, labID, nil)
			if err != nil {
				s.Logger.Printf("lab %s: scheduled trigger failed: %v", labID, err)
				return
			}
			s.Logger.Printf("lab %s: scheduled trigger state=%s reason=%s", labID, result.State, result.Reason)
		}(lab.ID)
	}
}

// isDue determines whether a lab with cronSpec should run now given its last
// run time. Supports "@daily", "@hourly" and standard cron expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			// invalid spec degrades to @daily
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
