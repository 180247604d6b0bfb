package control

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/junction.control/internal/monitoring"
)

// Run drives the frame, decision, spawn and learning loops until ctx is
// cancelled. It also runs the event dispatcher if one was configured.
func (c *Controller) Run(ctx context.Context) error {
	monitoring.Logf("controller starting: frame=%s decision=%s spawn=%s",
		c.cfg.GetFrameInterval(), c.cfg.GetDecisionInterval(), c.cfg.GetSpawnInterval())

	var wg sync.WaitGroup
	loops := []func(context.Context){c.frameLoop, c.decisionLoop, c.spawnLoop, c.learnLoop}
	if c.events != nil {
		loops = append(loops, c.events.Run)
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(loop)
	}
	wg.Wait()
	monitoring.Logf("controller stopped")
	return nil
}

func (c *Controller) frameLoop(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.GetFrameInterval())
	defer ticker.Stop()
	last := c.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			// Step clamps dt, so a stalled loop drops time instead of
			// replaying it.
			dt := now.Sub(last)
			last = now
			c.Frame(dt.Seconds())
		}
	}
}

func (c *Controller) decisionLoop(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.GetDecisionInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.DecisionTick(ctx)
		}
	}
}

func (c *Controller) spawnLoop(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.GetSpawnInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.autoSpawnOnce()
		}
	}
}

// learnLoop runs learning steps one at a time as they are requested.
func (c *Controller) learnLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.learnTrigger:
			start := time.Now()
			c.learn(ctx)
			if d := time.Since(start); d > c.cfg.GetDecisionInterval() {
				monitoring.Logf("learn step took %s, longer than a decision interval", d)
			}
		}
	}
}
