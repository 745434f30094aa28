package main

import (
	"fmt"
	"io"
	"time"

	"github.com/jedisct1/dlog"
)

const defaultStatsInterval = 60 * time.Second

// startStatsLoop periodically appends one line per subsystem to the
// rotated stats file. Purely observational; failures never touch the
// data path.
func (e *Engine) startStatsLoop(config *Config) {
	if config.StatsFile == "" {
		return
	}
	interval := defaultStatsInterval
	if config.StatsIntervalS > 0 {
		interval = time.Duration(config.StatsIntervalS) * time.Second
	}
	writer := Logger(config.LogMaxSize, config.LogMaxAge, config.LogMaxBackups, config.StatsFile)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.writeStats(writer)
			}
		}
	}()
	dlog.Noticef("Stats logging to [%s] every %v", config.StatsFile, interval)
}

func (e *Engine) writeStats(w io.Writer) {
	now := time.Now().Format(time.RFC3339)
	lines := fmt.Sprintf("[%s]\t%s\n[%s]\t%s\n[%s]\tring occupancy %d/%d, burst %v, %d packets out, %d bytes, %d drops\n",
		now, e.pool.Stats(),
		now, e.conns.Stats(),
		now, e.ring.Occupancy(), e.ring.Capacity(), e.burst.Level(),
		e.packetsOut.Load(), e.bytesOut.Load(), e.drops.Load())
	if _, err := io.WriteString(w, lines); err != nil {
		dlog.Debugf("Stats write failed: %v", err)
	}
}
