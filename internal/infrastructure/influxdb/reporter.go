package influxdb

import (
	"context"
	"time"

	"github.com/nerrad567/tuyable/internal/tuya"
)

// DefaultStatsInterval is the sampling period when none is configured.
const DefaultStatsInterval = 60 * time.Second

// StatusSource supplies device statuses. *tuya.Manager satisfies it.
type StatusSource interface {
	Statuses() []tuya.Status
}

// StatsWriter accepts session samples. *Client satisfies it.
type StatsWriter interface {
	WriteSessionStats(st tuya.Status, at time.Time)
}

// Reporter periodically samples session counters of every device.
type Reporter struct {
	source   StatusSource
	writer   StatsWriter
	interval time.Duration
	now      func() time.Time
}

// NewReporter creates a reporter. A zero interval selects
// DefaultStatsInterval.
func NewReporter(source StatusSource, writer StatsWriter, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = DefaultStatsInterval
	}
	return &Reporter{source: source, writer: writer, interval: interval, now: time.Now}
}

// Run samples until ctx is cancelled. One final sample is written on exit
// so counters from a short run are not lost.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.sample()
			return
		case <-ticker.C:
			r.sample()
		}
	}
}

func (r *Reporter) sample() {
	at := r.now()
	for _, st := range r.source.Statuses() {
		r.writer.WriteSessionStats(st, at)
	}
}
