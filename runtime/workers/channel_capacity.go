package workers

import (
	"chat-sync/observability"
	"context"
	"log/slog"
	"reflect"
	"time"
)

const DefaultSampleInterval = 5 * time.Second

type NamedChannel struct {
	Name    string
	Channel any
}

// ChannelCapacityWorker periodically samples the length and capacity of channels.
// Reading len and cap never blocks, so sampling does not disturb producers or consumers.
type ChannelCapacityWorker struct {
	log      *slog.Logger
	channels []NamedChannel
	metrics  *observability.Metrics
	interval time.Duration
}

func NewChannelCapacityWorker(log *slog.Logger, channels []NamedChannel,
	metrics *observability.Metrics, interval time.Duration) *ChannelCapacityWorker {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &ChannelCapacityWorker{log: log, channels: channels, metrics: metrics, interval: interval}
}

func (w *ChannelCapacityWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Sample()
		}
	}
}

// Sample records every channel once. Values that are not channels are skipped.
func (w *ChannelCapacityWorker) Sample() {
	for _, nc := range w.channels {
		v := reflect.ValueOf(nc.Channel)
		if v.Kind() != reflect.Chan {
			w.log.Error("Provided object is not a channel", "name", nc.Name)
			continue
		}
		length, capacity := v.Len(), v.Cap()
		w.metrics.BufferSampled(nc.Name, length, capacity)
		if capacity > 0 && length*4 >= capacity*3 {
			w.log.Warn("Channel nearly full", "name", nc.Name, "length", length, "capacity", capacity)
		}
	}
}
