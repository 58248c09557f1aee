// Package observer publishes orchestration events to pluggable listeners.
package observer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Event describes something that happened while serving a request
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"request_id,omitempty"`
	CacheKey  string                 `json:"cache_key,omitempty"`
	Backend   string                 `json:"backend,omitempty"`
	Source    string                 `json:"source,omitempty"`
	Duration  time.Duration          `json:"duration,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

type EventType string

const (
	AnalysisStarted     EventType = "analysis_started"
	AnalysisCompleted   EventType = "analysis_completed"
	AnalysisDegraded    EventType = "analysis_degraded"
	CacheHit            EventType = "cache_hit"
	CircuitStateChanged EventType = "circuit_state_changed"
	ImageFetched        EventType = "image_fetched"
	ImageFetchFailed    EventType = "image_fetch_failed"
	PreloadFailed       EventType = "preload_failed"
)

// Observer receives events. OnEvent runs on the publishing goroutine and
// must not block.
type Observer interface {
	OnEvent(ctx context.Context, event Event)
	Name() string
}

// Subject is implemented by event publishers
type Subject interface {
	Subscribe(observer Observer)
	Unsubscribe(observer Observer)
	Notify(ctx context.Context, event Event)
}

// LoggingObserver writes every event as a structured log line
type LoggingObserver struct {
	logger *logrus.Logger
}

func NewLoggingObserver(logger *logrus.Logger) *LoggingObserver {
	return &LoggingObserver{logger: logger}
}

func (o *LoggingObserver) OnEvent(_ context.Context, event Event) {
	fields := logrus.Fields{"event_type": event.Type}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.CacheKey != "" {
		fields["cache_key"] = event.CacheKey
	}
	if event.Backend != "" {
		fields["backend"] = event.Backend
	}
	if event.Source != "" {
		fields["source"] = event.Source
	}
	if event.Duration > 0 {
		fields["duration_ms"] = event.Duration.Milliseconds()
	}
	if event.Error != "" {
		fields["error"] = event.Error
	}
	for k, v := range event.Metadata {
		fields[k] = v
	}

	entry := o.logger.WithFields(fields)
	switch event.Type {
	case AnalysisStarted, ImageFetched, CacheHit:
		entry.Debug("analysis event")
	case AnalysisDegraded, ImageFetchFailed, PreloadFailed:
		entry.Warn("analysis event")
	case CircuitStateChanged:
		entry.Info("circuit state changed")
	default:
		entry.Info("analysis event")
	}
}

func (o *LoggingObserver) Name() string {
	return "logging_observer"
}

// Stats aggregates request outcomes
type Stats struct {
	Requests     int64         `json:"requests"`
	Successes    int64         `json:"successes"`
	Fallbacks    int64         `json:"fallbacks"`
	CacheHits    int64         `json:"cache_hits"`
	AvgLatency   time.Duration `json:"avg_latency"`
	totalLatency time.Duration
}

// StatsObserver counts requests by outcome. Completed, degraded and
// cache-hit events each close one request.
type StatsObserver struct {
	mu    sync.RWMutex
	stats Stats
}

func NewStatsObserver() *StatsObserver {
	return &StatsObserver{}
}

func (o *StatsObserver) OnEvent(_ context.Context, event Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch event.Type {
	case AnalysisCompleted:
		o.stats.Successes++
	case AnalysisDegraded:
		o.stats.Fallbacks++
	case CacheHit:
		o.stats.Successes++
		o.stats.CacheHits++
	default:
		return
	}
	o.stats.Requests++
	o.stats.totalLatency += event.Duration
	o.stats.AvgLatency = o.stats.totalLatency / time.Duration(o.stats.Requests)
}

func (o *StatsObserver) Name() string {
	return "stats_observer"
}

func (o *StatsObserver) Stats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.stats
}

// EventPublisher fans events out to its subscribers in subscription order
type EventPublisher struct {
	mu        sync.RWMutex
	observers []Observer
	logger    *logrus.Logger
}

func NewEventPublisher(logger *logrus.Logger) *EventPublisher {
	return &EventPublisher{logger: logger}
}

// Subscribe adds an observer; a second observer with the same name
// replaces the first
func (p *EventPublisher) Subscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, obs := range p.observers {
		if obs.Name() == observer.Name() {
			p.observers[i] = observer
			return
		}
	}
	p.observers = append(p.observers, observer)
}

func (p *EventPublisher) Unsubscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, obs := range p.observers {
		if obs.Name() == observer.Name() {
			p.observers = append(p.observers[:i], p.observers[i+1:]...)
			break
		}
	}
}

// Notify delivers event to every observer. A panicking observer is logged
// and skipped.
func (p *EventPublisher) Notify(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	p.mu.RLock()
	observers := make([]Observer, len(p.observers))
	copy(observers, p.observers)
	p.mu.RUnlock()

	for _, obs := range observers {
		p.deliver(ctx, obs, event)
	}
}

func (p *EventPublisher) deliver(ctx context.Context, obs Observer, event Event) {
	defer func() {
		if r := recover(); r != nil && p.logger != nil {
			p.logger.WithFields(logrus.Fields{
				"observer": obs.Name(),
				"panic":    r,
			}).Error("observer panicked while handling event")
		}
	}()
	obs.OnEvent(ctx, event)
}
