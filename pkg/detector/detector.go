// Package detector finds session activity without any hook into the engine.
// It either matches session ids out of the engine's own telemetry lines or
// accepts structured observations from the request middleware, and hands
// both to a Sink off the request path.
package detector

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/go-logr/logr"
	"github.com/lucsky/cuid"

	"github.com/cryptagon/ion-sessiond/pkg/config"
	"github.com/cryptagon/ion-sessiond/pkg/identity"
	"github.com/cryptagon/ion-sessiond/pkg/types"
)

// Sink receives observations. Delivery is at-least-once, so implementations
// must be idempotent.
type Sink interface {
	SessionObserved(ctx context.Context, obs types.Observation) error
}

type Option func(*Detector)

func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		d.now = now
	}
}

type Detector struct {
	log       logr.Logger
	resolver  *identity.Resolver
	sink      Sink
	pool      *workerpool.WorkerPool
	queueSize int
	recent    *recent
	now       func() time.Time

	// mu orders Submit against StopWait; the pool panics on a submit after
	// it has stopped
	mu     sync.RWMutex
	closed bool
}

func New(cfg config.DetectorConfig, resolver *identity.Resolver, sink Sink, log logr.Logger, opts ...Option) *Detector {
	d := &Detector{
		log:       log.WithName("detector"),
		resolver:  resolver,
		sink:      sink,
		pool:      workerpool.New(cfg.Workers),
		queueSize: cfg.QueueSize,
		recent:    newRecent(cfg.DedupInterval, cfg.DedupCapacity),
		now:       time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Observe inspects one telemetry line. It reports whether an observation was
// dispatched; lines without a session id are ignored silently.
func (d *Detector) Observe(line string) bool {
	sid, source, matched := Match(line)
	if sid == "" {
		if matched {
			prometheusDetectionDropped.WithLabelValues("malformed").Inc()
			d.log.V(2).Info("session pattern matched a malformed id")
		}
		return false
	}

	info := extractUserInfo(line)
	creds := identity.Credentials{
		RemoteAddr: info.ip,
		UserAgent:  info.userAgent,
	}
	switch {
	case info.bearer != "":
		creds.Authorization = "Bearer " + info.bearer
	case info.apiKey != "":
		creds.APIKey = info.apiKey
	}
	id := d.resolver.Resolve(creds)

	attrs := map[string]string{
		types.AttrDetectedFrom: source,
		types.AttrAuthKind:     string(id.Kind),
	}
	if info.ip != "" {
		attrs[types.AttrClientIP] = info.ip
	}
	if info.userAgent != "" {
		attrs[types.AttrUserAgent] = info.userAgent
	}

	return d.Emit(types.Observation{
		SessionID:    sid,
		IdentityHash: id.Hash,
		AuthKind:     id.Kind,
		Source:       source,
		Attributes:   attrs,
	})
}

// Emit dispatches a structured observation. Repeats of the same identity and
// session inside the dedup interval are absorbed here. An observation dropped
// because the queue is full is not remembered, so the next sighting retries.
func (d *Detector) Emit(obs types.Observation) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = d.now()
	}
	if obs.EventID == "" {
		obs.EventID = cuid.New()
	}
	if d.queueSize > 0 && d.pool.WaitingQueueSize() >= d.queueSize {
		prometheusDetectionDropped.WithLabelValues("queue_full").Inc()
		d.log.V(1).Info("dispatch queue full, dropping observation", "session", obs.SessionID)
		return false
	}
	if !d.recent.admit(string(obs.IdentityHash)+":"+obs.SessionID, obs.ObservedAt) {
		return false
	}

	prometheusObservations.WithLabelValues(obs.Source).Inc()
	d.pool.Submit(func() {
		if err := d.sink.SessionObserved(context.Background(), obs); err != nil {
			d.log.Error(err, "observation not recorded", "session", obs.SessionID, "source", obs.Source)
		}
	})
	return true
}

// Prune drops dedup entries that have aged out.
func (d *Detector) Prune(now time.Time) int {
	return d.recent.prune(now)
}

// Pending is the number of observations waiting for a worker.
func (d *Detector) Pending() int {
	return d.pool.WaitingQueueSize()
}

// Close stops accepting observations and waits for queued ones to land.
func (d *Detector) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.pool.StopWait()
}
