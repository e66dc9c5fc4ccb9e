// Package sweeper expires stale session state. Every replica may run it
// against the same store at the same time: each deletion is independent and
// deleting an absent key is a no-op.
package sweeper

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-logr/logr"

	"github.com/cryptagon/ion-sessiond/pkg/config"
	"github.com/cryptagon/ion-sessiond/pkg/store"
	"github.com/cryptagon/ion-sessiond/pkg/types"
)

// Prunable is an in-process mirror that must age out with the store.
type Prunable interface {
	Prune(now time.Time) int
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

func WithPrunable(p ...Prunable) Option {
	return func(s *Sweeper) {
		s.prunables = append(s.prunables, p...)
	}
}

// Report summarises one pass.
type Report struct {
	Scanned    int           `json:"scanned"`
	Expired    int           `json:"expired"`
	Orphans    int           `json:"orphans"`
	Transports int           `json:"transports"`
	Legacy     int           `json:"legacy"`
	Pruned     int           `json:"pruned"`
	Duration   time.Duration `json:"duration"`
}

type Sweeper struct {
	log       logr.Logger
	store     store.Store
	ttl       time.Duration
	interval  time.Duration
	now       func() time.Time
	prunables []Prunable
}

func New(s store.Store, ttl time.Duration, cfg config.SweeperConfig, log logr.Logger, opts ...Option) *Sweeper {
	sw := &Sweeper{
		log:      log.WithName("sweeper"),
		store:    s,
		ttl:      ttl,
		interval: cfg.Interval,
		now:      time.Now,
	}
	for _, o := range opts {
		o(sw)
	}
	return sw
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("sweeper started", "interval", s.interval.String(), "ttl", s.ttl.String())
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			r, err := s.SweepOnce(ctx)
			if err != nil {
				s.log.Error(err, "sweep failed")
				continue
			}
			if r.Expired+r.Orphans+r.Transports+r.Legacy > 0 {
				s.log.Info("sweep finished", "expired", r.Expired, "orphans", r.Orphans,
					"transports", r.Transports, "legacy", r.Legacy, "took", r.Duration.String())
			}
		}
	}
}

// SweepOnce runs one full pass. A cancelled ctx stops it between records.
func (s *Sweeper) SweepOnce(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() {
		prometheusSweepDuration.Observe(time.Since(start).Seconds())
	}()

	now := s.now()
	r := &Report{}

	if err := s.sweepRecords(ctx, now, r); err != nil {
		return r, err
	}
	if err := s.reconcileIndexes(ctx, r); err != nil {
		return r, err
	}
	if err := s.sweepTransports(ctx, now, r); err != nil {
		return r, err
	}
	if err := s.sweepLegacy(ctx, now, r); err != nil {
		return r, err
	}
	for _, p := range s.prunables {
		r.Pruned += p.Prune(now)
	}

	r.Duration = time.Since(start)
	return r, nil
}

func (s *Sweeper) stale(last, now time.Time) bool {
	return now.Sub(last) > s.ttl
}

type staleRecord struct {
	identity types.IdentityHash
	sid      string
}

// sweepRecords expires stale records. Keys indexed by session id alone are
// kept while any identity still holds a live record under that id.
func (s *Sweeper) sweepRecords(ctx context.Context, now time.Time, r *Report) error {
	keys, err := s.store.Keys(ctx, store.PrefixUserSession)
	if err != nil {
		return err
	}
	live := make(map[string]struct{})
	var stale []staleRecord
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		identity, sid, ok := store.ParseUserSessionKey(k)
		if !ok {
			continue
		}
		r.Scanned++

		raw, err := s.store.Get(ctx, k)
		if store.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		var rec types.SessionRecord
		if err := json.Unmarshal(raw, &rec); err == nil && !s.stale(rec.LastAccessedAt, now) {
			live[sid] = struct{}{}
			continue
		}
		stale = append(stale, staleRecord{identity: identity, sid: sid})
	}

	for _, st := range stale {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, shared := live[st.sid]
		if err := s.expire(ctx, st.identity, st.sid, !shared); err != nil {
			return err
		}
		r.Expired++
		prometheusSweepDeleted.WithLabelValues("session").Inc()
		s.log.V(1).Info("expired session", "identity", st.identity, "session", st.sid, "shared", shared)
	}
	return nil
}

// expire removes everything hanging off one session. Each key goes on its
// own so an interrupted pass leaves nothing the next pass cannot finish.
// The session-id keys go only when last is set.
func (s *Sweeper) expire(ctx context.Context, identity types.IdentityHash, sid string, last bool) error {
	if err := s.store.Delete(ctx, store.UserSessionKey(identity, sid)); err != nil {
		return err
	}
	if err := s.store.SetRemove(ctx, store.UserIndexKey(identity), sid); err != nil {
		return err
	}
	if !last {
		return nil
	}
	return s.store.Delete(ctx, store.TransportKey(sid), store.RecoveryKey(sid), store.LegacySessionKey(sid))
}

// reconcileIndexes drops index members whose record is gone. Membership is
// rechecked against the record right before removal so a record created
// concurrently keeps its entry.
func (s *Sweeper) reconcileIndexes(ctx context.Context, r *Report) error {
	keys, err := s.store.Keys(ctx, store.PrefixUserIndex)
	if err != nil {
		return err
	}
	for _, k := range keys {
		identity := types.IdentityHash(k[len(store.PrefixUserIndex):])
		members, err := s.store.SetMembers(ctx, k)
		if err != nil {
			return err
		}
		for _, sid := range members {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := s.store.Get(ctx, store.UserSessionKey(identity, sid))
			if err == nil {
				continue
			}
			if !store.IsNotFound(err) {
				return err
			}
			if err := s.store.SetRemove(ctx, k, sid); err != nil {
				return err
			}
			r.Orphans++
			prometheusSweepDeleted.WithLabelValues("orphan").Inc()
		}
	}
	return nil
}

func (s *Sweeper) sweepTransports(ctx context.Context, now time.Time, r *Report) error {
	keys, err := s.store.Keys(ctx, store.PrefixTransport)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := s.store.Get(ctx, k)
		if store.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		var rec types.TransportSessionRecord
		if err := json.Unmarshal(raw, &rec); err == nil && !s.stale(rec.LastAccessedAt, now) {
			continue
		}
		if err := s.store.Delete(ctx, k); err != nil {
			return err
		}
		r.Transports++
		prometheusSweepDeleted.WithLabelValues("transport").Inc()
	}
	return nil
}

func (s *Sweeper) sweepLegacy(ctx context.Context, now time.Time, r *Report) error {
	keys, err := s.store.Keys(ctx, store.PrefixLegacySession)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := s.store.Get(ctx, k)
		if store.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		var rec types.LegacySessionRecord
		if err := json.Unmarshal(raw, &rec); err == nil && !s.stale(rec.LastAccessedAt, now) {
			continue
		}
		if err := s.store.Delete(ctx, k); err != nil {
			return err
		}
		r.Legacy++
		prometheusSweepDeleted.WithLabelValues("legacy").Inc()
	}
	return nil
}
