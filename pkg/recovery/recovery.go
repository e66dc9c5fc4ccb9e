// Package recovery reacts to the engine failing to find a session. It only
// rebuilds bookkeeping: the record that a session exists and a transport
// binding on this replica. The engine's in-memory stream cannot be moved
// between replicas, so a recovered client still performs a fresh handshake.
package recovery

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/cryptagon/ion-sessiond/pkg/config"
	"github.com/cryptagon/ion-sessiond/pkg/identity"
	"github.com/cryptagon/ion-sessiond/pkg/session"
	"github.com/cryptagon/ion-sessiond/pkg/store"
	"github.com/cryptagon/ion-sessiond/pkg/transport"
	"github.com/cryptagon/ion-sessiond/pkg/types"
)

// ErrRecoveryExhausted is terminal for the session's current window: the
// client has to establish a new session.
var ErrRecoveryExhausted = errors.New("recovery: attempts exhausted")

// State of one session id's recovery cycle, derived from the shared counter.
type State string

const (
	StateIdle      State = "idle"
	StateRecovered State = "recovered"
	StateExhausted State = "exhausted"
)

type Outcome string

const (
	OutcomeRebound   Outcome = "rebound"
	OutcomeRecreated Outcome = "recreated"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeFailed    Outcome = "failed"
)

type Result struct {
	SessionID string               `json:"session_id"`
	Outcome   Outcome              `json:"outcome"`
	Attempt   int64                `json:"attempt"`
	Record    *types.SessionRecord `json:"record,omitempty"`
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

type Coordinator struct {
	log        logr.Logger
	store      store.Store
	manager    *session.Manager
	bridge     *transport.Bridge
	serverName string
	cfg        config.RecoveryConfig
	now        func() time.Time
}

func NewCoordinator(s store.Store, m *session.Manager, b *transport.Bridge, serverName string, cfg config.RecoveryConfig, log logr.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		log:        log.WithName("recovery"),
		store:      s,
		manager:    m,
		bridge:     b,
		serverName: serverName,
		cfg:        cfg,
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// HandleNotFound runs one recovery attempt for sessionID. The attempt is
// counted in the shared store before anything else, so a replica restart
// mid-cycle does not reset the bound.
func (c *Coordinator) HandleNotFound(ctx context.Context, sessionID string, id identity.Identity, transportType string) (*Result, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	attempt, err := c.store.Incr(ctx, store.RecoveryKey(sessionID), c.cfg.Window)
	if err != nil {
		prometheusRecoveries.WithLabelValues(string(OutcomeFailed)).Inc()
		return nil, err
	}
	res := &Result{SessionID: sessionID, Attempt: attempt}

	if attempt > int64(c.cfg.MaxAttempts) {
		res.Outcome = OutcomeExhausted
		prometheusRecoveries.WithLabelValues(string(OutcomeExhausted)).Inc()
		c.log.Info("session recovery exhausted", "session", sessionID, "attempt", attempt)
		return res, ErrRecoveryExhausted
	}

	rec, err := c.manager.Get(ctx, id.Hash, sessionID)
	if err == nil && !rec.IsActive {
		err = session.ErrSessionNotFound
	}
	switch {
	case err == nil:
		res.Outcome = OutcomeRebound
		if err := c.manager.Touch(ctx, id.Hash, sessionID); err != nil {
			return c.failed(res, err)
		}
	case errors.Is(err, session.ErrSessionNotFound):
		res.Outcome = OutcomeRecreated
		rec, err = c.manager.Create(ctx, id.Hash, sessionID, map[string]string{
			types.AttrSource:       "recovery",
			types.AttrAuthKind:     string(id.Kind),
			types.AttrRecovered:    "true",
			types.AttrRecoveryTime: c.now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return c.failed(res, err)
		}
	default:
		return c.failed(res, err)
	}
	res.Record = rec

	if err := c.bridge.RecordBinding(ctx, sessionID, transportType, c.serverName); err != nil {
		return c.failed(res, err)
	}

	prometheusRecoveries.WithLabelValues(string(res.Outcome)).Inc()
	c.log.Info("session recovered", "session", sessionID, "outcome", res.Outcome, "attempt", attempt)
	return res, nil
}

func (c *Coordinator) failed(res *Result, err error) (*Result, error) {
	res.Outcome = OutcomeFailed
	prometheusRecoveries.WithLabelValues(string(OutcomeFailed)).Inc()
	c.log.Error(err, "session recovery failed", "session", res.SessionID, "attempt", res.Attempt)
	return res, err
}

// State derives the recovery state of sessionID from its counter.
func (c *Coordinator) State(ctx context.Context, sessionID string) (State, int64, error) {
	n, err := c.attempts(ctx, store.RecoveryKey(sessionID))
	if err != nil {
		return "", 0, err
	}
	return c.stateOf(n), n, nil
}

func (c *Coordinator) stateOf(n int64) State {
	switch {
	case n == 0:
		return StateIdle
	case n > int64(c.cfg.MaxAttempts):
		return StateExhausted
	}
	return StateRecovered
}

func (c *Coordinator) attempts(ctx context.Context, key string) (int64, error) {
	raw, err := c.store.Get(ctx, key)
	if store.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

type InFlight struct {
	SessionID string `json:"session_id"`
	Attempts  int64  `json:"attempts"`
	State     State  `json:"state"`
}

type Stats struct {
	MaxAttempts   int        `json:"max_attempts"`
	WindowSeconds float64    `json:"window_seconds"`
	Exhausted     int        `json:"exhausted"`
	Sessions      []InFlight `json:"sessions"`
}

// Stats lists every session with a recovery counter still inside its window.
func (c *Coordinator) Stats(ctx context.Context) (*Stats, error) {
	keys, err := c.store.Keys(ctx, store.PrefixRecovery)
	if err != nil {
		return nil, err
	}
	st := &Stats{
		MaxAttempts:   c.cfg.MaxAttempts,
		WindowSeconds: c.cfg.Window.Seconds(),
		Sessions:      make([]InFlight, 0, len(keys)),
	}
	for _, k := range keys {
		n, err := c.attempts(ctx, k)
		if err != nil {
			c.log.V(1).Info("skipping unreadable recovery counter", "key", k, "err", err.Error())
			continue
		}
		if n == 0 {
			continue
		}
		f := InFlight{
			SessionID: k[len(store.PrefixRecovery):],
			Attempts:  n,
			State:     c.stateOf(n),
		}
		if f.State == StateExhausted {
			st.Exhausted++
		}
		st.Sessions = append(st.Sessions, f)
	}
	sort.Slice(st.Sessions, func(i, j int) bool {
		return st.Sessions[i].SessionID < st.Sessions[j].SessionID
	})
	return st, nil
}
