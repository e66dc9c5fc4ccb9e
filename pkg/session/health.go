package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/elliotchance/orderedmap"

	"github.com/cryptagon/ion-sessiond/pkg/store"
	"github.com/cryptagon/ion-sessiond/pkg/types"
)

const (
	StoreOK    = "ok"
	StoreError = "error"
)

// Health is the operator view of the store. It is always returned, a failing
// store shows up as StoreConnection == StoreError.
type Health struct {
	StoreConnection     string                     `json:"store_connection"`
	Error               string                     `json:"error,omitempty"`
	TotalSessions       int                        `json:"total_sessions"`
	TotalIdentities     int                        `json:"total_identities"`
	SessionsPerIdentity map[types.IdentityHash]int `json:"sessions_per_identity"`
	TransportSessions   int                        `json:"transport_sessions"`
	LegacySessions      int                        `json:"legacy_sessions"`
}

func (h Health) OK() bool {
	return h.StoreConnection == StoreOK
}

func (m *Manager) HealthSnapshot(ctx context.Context) Health {
	h := Health{
		StoreConnection:     StoreOK,
		SessionsPerIdentity: make(map[types.IdentityHash]int),
	}
	fail := func(err error) Health {
		m.log.Error(err, "health snapshot failed")
		h.StoreConnection = StoreError
		h.Error = err.Error()
		return h
	}

	if err := m.store.Ping(ctx); err != nil {
		return fail(err)
	}
	keys, err := m.store.Keys(ctx, store.PrefixUserSession)
	if err != nil {
		return fail(err)
	}
	for _, k := range keys {
		identity, _, ok := store.ParseUserSessionKey(k)
		if !ok {
			continue
		}
		h.SessionsPerIdentity[identity]++
		h.TotalSessions++
	}
	h.TotalIdentities = len(h.SessionsPerIdentity)

	transports, err := m.store.Keys(ctx, store.PrefixTransport)
	if err != nil {
		return fail(err)
	}
	h.TransportSessions = len(transports)

	legacy, err := m.store.Keys(ctx, store.PrefixLegacySession)
	if err != nil {
		return fail(err)
	}
	h.LegacySessions = len(legacy)
	return h
}

// Bucket is one bar of the sessions-per-identity histogram.
type Bucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

type Analytics struct {
	TotalSessions     int            `json:"total_sessions"`
	ActiveSessions    int            `json:"active_sessions"`
	TotalIdentities   int            `json:"total_identities"`
	MinPerIdentity    int            `json:"min_sessions_per_identity"`
	MaxPerIdentity    int            `json:"max_sessions_per_identity"`
	MeanPerIdentity   float64        `json:"mean_sessions_per_identity"`
	Distribution      []Bucket       `json:"distribution"`
	BySource          map[string]int `json:"by_source"`
	ByAuthKind        map[string]int `json:"by_auth_kind"`
	RecoveredCount    int            `json:"recovered_sessions"`
	OldestIdleSeconds float64        `json:"oldest_idle_seconds"`
}

var bucketBounds = []struct {
	label    string
	min, max int
}{
	{"1", 1, 1},
	{"2-5", 2, 5},
	{"6-10", 6, 10},
	{">10", 11, math.MaxInt32},
}

// Analytics reads every record once and reports distribution statistics.
func (m *Manager) Analytics(ctx context.Context) (*Analytics, error) {
	keys, err := m.store.Keys(ctx, store.PrefixUserSession)
	if err != nil {
		return nil, err
	}

	a := &Analytics{
		BySource:   make(map[string]int),
		ByAuthKind: make(map[string]int),
	}
	now := m.now()
	perIdentity := make(map[types.IdentityHash]int)
	for _, k := range keys {
		raw, err := m.store.Get(ctx, k)
		if store.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var rec types.SessionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			m.log.V(1).Info("skipping undecodable record", "key", k, "err", err.Error())
			continue
		}
		a.TotalSessions++
		perIdentity[rec.IdentityHash]++
		if rec.IsActive {
			a.ActiveSessions++
		}
		if src := sourceOf(&rec); src != "" {
			a.BySource[src]++
		}
		if kind := rec.Attributes[types.AttrAuthKind]; kind != "" {
			a.ByAuthKind[kind]++
		}
		if rec.Attributes[types.AttrRecovered] == "true" {
			a.RecoveredCount++
		}
		if idle := rec.Idle(now).Seconds(); idle > a.OldestIdleSeconds {
			a.OldestIdleSeconds = idle
		}
	}

	a.TotalIdentities = len(perIdentity)
	a.Distribution = histogram(perIdentity)
	if a.TotalIdentities > 0 {
		counts := make([]int, 0, len(perIdentity))
		for _, n := range perIdentity {
			counts = append(counts, n)
		}
		sort.Ints(counts)
		a.MinPerIdentity = counts[0]
		a.MaxPerIdentity = counts[len(counts)-1]
		a.MeanPerIdentity = float64(a.TotalSessions) / float64(a.TotalIdentities)
	}
	return a, nil
}

func histogram(perIdentity map[types.IdentityHash]int) []Bucket {
	om := orderedmap.NewOrderedMap()
	for _, b := range bucketBounds {
		om.Set(b.label, 0)
	}
	for _, n := range perIdentity {
		for _, b := range bucketBounds {
			if n >= b.min && n <= b.max {
				cur, _ := om.Get(b.label)
				om.Set(b.label, cur.(int)+1)
				break
			}
		}
	}

	out := make([]Bucket, 0, len(bucketBounds))
	for _, k := range om.Keys() {
		v, _ := om.Get(k)
		out = append(out, Bucket{Label: fmt.Sprint(k), Count: v.(int)})
	}
	return out
}

func sourceOf(rec *types.SessionRecord) string {
	if src := rec.Attributes[types.AttrDetectedFrom]; src != "" {
		return src
	}
	return rec.Attributes[types.AttrSource]
}
