package cluster

import (
	"context"
	"time"

	"github.com/bep/debounce"
	"github.com/go-logr/logr"
	"github.com/pborman/uuid"

	"github.com/cryptagon/ion-sessiond/pkg/detector"
	"github.com/cryptagon/ion-sessiond/pkg/identity"
	"github.com/cryptagon/ion-sessiond/pkg/recovery"
	"github.com/cryptagon/ion-sessiond/pkg/session"
	"github.com/cryptagon/ion-sessiond/pkg/store"
	"github.com/cryptagon/ion-sessiond/pkg/sweeper"
	"github.com/cryptagon/ion-sessiond/pkg/transport"
	"github.com/cryptagon/ion-sessiond/pkg/types"
)

const (
	metricsRefreshDelay = 2 * time.Second
	telemetryPoll       = 250 * time.Millisecond
)

// Node wires every component of one replica around a shared store.
type Node struct {
	log  logr.Logger
	name string
	conf RootConfig

	store    store.Store
	resolver *identity.Resolver
	manager  *session.Manager
	bridge   *transport.Bridge
	recovery *recovery.Coordinator
	detector *detector.Detector
	sweeper  *sweeper.Sweeper

	refresh func(f func())
}

// NewNode opens the configured store and builds a replica on it.
func NewNode(conf RootConfig, log logr.Logger) (*Node, error) {
	s, err := store.Open(conf.Store)
	if err != nil {
		return nil, err
	}
	return NewNodeWithStore(conf, s, log), nil
}

// NewNodeWithStore builds a replica on an already open store.
func NewNodeWithStore(conf RootConfig, s store.Store, log logr.Logger) *Node {
	name := conf.Server.Name
	if name == "" {
		name = "sessiond-" + uuid.New()
	}
	log = log.WithName("cluster").WithValues("replica", name)

	n := &Node{
		log:      log,
		name:     name,
		conf:     conf,
		store:    s,
		resolver: identity.NewResolver(log),
		refresh:  debounce.New(metricsRefreshDelay),
	}
	n.manager = session.NewManager(s, conf.Session, log)
	n.bridge = transport.NewBridge(s, conf.Session.TTL, log)
	n.recovery = recovery.NewCoordinator(s, n.manager, n.bridge, name, conf.Recovery, log)
	n.detector = detector.New(conf.Detector, n.resolver, n, log)
	n.sweeper = sweeper.New(s, conf.Session.TTL, conf.Sweeper, log, sweeper.WithPrunable(n.detector))
	return n
}

func (n *Node) Name() string {
	return n.name
}

func (n *Node) Manager() *session.Manager {
	return n.manager
}

func (n *Node) Bridge() *transport.Bridge {
	return n.bridge
}

func (n *Node) Recovery() *recovery.Coordinator {
	return n.recovery
}

func (n *Node) Detector() *detector.Detector {
	return n.detector
}

func (n *Node) Sweeper() *sweeper.Sweeper {
	return n.sweeper
}

func (n *Node) Resolver() *identity.Resolver {
	return n.resolver
}

// SessionObserved records one observation: the identity-scoped record first,
// then the advisory transport binding for this replica.
func (n *Node) SessionObserved(ctx context.Context, obs types.Observation) error {
	attrs := make(map[string]string, len(obs.Attributes)+2)
	for k, v := range obs.Attributes {
		attrs[k] = v
	}
	if _, ok := attrs[types.AttrSource]; !ok {
		attrs[types.AttrSource] = obs.Source
	}
	if obs.EventID != "" {
		attrs[types.AttrEventID] = obs.EventID
	}
	transportType := attrs[attrTransport]
	if transportType == "" {
		transportType = n.conf.Server.TransportType
	}
	delete(attrs, attrTransport)

	if _, err := n.manager.FindOrCreate(ctx, obs.IdentityHash, obs.SessionID, attrs); err != nil {
		return err
	}
	if err := n.bridge.RecordBinding(ctx, obs.SessionID, transportType, n.name); err != nil {
		return err
	}
	n.refresh(n.refreshMetrics)
	return nil
}

func (n *Node) refreshMetrics() {
	timeout := n.conf.Store.OpTimeout * 4
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if h := n.manager.RefreshMetrics(ctx); !h.OK() {
		n.log.V(1).Info("metrics refresh skipped, store unhealthy")
	}
}

// Start launches the background work: the sweeper and, when configured, the
// telemetry file follower. Both stop with ctx.
func (n *Node) Start(ctx context.Context) {
	if n.conf.Sweeper.Enabled {
		go n.sweeper.Run(ctx)
	}
	if path := n.conf.Detector.TelemetryFile; path != "" {
		go func() {
			if err := n.detector.FollowFile(ctx, path, telemetryPoll); err != nil {
				n.log.Error(err, "telemetry follower stopped", "path", path)
			}
		}()
	}
	n.refreshMetrics()
}

// Close drains queued observations and closes the store.
func (n *Node) Close() error {
	n.detector.Close()
	return n.store.Close()
}
