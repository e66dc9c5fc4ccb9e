package store

import (
	"fmt"
	"strings"

	"github.com/cryptagon/ion-sessiond/pkg/config"
)

// Open builds the backend named in cfg, bounded by cfg.OpTimeout.
func Open(cfg config.StoreConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch strings.ToLower(cfg.Backend) {
	case config.BackendMemory:
		s = NewMemory()
	case config.BackendRedis:
		s, err = NewRedis(cfg.RedisURL)
	case config.BackendEtcd:
		s, err = NewEtcd(cfg.EtcdHosts, cfg.OpTimeout)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Backend, err)
	}
	return WithTimeout(s, cfg.OpTimeout), nil
}
