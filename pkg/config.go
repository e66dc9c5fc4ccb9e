package cluster

import (
	"fmt"
	"net/url"

	"github.com/dgrijalva/jwt-go"

	"github.com/cryptagon/ion-sessiond/pkg/config"
	"github.com/cryptagon/ion-sessiond/pkg/logger"
	"github.com/cryptagon/ion-sessiond/pkg/transport"
)

// RootConfig is the root config read in from .ionsessiond.toml
type RootConfig struct {
	Server   ServerConfig          `mapstructure:"server"`
	Store    config.StoreConfig    `mapstructure:"store"`
	Session  config.SessionConfig  `mapstructure:"session"`
	Recovery config.RecoveryConfig `mapstructure:"recovery"`
	Sweeper  config.SweeperConfig  `mapstructure:"sweeper"`
	Detector config.DetectorConfig `mapstructure:"detector"`
	Log      logger.Config         `mapstructure:"log"`
}

// ServerConfig params for the http listener and the engine in front of which
// this replica sits
type ServerConfig struct {
	// Name identifies this replica in transport bindings; generated when empty
	Name     string `mapstructure:"name"`
	HTTPAddr string `mapstructure:"http_addr"`
	Key      string `mapstructure:"key"`
	Cert     string `mapstructure:"cert"`
	// Upstream is the engine base url; when set every unmatched route is
	// proxied there through the session middleware
	Upstream string `mapstructure:"upstream"`
	// TransportType is recorded for bindings when a request does not reveal one
	TransportType string `mapstructure:"transport_type"`
	// TapLogs feeds this process's own log lines to the detector
	TapLogs bool       `mapstructure:"tap_logs"`
	Auth    AuthConfig `mapstructure:"auth"`
}

//AuthConfig params for JWT token authentication of the admin surface
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Key     string `mapstructure:"key"`
	KeyType string `mapstructure:"key_type"`
}

func (a AuthConfig) keyFunc(t *jwt.Token) (interface{}, error) {
	switch a.KeyType {
	//TODO: add more support for keytypes here
	default:
		return []byte(a.Key), nil
	}
}

// DefaultConfig returns every knob at its default.
func DefaultConfig() RootConfig {
	return RootConfig{
		Server: ServerConfig{
			HTTPAddr:      ":7000",
			TransportType: transport.TypeSSE,
		},
		Store:    config.DefaultStore(),
		Session:  config.DefaultSession(),
		Recovery: config.DefaultRecovery(),
		Sweeper:  config.DefaultSweeper(),
		Detector: config.DefaultDetector(),
		Log:      logger.Config{Level: "info"},
	}
}

func (c RootConfig) Validate() error {
	if c.Server.Upstream != "" {
		u, err := url.Parse(c.Server.Upstream)
		if err != nil {
			return fmt.Errorf("server: bad upstream: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("server: upstream must be http or https, got %q", u.Scheme)
		}
	}
	if c.Server.Auth.Enabled && c.Server.Auth.Key == "" {
		return fmt.Errorf("server: auth enabled without a key")
	}
	for _, v := range []interface{ Validate() error }{c.Store, c.Session, c.Recovery, c.Sweeper, c.Detector} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}
