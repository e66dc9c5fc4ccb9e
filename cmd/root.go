package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	cluster "github.com/cryptagon/ion-sessiond/pkg"
	"github.com/cryptagon/ion-sessiond/pkg/logger"
)

var (
	// Used for flags.
	cfgFile  string
	logLevel string
	conf     = cluster.DefaultConfig()

	rootCmd = &cobra.Command{
		Use:   "ion-sessiond",
		Short: "ion-sessiond keeps streaming sessions consistent across stateless replicas",
		Long: `ion-sessiond sits in front of a streaming session engine. It records which
identity owns which session in a shared store, recovers bookkeeping when a
replica does not know a session, and sweeps expired state.`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.ionsessiond.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
}

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func setDefaults(c cluster.RootConfig) {
	defaults := map[string]interface{}{
		"server.http_addr":        c.Server.HTTPAddr,
		"server.transport_type":   c.Server.TransportType,
		"server.name":             c.Server.Name,
		"server.upstream":         c.Server.Upstream,
		"server.key":              c.Server.Key,
		"server.cert":             c.Server.Cert,
		"server.tap_logs":         c.Server.TapLogs,
		"server.auth.enabled":     c.Server.Auth.Enabled,
		"server.auth.key":         c.Server.Auth.Key,
		"server.auth.key_type":    c.Server.Auth.KeyType,
		"store.backend":           c.Store.Backend,
		"store.redis_url":         c.Store.RedisURL,
		"store.etcd_hosts":        c.Store.EtcdHosts,
		"store.op_timeout":        c.Store.OpTimeout,
		"session.ttl":             c.Session.TTL,
		"session.reuse_window":    c.Session.ReuseWindow,
		"recovery.max_attempts":   c.Recovery.MaxAttempts,
		"recovery.window":         c.Recovery.Window,
		"recovery.timeout":        c.Recovery.Timeout,
		"sweeper.enabled":         c.Sweeper.Enabled,
		"sweeper.interval":        c.Sweeper.Interval,
		"detector.workers":        c.Detector.Workers,
		"detector.queue_size":     c.Detector.QueueSize,
		"detector.dedup_interval": c.Detector.DedupInterval,
		"detector.dedup_capacity": c.Detector.DedupCapacity,
		"detector.telemetry_file": c.Detector.TelemetryFile,
		"log.level":               c.Log.Level,
		"log.json":                c.Log.JSON,
	}
	for k, v := range defaults {
		viper.SetDefault(k, v)
	}
}

func initConfig() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "Error loading .env:", err)
	}

	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := homedir.Dir()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".ionsessiond")
	}
	viper.SetConfigType("toml")

	viper.SetEnvPrefix("IONSESSIOND")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults(cluster.DefaultConfig())
	// the engine's own variable, honoured when ours is not set
	_ = viper.BindEnv("store.redis_url", "IONSESSIOND_STORE_REDIS_URL", "REDIS_URL")

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		fmt.Fprintf(os.Stderr, "config file %s read failed. %v\n", cfgFile, err)
		os.Exit(1)
	}

	conf = cluster.DefaultConfig()
	if err := viper.GetViper().Unmarshal(&conf); err != nil {
		fmt.Fprintf(os.Stderr, "config file %s loaded failed. %v\n", cfgFile, err)
		os.Exit(1)
	}
	if logLevel != "" {
		conf.Log.Level = logLevel
	}
	if err := conf.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		os.Exit(1)
	}

	logger.Init(conf.Log)
}

// bindFlag lets a flag override the config file and environment for key.
func bindFlag(key string, f *pflag.Flag) {
	if err := viper.BindPFlag(key, f); err != nil {
		panic(err)
	}
}
