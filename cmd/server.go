package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	cluster "github.com/cryptagon/ion-sessiond/pkg"
	"github.com/cryptagon/ion-sessiond/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "start an ion-sessiond replica",
	RunE:  serverMain,
}

func init() {
	serverCmd.PersistentFlags().StringP("addr", "a", ":7000", "http listen address")
	serverCmd.PersistentFlags().String("cert", "", "tls certificate")
	serverCmd.PersistentFlags().String("key", "", "tls priv key")
	serverCmd.PersistentFlags().StringP("upstream", "u", "", "engine base url to proxy to")

	bindFlag("server.http_addr", serverCmd.PersistentFlags().Lookup("addr"))
	bindFlag("server.cert", serverCmd.PersistentFlags().Lookup("cert"))
	bindFlag("server.key", serverCmd.PersistentFlags().Lookup("key"))
	bindFlag("server.upstream", serverCmd.PersistentFlags().Lookup("upstream"))

	rootCmd.AddCommand(serverCmd)
}

func serverMain(cmd *cobra.Command, args []string) error {
	log := logger.GetLogger()
	log.Info("--- Starting session node ---")

	node, err := cluster.NewNode(conf, log)
	if err != nil {
		log.Error(err, "error creating node")
		return err
	}
	defer node.Close()

	if conf.Server.TapLogs {
		logger.Tee(node.Detector().Writer())
		defer logger.Tee(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	node.Start(ctx)

	sServer, sError := cluster.NewServer(node, conf.Server)
	go sServer.Serve()

	// Listen for signals
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	// Select on error channels from different modules
	for {
		select {
		case err := <-sError:
			log.Error(err, "error in http server")
			return err
		case sig := <-sigs:
			log.V(1).Info("got signal, beginning shutdown", "signal", sig.String())
			cancel()

			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := sServer.Shutdown(sctx); err != nil {
				log.Error(err, "http shutdown")
			}
			scancel()

			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()
			for {
				active := cluster.MetricsGetActiveClientsCount()
				if active == 0 {
					log.V(1).Info("server idle, shutting down")
					return nil
				}
				log.V(1).Info("shutdown waiting on clients", "active", active)
				select {
				case <-ticker.C:
					continue
				case <-sigs:
					log.V(1).Info("got second signal: forcing shutdown")
					return nil
				}
			}
		}
	}
}
