package cmd

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/cryptagon/ion-sessiond/pkg/config"
	"github.com/cryptagon/ion-sessiond/pkg/logger"
	"github.com/cryptagon/ion-sessiond/pkg/store"
	"github.com/cryptagon/ion-sessiond/pkg/sweeper"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "run one expiry sweep against the configured store and exit",
	RunE:  sweepMain,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func sweepMain(cmd *cobra.Command, args []string) error {
	log := logger.GetLogger()
	if conf.Store.Backend == config.BackendMemory {
		log.Info("memory store is process local, nothing to sweep from here")
	}

	s, err := store.Open(conf.Store)
	if err != nil {
		return err
	}
	defer s.Close()

	sw := sweeper.New(s, conf.Session.TTL, conf.Sweeper, log)
	report, err := sw.SweepOnce(context.Background())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
