package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	cluster "github.com/cryptagon/ion-sessiond/pkg"
	"github.com/cryptagon/ion-sessiond/pkg/logger"
)

var followPassthrough bool

var followCmd = &cobra.Command{
	Use:   "follow",
	Short: "detect sessions in engine log lines read from stdin",
	Long: `follow reads the engine's log output on stdin and records every session it
mentions in the shared store. Pipe the engine into it:

  engine 2>&1 | ion-sessiond follow`,
	RunE: followMain,
}

func init() {
	followCmd.Flags().BoolVar(&followPassthrough, "passthrough", true, "copy stdin to stdout")
	rootCmd.AddCommand(followCmd)
}

func followMain(cmd *cobra.Command, args []string) error {
	log := logger.GetLogger()
	node, err := cluster.NewNode(conf, log)
	if err != nil {
		return err
	}
	defer node.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	node.Start(ctx)

	var in io.Reader = os.Stdin
	if followPassthrough {
		in = io.TeeReader(os.Stdin, os.Stdout)
	}
	if err := node.Detector().Follow(ctx, in); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
