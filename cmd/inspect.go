package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	cluster "github.com/cryptagon/ion-sessiond/pkg"
	"github.com/cryptagon/ion-sessiond/pkg/client"
	"github.com/cryptagon/ion-sessiond/pkg/types"
)

var (
	inspectURL   string
	inspectToken string
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "query a running replica over its admin websocket",
}

func init() {
	inspectCmd.PersistentFlags().StringVarP(&inspectURL, "url", "u", "ws://localhost:7000", "replica to connect to")
	inspectCmd.PersistentFlags().StringVarP(&inspectToken, "token", "t", "", "jwt access token")

	inspectCmd.AddCommand(
		inspectSub("ping", "check the admin connection", cobra.NoArgs, func(c client.Admin, args []string) (interface{}, error) {
			return "pong", c.Ping()
		}),
		inspectSub("health", "store connectivity and counts", cobra.NoArgs, func(c client.Admin, args []string) (interface{}, error) {
			return c.Health()
		}),
		inspectSub("sessions [identity_hash]", "list the sessions of one identity", cobra.ExactArgs(1), func(c client.Admin, args []string) (interface{}, error) {
			return c.Sessions(types.IdentityHash(args[0]))
		}),
		inspectSub("deactivate [identity_hash] [session_id]", "mark a session inactive", cobra.ExactArgs(2), func(c client.Admin, args []string) (interface{}, error) {
			return true, c.Deactivate(types.IdentityHash(args[0]), args[1])
		}),
		inspectSub("analytics", "session distribution statistics", cobra.NoArgs, func(c client.Admin, args []string) (interface{}, error) {
			return c.Analytics()
		}),
		inspectSub("recovery", "recovery attempts in flight", cobra.NoArgs, func(c client.Admin, args []string) (interface{}, error) {
			return c.Recovery()
		}),
		inspectSub("sweep", "run one sweep on the replica", cobra.NoArgs, func(c client.Admin, args []string) (interface{}, error) {
			return c.Sweep()
		}),
	)
	rootCmd.AddCommand(inspectCmd)
}

func endpoint() string {
	u := inspectURL + cluster.AdminPrefix + "/admin"
	if inspectToken != "" {
		u += "?access_token=" + url.QueryEscape(inspectToken)
	}
	return u
}

func inspectSub(use, short string, args cobra.PositionalArgs, call func(client.Admin, []string) (interface{}, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.NewJSONRPCAdminClient(context.Background())
			if _, err := c.Open(endpoint()); err != nil {
				return fmt.Errorf("connect %s: %w", inspectURL, err)
			}
			defer c.Close()

			out, err := call(c, args)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
