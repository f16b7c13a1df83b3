// Command quarkraftctl is the admin CLI SPEC_FULL.md's package layout
// calls for: status, add-observer, promote-observer, remove-member, coup,
// set-fsync-policy, activate-stale-reads, all built on pkg/quarkraftapi.
// Generalizes the teacher's cmd/client/main.go (a single flag-driven
// get/set/delete shell over pkg/api.Client) into a cobra command tree, one
// subcommand per admin operation, matching the cmd/server split already
// applied to quarkraftd.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quarkraft/quarkraft/pkg/quarkraftapi"
)

func main() {
	var addrs string
	var clusterID string
	var dialTimeout time.Duration

	newClient := func() *quarkraftapi.Client {
		return quarkraftapi.New(quarkraftapi.Config{
			Addrs:       strings.Split(addrs, ","),
			ClusterID:   clusterID,
			DialTimeout: dialTimeout,
		})
	}

	root := &cobra.Command{
		Use:   "quarkraftctl",
		Short: "Administer a quarkraft cluster",
	}
	root.PersistentFlags().StringVar(&addrs, "addrs", "127.0.0.1:6380", "comma-separated RESP addresses to try")
	root.PersistentFlags().StringVar(&clusterID, "cluster-id", "", "cluster id to present in the handshake")
	root.PersistentFlags().DurationVar(&dialTimeout, "dial-timeout", 2*time.Second, "per-attempt dial timeout")

	root.AddCommand(
		statusCmd(newClient),
		addObserverCmd(newClient),
		promoteObserverCmd(newClient),
		removeMemberCmd(newClient),
		coupCmd(newClient),
		setFsyncPolicyCmd(newClient),
		activateStaleReadsCmd(newClient),
		getCmd(newClient),
		setCmd(newClient),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func statusCmd(newClient func() *quarkraftapi.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the contacted node's RAFT_INFO and RAFT_LEADER_INFO",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()
			info, err := c.RaftInfo()
			if err != nil {
				return err
			}
			leader, err := c.RaftLeaderInfo()
			if err != nil {
				return err
			}
			fmt.Println(info)
			fmt.Println("leader:", leader)
			return nil
		},
	}
}

func addObserverCmd(newClient func() *quarkraftapi.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "add-observer <addr>",
		Short: "Add addr as a non-voting observer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()
			return c.AddObserver(args[0])
		},
	}
}

func promoteObserverCmd(newClient func() *quarkraftapi.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "promote-observer <addr>",
		Short: "Promote a caught-up observer to a voting member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()
			return c.PromoteObserver(args[0])
		},
	}
}

func removeMemberCmd(newClient func() *quarkraftapi.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-member <addr>",
		Short: "Remove a voter or observer from the cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()
			return c.RemoveMember(args[0])
		},
	}
}

func coupCmd(newClient func() *quarkraftapi.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "coup",
		Short: "Force the contacted node to time out its election clock now",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()
			return c.AttemptCoup()
		},
	}
}

func setFsyncPolicyCmd(newClient func() *quarkraftapi.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "set-fsync-policy <always|async|sync-important-updates>",
		Short: "Reconfigure the contacted node's durability policy at runtime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()
			return c.SetFsyncPolicy(args[0])
		},
	}
}

func activateStaleReadsCmd(newClient func() *quarkraftapi.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "activate-stale-reads",
		Short: "Let the contacted node serve reads locally as a follower",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()
			return c.ActivateStaleReads()
		},
	}
}

func getCmd(newClient func() *quarkraftapi.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Fetch a key's value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()
			val, ok, err := c.Get(args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("(nil)")
				return nil
			}
			fmt.Println(string(val))
			return nil
		},
	}
}

func setCmd(newClient func() *quarkraftapi.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a key's value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()
			return c.Set(args[0], []byte(args[1]))
		},
	}
}
