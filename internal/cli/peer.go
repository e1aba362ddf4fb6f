package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/dkeye/peershare/internal/protocol"
	"github.com/dkeye/peershare/internal/signalclient"
)

func NewCreateCmd(deps *Dependencies, opts *options) *cobra.Command {
	var name, user string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a group and stay connected",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPeer(cmd, deps, opts, func(c *signalclient.Client) error {
				return c.CreateGroup(name, user)
			})
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "group name")
	cmd.Flags().StringVar(&user, "user", "", "display name")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func NewJoinCmd(deps *Dependencies, opts *options) *cobra.Command {
	var group, user, peer string

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a group and stay connected",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPeer(cmd, deps, opts, func(c *signalclient.Client) error {
				return c.JoinGroup(group, user, peer)
			})
		},
	}

	cmd.Flags().StringVarP(&group, "group", "g", "", "group id (group_...)")
	cmd.Flags().StringVar(&user, "user", "", "display name")
	cmd.Flags().StringVar(&peer, "peer", "", "peer id to announce on join")
	_ = cmd.MarkFlagRequired("group")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func NewListenCmd(deps *Dependencies, opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Connect anonymously and print every message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPeer(cmd, deps, opts, nil)
		},
	}
}

// runPeer connects, prints every envelope, runs first once and then blocks
// until the command context ends.
func runPeer(cmd *cobra.Command, deps *Dependencies, opts *options, first func(*signalclient.Client) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ccfg := deps.Config.Client
	ccfg.URL = opts.wsURL
	client := signalclient.New(ccfg)
	defer client.Close()

	out := cmd.OutOrStdout()
	var mu sync.Mutex
	client.On(protocol.Wildcard, func(env protocol.Envelope) {
		data, err := protocol.Encode(env)
		if err != nil {
			return
		}
		mu.Lock()
		fmt.Fprintln(out, string(data))
		mu.Unlock()
	})

	if err := client.Connect(ctx); err != nil {
		return err
	}
	if first != nil {
		if err := first(client); err != nil {
			return err
		}
	}

	err := client.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
