// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// pairwirectl is the interactive operator CLI (SPEC_FULL.md §4.11),
// grounded on the teacher's cobra command wiring (common/cli.go),
// simplified to stdlib cobra without the fang/lipgloss presentation
// layer, which is cosmetic and out of scope for this spec's core.
//
// Unlike the teacher's CLI, which speaks to an already-running daemon
// over its own client2 session, pairwirectl opens the configured storage
// file and relay connection directly for the duration of each subcommand:
// this repository does not specify an operator control-plane RPC, so each
// invocation rehydrates state from the shared bbolt file instead.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pairwire/pairwire/client"
	pairwireconfig "github.com/pairwire/pairwire/config"
	"github.com/pairwire/pairwire/crypto/x25519glue"
	"github.com/pairwire/pairwire/internal/corelog"
	"github.com/pairwire/pairwire/jsonrpc"
	"github.com/pairwire/pairwire/relay"
	"github.com/pairwire/pairwire/relay/nettransport"
	"github.com/pairwire/pairwire/sequence"
	"github.com/pairwire/pairwire/store/boltstore"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "pairwirectl",
		Short: "operate a pairwire node's pairings and sessions",
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "pairwire.toml", "configuration file")

	root.AddCommand(connectCmd(), pairCmd(), approveCmd(), rejectCmd(), requestCmd(), disconnectCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func withClient(fn func(ctx context.Context, c *client.Client) error) error {
	cfg, err := pairwireconfig.LoadFile(configFile)
	if err != nil {
		return err
	}
	backend, err := corelog.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return err
	}
	logger := backend.GetLogger("pairwirectl")

	st, err := boltstore.Open(cfg.StoragePath)
	if err != nil {
		return err
	}
	defer st.Close()

	transport := nettransport.New(cfg.Relay.Address, logger)
	transport.Start()
	defer transport.Halt()

	rpc := relay.NewClient(transport, x25519glue.Default, nil, logger)
	registry := relay.NewRegistry(rpc, 0, logger)
	registry.Start()
	defer registry.Halt()

	relayDescriptor := relay.Descriptor{Protocol: cfg.Relay.Protocol, Params: cfg.Relay.Params}
	c := client.New(registry, st, x25519glue.Default, client.Options{
		PairingRelay: relayDescriptor,
		SessionRelay: relayDescriptor,
		PairingTTL:   cfg.Debug.PairingTTL(),
		SessionTTL:   cfg.Debug.SessionTTL(),
		Logger:       logger,
	})
	defer c.Halt()

	ctx := context.Background()
	if err := c.Init(ctx); err != nil {
		return err
	}
	return fn(ctx, c)
}

func connectCmd() *cobra.Command {
	var pairingTopic string
	var methods []string
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "create or reuse a pairing and propose a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				topic, err := c.Connect(ctx, client.ConnectParams{
					Pairing:     pairingTopic,
					Permissions: sequence.Permissions{Methods: methods},
				})
				if err != nil {
					return err
				}
				fmt.Println(topic)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&pairingTopic, "pairing", "", "existing settled pairing topic (omit to create a new pairing)")
	cmd.Flags().StringSliceVar(&methods, "method", nil, "application JSON-RPC method to permit on the session")
	return cmd
}

func pairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair <uri>",
		Short: "pair with a peer's pairing URI and wait for settlement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				topic, err := c.Pair(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Println(topic)
				return nil
			})
		},
	}
	return cmd
}

func approveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <topic>",
		Short: "approve a pending pairing or session proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				_, err := c.Approve(ctx, args[0])
				return err
			})
		},
	}
	return cmd
}

func rejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <topic>",
		Short: "reject a pending pairing or session proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				return c.Reject(ctx, args[0], reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func requestCmd() *cobra.Command {
	var method string
	var paramsJSON string
	cmd := &cobra.Command{
		Use:   "request <topic>",
		Short: "send an application JSON-RPC request on a settled session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params interface{}
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
					return fmt.Errorf("pairwirectl: bad --params JSON: %w", err)
				}
			}
			return withClient(func(ctx context.Context, c *client.Client) error {
				resp, err := c.Request(ctx, args[0], jsonrpc.Method(method), params)
				if err != nil {
					return err
				}
				out, _ := json.Marshal(resp)
				fmt.Println(string(out))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&method, "method", "", "application JSON-RPC method")
	cmd.Flags().StringVar(&paramsJSON, "params", "", "JSON-encoded params")
	_ = cmd.MarkFlagRequired("method")
	return cmd
}

func disconnectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "disconnect <topic>",
		Short: "delete a settled pairing or session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				return c.Disconnect(ctx, args[0], reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "disconnect reason")
	return cmd
}
