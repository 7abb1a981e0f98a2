package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NetworkCmd groups node lifecycle commands, trimmed to what a single-process
// cube store needs: start and peers. There is no broadcast or subscribe
// command; cube operations live under the "cube" command group.
var NetworkCmd = &cobra.Command{Use: "network", Short: "P2P node lifecycle"}

var networkStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a Verity node and block until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := buildEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		fmt.Fprintf(cmd.OutOrStdout(), "verityd node started, listening on %s\n", e.Config.Network.ListenAddr)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		fmt.Fprintln(cmd.OutOrStdout(), "shutting down")
		return nil
	},
}

var networkPeersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List currently known peers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := buildEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		peers := e.Node.OnlinePeers()
		if len(peers) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no peers")
			return nil
		}
		for _, p := range peers {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		return nil
	},
}

func init() {
	NetworkCmd.AddCommand(networkStartCmd, networkPeersCmd)
}
