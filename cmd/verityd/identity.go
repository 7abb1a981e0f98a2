package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"verity/internal/identity"
)

// IdentityCmd groups identity lifecycle commands: generating and
// publishing a new owned identity, and reading back any identity (owned or
// remote) by its root public key.
var IdentityCmd = &cobra.Command{Use: "identity", Short: "Identity operations"}

var identityNewCmd = &cobra.Command{
	Use:   "new <name>",
	Short: "Generate a new identity, publish its root MUC, and print its recovery mnemonic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := buildEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		seed, mnemonic, err := identity.NewRandomMasterSeed(128)
		if err != nil {
			return err
		}
		id, err := identity.New(seed, args[0], e.Config.IdentityParams(), e.CubeStore, e.Retriever, e.Identities, e.Logger)
		if err != nil {
			return err
		}
		e.Identities.Put(id)

		if err := id.Store(context.Background(), e.Config.Admission.RequiredDifficulty); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "public key: %s\n", hex.EncodeToString(id.PublicKey[:]))
		fmt.Fprintf(cmd.OutOrStdout(), "recovery mnemonic: %s\n", mnemonic)
		return nil
	},
}

var identityShowCmd = &cobra.Command{
	Use:   "show <hex-public-key>",
	Short: "Resolve and print an identity's name, posts, and subscriptions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := buildEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		key, err := decodeKey(args[0])
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		id, err := e.Identities.Retrieve(ctx, key)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "name: %s\n", id.Name())
		fmt.Fprintf(cmd.OutOrStdout(), "owned: %t\n", id.Owned())
		fmt.Fprintf(cmd.OutOrStdout(), "posts: %d\n", len(id.PostKeys()))
		fmt.Fprintf(cmd.OutOrStdout(), "subscriptions: %d\n", len(id.SubscribedKeys()))
		return nil
	},
}

func init() {
	IdentityCmd.AddCommand(identityNewCmd, identityShowCmd)
}
