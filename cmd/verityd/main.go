// Command verityd is a minimal operator CLI around the core engine: start
// a node, add a cube from a file, inspect the store, and show an identity.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{Use: "verityd"}
	rootCmd.AddCommand(NetworkCmd)
	rootCmd.AddCommand(CubeCmd)
	rootCmd.AddCommand(IdentityCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
