// Command walletnetwork runs the wallet network core standalone: it
// opens the local chain/cert/registry state, brings up the connection
// pool, and serves until interrupted.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{Use: "walletnetwork"}
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serverCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
