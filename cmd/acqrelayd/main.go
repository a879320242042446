// Acqrelayd is a control-plane relay between acquisition clients and a
// remote data node.
//
// It bridges client request/response transactions onto the data node's
// command/control stream and forwards the UDP batch-sample feed to a
// subscribed client, with an optional HTTP monitor surface (Prometheus
// metrics, health, live sample feed).
package main

import (
	"fmt"
	"os"
)

// Version information set at build time.
var version = "dev"

func main() {
	rootCmd := relayCmd()
	rootCmd.AddCommand(
		recordCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
