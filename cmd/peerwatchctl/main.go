package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	peerscli "github.com/amirimatin/go-peerwatch/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "peerwatchctl",
		Short:         "peerwatch discovery node and management CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// Attach all peerwatch commands from pkg/cli for reuse in services
	peerscli.AddAll(root)
	return root
}
