package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dshield-mcp-server %s\n", Version)
		fmt.Printf("Go: %s\n", runtime.Version())
	},
}
