package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List traits with registered implementors",
	Example: `  implindex groups
  implindex groups --prefix staging_xcm::`,
	Args: cobra.NoArgs,
	Run:  runGroups,
}

var groupsPrefix string

func init() {
	groupsCmd.Flags().StringVar(&groupsPrefix, "prefix", "", "only list traits under this path prefix")
}

func runGroups(cmd *cobra.Command, args []string) {
	client, err := connectDaemon()
	if err != nil {
		slog.Error("failed to connect to daemon", "error", err)
		os.Exit(1)
	}

	resp, err := client.Groups(context.Background(), groupsPrefix)
	if err != nil {
		slog.Error("listing groups failed", "error", err)
		os.Exit(1)
	}

	if len(resp.Groups) == 0 {
		fmt.Println("no traits registered")
		return
	}
	for _, g := range resp.Groups {
		fmt.Println(g)
	}
}
