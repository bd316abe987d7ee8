package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/jcdickinson/implindex/internal/daemon"
	"github.com/spf13/cobra"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup <trait>",
	Short: "Show the implementors of a trait",
	Example: `  implindex lookup staging_xcm::v3::traits::SendXcm
  implindex lookup --json core::fmt::Debug
  implindex lookup --html core::clone::Clone > clone.html`,
	Args: cobra.ExactArgs(1),
	Run:  runLookup,
}

var (
	lookupJSON bool
	lookupHTML bool
)

func init() {
	lookupCmd.Flags().BoolVar(&lookupJSON, "json", false, "print the raw implementor records as JSON")
	lookupCmd.Flags().BoolVar(&lookupHTML, "html", false, "render as HTML")
	lookupCmd.MarkFlagsMutuallyExclusive("json", "html")
}

func runLookup(cmd *cobra.Command, args []string) {
	client, err := connectDaemon()
	if err != nil {
		log.Fatalf("failed to connect to daemon: %v", err)
	}
	ctx := context.Background()
	group := args[0]

	if lookupJSON {
		resp, err := client.Lookup(ctx, group)
		if err != nil {
			lookupFailed(err)
		}
		out, _ := json.MarshalIndent(resp.Implementors, "", "  ")
		fmt.Println(string(out))
		return
	}

	format := "markdown"
	if lookupHTML {
		format = "html"
	}
	resp, err := client.Render(ctx, group, format)
	if err != nil {
		lookupFailed(err)
	}
	fmt.Print(resp.Content)
}

func lookupFailed(err error) {
	var se *daemon.StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		fmt.Fprintln(os.Stderr, se.Message)
		os.Exit(1)
	}
	log.Fatalf("lookup failed: %v", err)
}
