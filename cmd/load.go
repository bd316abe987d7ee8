package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/jcdickinson/implindex/internal/config"
	"github.com/jcdickinson/implindex/internal/daemon"
	"github.com/jcdickinson/implindex/internal/rpc"
	"github.com/spf13/cobra"
)

var loadCmd = &cobra.Command{
	Use:   "load [dir|url ...]",
	Short: "Load implementor fragments into the index",
	Long: `Load rustdoc implementor fragments (implementors/**/*.js) from documentation
directories or fragment URLs. Fragments loaded before the index is initialized are
held back until "implindex init".`,
	Example: `  implindex load target/doc
  implindex load --init target/doc ../other/target/doc
  implindex load https://paritytech.github.io/polkadot-sdk/master/implementors/staging_xcm/v3/traits/trait.SendXcm.js`,
	Args: cobra.MinimumNArgs(1),
	Run:  runLoad,
}

var loadInit bool

func init() {
	loadCmd.Flags().BoolVar(&loadInit, "init", false, "initialize the index after loading")
}

// splitSources separates fragment URLs from directories.
func splitSources(args []string) rpc.LoadRequest {
	var req rpc.LoadRequest
	for _, arg := range args {
		if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
			req.URLs = append(req.URLs, arg)
		} else {
			req.Dirs = append(req.Dirs, arg)
		}
	}
	return req
}

func runLoad(cmd *cobra.Command, args []string) {
	client, err := connectDaemon()
	if err != nil {
		log.Fatalf("failed to connect to daemon: %v", err)
	}

	resp, err := client.Load(context.Background(), splitSources(args), func(msg string) {
		fmt.Printf("  %s\n", msg)
	})
	if resp != nil {
		var loaded, skipped, failed int
		for _, r := range resp.Results {
			switch {
			case r.Error != "":
				failed++
			case r.Skipped:
				skipped++
			default:
				loaded++
			}
		}
		fmt.Printf("load %s: %d registered, %d unchanged, %d failed\n", resp.LoadID, loaded, skipped, failed)
	}
	if err != nil {
		log.Fatalf("load failed: %v", err)
	}

	if loadInit {
		initialize(client)
	}
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the index, making every buffered fragment visible",
	Run:   runInit,
}

func runInit(cmd *cobra.Command, args []string) {
	client, err := connectDaemon()
	if err != nil {
		log.Fatalf("failed to connect to daemon: %v", err)
	}
	initialize(client)
}

func initialize(client *daemon.Client) {
	resp, err := client.Initialize(context.Background())
	var se *daemon.StatusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		fmt.Println("index already initialized")
		return
	}
	if err != nil {
		log.Fatalf("initialize failed: %v", err)
	}
	fmt.Printf("index ready: %d traits\n", resp.Groups)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index state and loaded fragments",
	Run:   runStatus,
}

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) {
	client, err := connectDaemon()
	if err != nil {
		log.Fatalf("failed to connect to daemon: %v", err)
	}

	resp, err := client.Status(context.Background())
	if err != nil {
		log.Fatalf("status failed: %v", err)
	}

	if statusJSON {
		out, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Println(string(out))
		return
	}

	if resp.Ready {
		fmt.Printf("index ready: %d traits\n", resp.Groups)
	} else {
		fmt.Printf("index not initialized: %d fragments buffered\n", resp.Pending)
	}

	for _, f := range resp.Fragments {
		when := "live"
		switch {
		case f.Pending:
			when = "buffered"
		case f.ArrivedBeforeReady:
			when = "drained"
		}
		fmt.Printf("  %s: %d crates, %d implementors [%s]\n", f.Group, f.Crates, f.Records, when)
	}
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background daemon",
	Run:   runStop,
}

func runStop(cmd *cobra.Command, args []string) {
	client := daemon.NewClient(config.SocketPath())
	if !client.IsAvailable() {
		fmt.Println("daemon is not running")
		return
	}

	if err := client.Shutdown(context.Background()); err != nil {
		// Connection reset is expected; the daemon exits after responding
		fmt.Println("daemon stopped")
		return
	}
	fmt.Println("daemon stopped")
}
