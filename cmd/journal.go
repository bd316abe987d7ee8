package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jcdickinson/implindex/internal/config"
	"github.com/jcdickinson/implindex/internal/daemon"
	"github.com/jcdickinson/implindex/internal/db"
	"github.com/spf13/cobra"
)

var journalCmd = &cobra.Command{
	Use:   "journal [trait]",
	Short: "Inspect or clear the load journal the daemon restores from",
	Long: `The daemon journals every fragment it registers and replays the journal on start-up.
The journal can only be opened while the daemon is stopped; --clear stops it first.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runJournal,
}

var journalClear bool

func init() {
	journalCmd.Flags().BoolVar(&journalClear, "clear", false, "stop the daemon and forget every journaled fragment")
}

func runJournal(cmd *cobra.Command, args []string) {
	client := daemon.NewClient(config.SocketPath())
	if client.IsAvailable() {
		if !journalClear {
			fmt.Println("daemon is running; stop it first or use \"implindex status\"")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client.Shutdown(ctx)
		cancel()
		for deadline := time.Now().Add(5 * time.Second); client.IsAvailable() && time.Now().Before(deadline); {
			time.Sleep(100 * time.Millisecond)
		}
	}

	database, err := db.New(config.DBPath())
	if err != nil {
		slog.Error("failed to open journal", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	switch {
	case journalClear:
		n, err := database.CountFragments()
		if err != nil {
			slog.Error("failed to count journal entries", "error", err)
			os.Exit(1)
		}
		if err := database.DeleteFragments(); err != nil {
			slog.Error("failed to clear journal", "error", err)
			os.Exit(1)
		}
		fmt.Printf("journal cleared (%d fragments)\n", n)

	case len(args) == 1:
		f, err := database.GetFragment(args[0])
		if err != nil {
			slog.Error("failed to read journal", "error", err)
			os.Exit(1)
		}
		if f == nil {
			fmt.Printf("%s is not journaled\n", args[0])
			return
		}
		printJournalEntry(f)

	default:
		rows, err := database.ListFragments()
		if err != nil {
			slog.Error("failed to read journal", "error", err)
			os.Exit(1)
		}
		if len(rows) == 0 {
			fmt.Println("journal is empty")
			return
		}
		for i := range rows {
			printJournalEntry(&rows[i])
		}
	}
}

func printJournalEntry(f *db.Fragment) {
	fmt.Printf("  %s\n    source: %s\n    %d crates, %d implementors, load %s at %s\n",
		f.Group, f.Source, f.Crates, f.Records, f.LoadID, f.RegisteredAt.Format(time.RFC3339))
}
