// Command tail follows the gateway's change stream from a terminal. It is
// the quickest way to confirm that row triggers, the feed and the hub are
// all wired: run the gateway, run tail, touch a row.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opsdeck/realtime-backend/internal/core/domain"
	"github.com/opsdeck/realtime-backend/internal/realtime"
)

var (
	flagURL     string
	flagDomains []string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow the realtime change stream",
	Long: `Connects to the gateway websocket and prints every change envelope
as it arrives. With --domain, only envelopes for the named type tags
are printed (e.g. ticket_update, company_update).`,
	RunE: runTail,
}

func init() {
	rootCmd.Flags().StringVarP(&flagURL, "url", "u", "http://localhost:8080/api/v1/ws", "gateway websocket endpoint")
	rootCmd.Flags().StringSliceVarP(&flagDomains, "domain", "d", nil, "type tags to print (default: all)")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "include full record payloads")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runTail(cmd *cobra.Command, _ []string) error {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	wanted := make(map[string]bool, len(flagDomains))
	for _, d := range flagDomains {
		wanted[d] = true
	}

	endpoint, err := realtime.Endpoint(flagURL)
	if err != nil {
		return fmt.Errorf("resolve endpoint: %w", err)
	}

	manager := realtime.NewManager(realtime.Options{
		URL:    endpoint,
		Logger: logger,
	})
	defer manager.Close()

	manager.SubscribeState(func(s realtime.Status) {
		if s.Connected {
			cmd.PrintErrln("-- connected --")
		} else {
			cmd.PrintErrln("-- disconnected, retrying --")
		}
	})

	// One reconciled collection per tag so the printed count reflects the
	// live row set, not just the event stream.
	collections := make(map[string]*realtime.Collection[domain.Record])
	collectionFor := func(tag string) *realtime.Collection[domain.Record] {
		c, ok := collections[tag]
		if !ok {
			c = realtime.NewCollection(func(r domain.Record) string { return r.ID() })
			collections[tag] = c
		}
		return c
	}

	manager.Subscribe(func(env domain.ChangeEnvelope) {
		if len(wanted) > 0 && !wanted[env.Type] {
			return
		}

		c := collectionFor(env.Type)
		switch env.Action {
		case domain.ActionInsert:
			c.ApplyCreated(env.Record)
		case domain.ActionUpdate:
			c.ApplyUpdated(env.Record)
		case domain.ActionDelete:
			c.ApplyDeleted(env.Subject())
		}

		printEnvelope(cmd, env, c.Len())
	})

	cmd.PrintErrf("tailing %s\n", endpoint)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	return nil
}

func printEnvelope(cmd *cobra.Command, env domain.ChangeEnvelope, rows int) {
	subject := env.Subject()
	line := fmt.Sprintf("%s  %-24s %-6s id=%-8s rows=%d",
		env.Timestamp.Format("15:04:05"),
		env.Type,
		env.Action,
		subject.ID(),
		rows,
	)
	cmd.Println(line)

	if flagVerbose {
		raw, err := domain.EncodeEnvelope(env)
		if err == nil {
			cmd.Printf("  %s\n", raw)
		}
	}
}
