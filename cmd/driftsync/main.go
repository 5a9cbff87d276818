package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/driftsync/internal/app"
	"github.com/tildaslashalef/driftsync/internal/commands"
)

// Version information - populated at build time
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	cliApp := &cli.App{
		Name:  "driftsync",
		Usage: "Reconciliation engine for local records backed by a remote system",
		Description: "Driftsync keeps a local record store eventually consistent with an authoritative\n" +
			"remote system. Local writes commit immediately; the sync engine settles them against\n" +
			"the remote in the background, and the reconciliation sweeper catches anything the\n" +
			"live path missed.",
		Version: Version,
		Compiled: func() time.Time {
			t, err := time.Parse(time.RFC3339, BuildTime)
			if err != nil {
				return time.Now()
			}
			return t
		}(),
		Before: func(c *cli.Context) error {
			application, err := app.New()
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}

			c.App.Metadata = map[string]interface{}{
				"app": application,
			}
			return nil
		},
		After: func(c *cli.Context) error {
			if application, ok := c.App.Metadata["app"].(*app.App); ok {
				return application.Shutdown()
			}
			return nil
		},
		Commands: []*cli.Command{
			commands.PutCommand(),
			commands.SyncCommand(),
			commands.ReconcileCommand(),
			commands.StatusCommand(),
			commands.ResolveCommand(),
			commands.MigrateCommand(),
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
