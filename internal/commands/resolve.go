package commands

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/driftsync/internal/app"
	"github.com/tildaslashalef/driftsync/internal/engine"
	"github.com/tildaslashalef/driftsync/internal/entity"
	"github.com/tildaslashalef/driftsync/internal/utils"
)

// ResolveCommand returns the CLI command for resolving stuck entities
func ResolveCommand() *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "Resolve an entity stuck in a conflict or failure state",
		ArgsUsage: "<entity-id>",
		Description: "Applies an operator decision to an entity in validation_failed, version_conflict, or dead_letter.\n\n" +
			"Strategies:\n" +
			"   accept_remote  re-sync and take the remote state\n" +
			"   keep_local     keep the local payload (version conflicts only)\n" +
			"   retry          re-enqueue with a fresh retry budget",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "strategy",
				Aliases:  []string{"s"},
				Usage:    "Resolution strategy: accept_remote, keep_local, or retry",
				Required: true,
			},
		},
		Action: resolveAction,
	}
}

func resolveAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one entity id, got %d arguments", c.NArg())
	}
	entityID := c.Args().First()

	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	resolved, err := application.Engine.Resolve(c.Context, entityID, engine.Resolution(c.String("strategy")))
	if err != nil {
		utils.PrintError(fmt.Sprintf("Failed to resolve %s: %s", entityID, err))
		return fmt.Errorf("resolving entity: %w", err)
	}

	utils.PrintSuccess(fmt.Sprintf("Entity %s resolved, now %s", entityID, resolved.SyncStatus))
	if resolved.SyncStatus == entity.StatusPending {
		utils.PrintInfo("Run 'driftsync sync' to apply the resolution")
	}
	return nil
}
