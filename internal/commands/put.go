package commands

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/driftsync/internal/app"
	"github.com/tildaslashalef/driftsync/internal/entity"
	"github.com/tildaslashalef/driftsync/internal/utils"
)

// PutCommand returns the CLI command for local entity writes
func PutCommand() *cli.Command {
	return &cli.Command{
		Name:        "put",
		Usage:       "Create or update an entity locally",
		Description: "Commits a local write immediately and marks the entity pending; the sync path settles it against the remote afterwards.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "external-id",
				Aliases:  []string{"e"},
				Usage:    "Identifier of the record in the remote system",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "payload",
				Aliases:  []string{"p"},
				Usage:    "Entity payload as a JSON object",
				Required: true,
			},
		},
		Action: putAction,
	}
}

func putAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}
	ctx := c.Context

	payload := []byte(c.String("payload"))
	if !json.Valid(payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	externalID := c.String("external-id")

	existing, err := application.Entities.GetByExternalID(ctx, externalID)
	switch {
	case err == nil:
		updated, err := application.Entities.TouchLocal(ctx, existing.ID, payload)
		if err != nil {
			return fmt.Errorf("updating entity: %w", err)
		}
		utils.PrintSuccess("Updated entity " + color.YellowString("%s", updated.ID) + ", now " + string(updated.SyncStatus))

	case errors.Is(err, entity.ErrNotFound):
		e := entity.New(externalID, payload)
		if err := application.Entities.Create(ctx, e); err != nil {
			return fmt.Errorf("creating entity: %w", err)
		}
		utils.PrintSuccess("Created entity " + color.YellowString("%s", e.ID))

	default:
		return fmt.Errorf("looking up entity: %w", err)
	}

	utils.PrintInfo("Run " + color.CyanString("driftsync sync") + " to settle it against the remote")
	return nil
}
