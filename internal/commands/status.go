package commands

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/driftsync/internal/app"
	"github.com/tildaslashalef/driftsync/internal/entity"
	"github.com/tildaslashalef/driftsync/internal/utils"
)

// StatusCommand returns the CLI command for inspecting sync health
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:        "status",
		Usage:       "Show sync status",
		Description: "Displays per-status entity counts, recent sync activity, and open reconciliation discrepancies.",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "logs",
				Usage: "Number of recent sync log entries to show",
				Value: 10,
			},
		},
		Action: statusAction,
	}
}

func statusAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}
	ctx := c.Context

	counts, err := application.Entities.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("counting entities: %w", err)
	}

	utils.PrintHeading("Entities")
	total := 0
	var rows [][]string
	for _, status := range []entity.SyncStatus{
		entity.StatusPending,
		entity.StatusProcessing,
		entity.StatusSynced,
		entity.StatusSkipped,
		entity.StatusError,
		entity.StatusValidationFailed,
		entity.StatusVersionConflict,
		entity.StatusDeadLetter,
	} {
		n := counts[status]
		total += n
		if n > 0 {
			rows = append(rows, []string{string(status), fmt.Sprintf("%d", n)})
		}
	}
	if total == 0 {
		utils.PrintInfo("No entities in the local store")
		return nil
	}
	utils.PrintTable("", []string{"Status", "Count"}, rows)

	if needsAttention := counts[entity.StatusValidationFailed] +
		counts[entity.StatusVersionConflict] +
		counts[entity.StatusDeadLetter]; needsAttention > 0 {
		utils.PrintWarning(fmt.Sprintf("%d entities need operator resolution, see 'driftsync resolve'", needsAttention))
	}

	if err := printRecentLogs(c, application); err != nil {
		return err
	}
	return printOpenDiscrepancies(c, application)
}

func printRecentLogs(c *cli.Context, application *app.App) error {
	logs, err := application.SyncLogs.GetSyncLogs(c.Context, "", c.Int("logs"), 0)
	if err != nil {
		return fmt.Errorf("reading sync logs: %w", err)
	}
	if len(logs) == 0 {
		return nil
	}

	utils.PrintHeading("Recent sync activity")
	rows := make([][]string, 0, len(logs))
	for _, log := range logs {
		detail := log.ErrorCode
		if log.ErrorMessage != "" {
			detail = utils.TruncateString(log.ErrorMessage, 48)
		}
		rows = append(rows, []string{
			log.EntityID,
			string(log.Outcome),
			fmt.Sprintf("%d", log.Attempt),
			utils.FormatTimeAgo(log.CompletedAt),
			detail,
		})
	}
	utils.PrintTable("", []string{"Entity", "Outcome", "Attempt", "When", "Detail"}, rows)
	return nil
}

func printOpenDiscrepancies(c *cli.Context, application *app.App) error {
	records, err := application.Records.ListOpen(c.Context, 20)
	if err != nil {
		return fmt.Errorf("reading reconciliation records: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	utils.PrintHeading("Open discrepancies")
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			rec.EntityID,
			string(rec.DiscrepancyType),
			utils.FormatTimeAgo(rec.DetectedAt),
			utils.TruncateString(rec.Details, 48),
		})
	}
	utils.PrintTable("", []string{"Entity", "Type", "Detected", "Details"}, rows)
	return nil
}
