package commands

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/driftsync/internal/app"
	"github.com/tildaslashalef/driftsync/internal/loggy"
	"github.com/tildaslashalef/driftsync/internal/utils"
)

// monitorCheckInterval is how often the anomaly monitor inspects sync
// health in daemon mode.
const monitorCheckInterval = 30 * time.Second

// SyncCommand returns the CLI command for running the sync engine
func SyncCommand() *cli.Command {
	return &cli.Command{
		Name:        "sync",
		Usage:       "Sync local entities with the remote system",
		Description: "Drains the pending backlog once and exits. With --daemon, keeps the scheduler, reconciliation sweeper, and anomaly monitor running until interrupted.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "daemon",
				Aliases: []string{"d"},
				Usage:   "Run continuously instead of draining once",
				Value:   false,
			},
		},
		Action: syncAction,
	}
}

func syncAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	if c.Bool("daemon") {
		return runDaemon(c, application)
	}

	utils.PrintInfo("Draining pending sync backlog")

	processed, err := application.Scheduler.RunOnce(c.Context)
	if err != nil {
		utils.PrintError(fmt.Sprintf("Sync aborted after %d task(s): %s", processed, err))
		return fmt.Errorf("running sync: %w", err)
	}

	if processed == 0 {
		utils.PrintSuccess("Nothing to sync")
		return nil
	}
	utils.PrintSuccess(fmt.Sprintf("Processed %d sync task(s)", processed))
	return nil
}

func runDaemon(c *cli.Context, application *app.App) error {
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	utils.PrintInfo("Starting sync daemon, press Ctrl+C to stop")
	loggy.Info("Sync daemon starting", "instance", application.Config.Instance.Name)

	done := make(chan struct{})
	go func() {
		application.Scheduler.Run(ctx)
		close(done)
	}()
	go application.Sweeper.Run(ctx)
	go application.Monitor.Run(ctx, monitorCheckInterval)

	<-ctx.Done()
	// The scheduler drains its workers before returning.
	<-done

	utils.PrintSuccess("Sync daemon stopped")
	return nil
}
