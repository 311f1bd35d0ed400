package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/killallgit/kortix/pkg/reconciler"
	"github.com/spf13/cobra"
)

var attachCmd = &cobra.Command{
	Use:   "attach [run-id]",
	Short: "Follow an agent run that is already in progress",
	Long: `Stream the output of a running agent run. Without a run id the latest
running run of the thread is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAttach,
}

func init() {
	attachCmd.Flags().String("thread", "", "thread the run belongs to (default: the project's thread)")
}

func runAttach(cmd *cobra.Command, args []string) error {
	threadID, _ := cmd.Flags().GetString("thread")

	a := newApp(cmd)
	ctx, stopSignals := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	serveMetrics(ctx, a.cfg.Metrics.Addr, a.metrics)

	session := a.newSession(threadID)
	defer session.Close()

	if len(args) == 1 {
		if err := session.Attach(args[0]); err != nil {
			return err
		}
	} else {
		runID, found, err := session.Resume(ctx)
		if err != nil {
			a.renderer.Error(err)
			return err
		}
		if !found {
			fmt.Fprintln(a.out, "No running agent run")
			return nil
		}
		fmt.Fprintf(a.out, "Attached to run %s\n", runID)
	}

	snap, err := follow(ctx, a, session)
	if err != nil {
		return err
	}
	if snap.Status == reconciler.StatusError {
		return fmt.Errorf("agent run failed: %s", snap.Error)
	}
	return nil
}
