package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/killallgit/kortix/pkg/chatsession"
	"github.com/killallgit/kortix/pkg/logger"
	"github.com/killallgit/kortix/pkg/reconciler"
	"github.com/spf13/cobra"
)

const stopTimeout = 10 * time.Second

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Send a message and stream the agent's answer",
	Long: `Send a message to the project's thread, start an agent run and print its
output as it streams. Ctrl-C stops the run.`,
	Args: cobra.ArbitraryArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringP("prompt", "p", "", "message to send")
	chatCmd.Flags().String("thread", "", "thread id (default: the project's thread)")
	chatCmd.Flags().Bool("history", true, "print the refreshed conversation when the run ends")
}

func runChat(cmd *cobra.Command, args []string) error {
	prompt, _ := cmd.Flags().GetString("prompt")
	if prompt == "" {
		prompt = strings.Join(args, " ")
	}
	threadID, _ := cmd.Flags().GetString("thread")
	showHistory, _ := cmd.Flags().GetBool("history")

	a := newApp(cmd)
	log := logger.WithComponent("cli")

	ctx, stopSignals := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	serveMetrics(ctx, a.cfg.Metrics.Addr, a.metrics)

	session := a.newSession(threadID)
	defer session.Close()

	runID, err := session.SendMessage(ctx, prompt)
	if err != nil {
		if errors.Is(err, chatsession.ErrEmptyMessage) {
			return errors.New("a prompt is required (use -p or pass it as arguments)")
		}
		if errors.Is(err, chatsession.ErrStopped) {
			a.renderer.Status(reconciler.Snapshot{Status: reconciler.StatusStopped})
			return nil
		}
		a.renderer.Error(err)
		return err
	}
	log.Debug("Run started", "run_id", runID, "thread_id", session.ThreadID())

	snap, err := follow(ctx, a, session)
	if err != nil {
		return err
	}
	if snap.Status == reconciler.StatusError {
		return fmt.Errorf("agent run failed: %s", snap.Error)
	}

	if showHistory && snap.Status == reconciler.StatusCompleted {
		return printTranscript(ctx, a, session)
	}
	return nil
}

// follow prints the session's run until it ends. An interrupt stops the run.
func follow(ctx context.Context, a *app, session *chatsession.Session) (reconciler.Snapshot, error) {
	snap, err := a.renderer.Follow(ctx, session.Stream())
	if err == nil {
		return snap, nil
	}
	if ctx.Err() == nil {
		return snap, err
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := session.StopAgent(stopCtx); err != nil {
		a.renderer.Error(err)
		return reconciler.Snapshot{}, err
	}
	stopped := reconciler.Snapshot{Status: reconciler.StatusStopped, RunID: snap.RunID}
	a.renderer.Status(stopped)
	return stopped, nil
}

// printTranscript prints the conversation once the backend has the final messages
func printTranscript(ctx context.Context, a *app, session *chatsession.Session) error {
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(a.cfg.Stream.InvalidateDelay):
	}

	msgs, err := session.Messages(ctx)
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}
	fmt.Fprintln(a.out)
	a.renderer.Messages(msgs)
	return nil
}
