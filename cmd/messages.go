package cmd

import (
	"errors"
	"fmt"

	"github.com/killallgit/kortix/pkg/api"
	"github.com/spf13/cobra"
)

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Read the persisted conversation",
}

var messagesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the messages of a thread",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFlag(cmd)
		if err != nil {
			return err
		}
		threadID, _ := cmd.Flags().GetString("thread")

		a := newApp(cmd)
		if threadID == "" {
			if a.cfg.ProjectID == "" {
				return errors.New("a thread (--thread) or project (--project) is required")
			}
			thread, err := a.client.GetProjectThread(cmd.Context(), a.cfg.ProjectID)
			if err != nil {
				if errors.Is(err, api.ErrNotFound) {
					return errors.New("the project has no thread yet")
				}
				return fmt.Errorf("failed to get thread: %w", err)
			}
			threadID = thread.ThreadID
		}

		session := a.newSession(threadID)
		defer session.Close()

		msgs, err := session.Messages(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list messages: %w", err)
		}
		if format != outputText {
			return writeStructured(a.out, format, msgs)
		}
		a.renderer.Messages(msgs)
		return nil
	},
}

func init() {
	messagesListCmd.Flags().String("thread", "", "thread id (default: the project's thread)")
	messagesListCmd.Flags().StringP("output", "o", outputText, "output format (text, json, yaml)")
	messagesCmd.AddCommand(messagesListCmd)
}
