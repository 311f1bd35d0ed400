package cmd

import (
	"errors"
	"fmt"

	"github.com/killallgit/kortix/pkg/api"
	"github.com/spf13/cobra"
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Inspect or create the project's thread",
}

var threadsGetCmd = &cobra.Command{
	Use:   "get [thread-id]",
	Short: "Show a thread (default: the project's thread)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFlag(cmd)
		if err != nil {
			return err
		}
		a := newApp(cmd)

		var thread api.Thread
		if len(args) == 1 {
			thread, err = a.client.GetThread(cmd.Context(), args[0])
		} else {
			if a.cfg.ProjectID == "" {
				return errors.New("no project configured (use --project)")
			}
			thread, err = a.client.GetProjectThread(cmd.Context(), a.cfg.ProjectID)
		}
		if err != nil {
			if errors.Is(err, api.ErrNotFound) {
				return errors.New("thread not found")
			}
			return fmt.Errorf("failed to get thread: %w", err)
		}
		return printThread(a, format, thread)
	},
}

var threadsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a thread for the project",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFlag(cmd)
		if err != nil {
			return err
		}
		a := newApp(cmd)
		if a.cfg.ProjectID == "" {
			return errors.New("no project configured (use --project)")
		}

		thread, err := a.client.CreateThread(cmd.Context(), a.cfg.ProjectID)
		if err != nil {
			a.renderer.Error(err)
			return fmt.Errorf("failed to create thread: %w", err)
		}
		return printThread(a, format, thread)
	},
}

func init() {
	for _, c := range []*cobra.Command{threadsGetCmd, threadsCreateCmd} {
		c.Flags().StringP("output", "o", outputText, "output format (text, json, yaml)")
		threadsCmd.AddCommand(c)
	}
}

func outputFlag(cmd *cobra.Command) (string, error) {
	format, _ := cmd.Flags().GetString("output")
	return validateOutput(format)
}

func printThread(a *app, format string, thread api.Thread) error {
	if format != outputText {
		return writeStructured(a.out, format, thread)
	}
	fmt.Fprintf(a.out, "%s (project %s, created %s)\n",
		thread.ThreadID, thread.ProjectID, thread.CreatedAt.Format("2006-01-02 15:04"))
	return nil
}
