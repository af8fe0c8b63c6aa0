package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

// --- schedule ---

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run one scheduling pass over overdue tasks",
	Long: `Run one scheduling pass over overdue tasks.

Creates pending escalation records for every policy whose delay has elapsed.
Safe to run repeatedly; already scheduled policies are skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		summary, err := a.scheduler.Run(cmd.Context())
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		}

		printSuccess("Checked %d overdue tasks, scheduled %d escalations", summary.TasksChecked, len(summary.Scheduled))
		for _, item := range summary.Scheduled {
			printStep("level %d escalation %s for task %s -> %s", item.Level, shortID(item.EscalationID), shortID(item.TaskID), item.ContactEmail)
		}
		for _, e := range summary.Errors {
			printError("task %s policy %s: %s", e.TaskID, e.PolicyID, e.Error)
		}
		return nil
	},
}

// --- deliver ---

var deliverCmd = &cobra.Command{
	Use:   "deliver",
	Short: "Run one delivery pass over due escalations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		summary, err := a.worker.Run(cmd.Context())
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		}

		printSuccess("Processed %d escalations: %d delivered, %d retrying, %d failed, %d cancelled",
			summary.Processed, summary.Delivered, summary.Retrying, summary.Failed, summary.Cancelled)
		for _, e := range summary.Errors {
			printError("escalation %s: %s", e.EscalationID, e.Error)
		}
		return nil
	},
}

func init() {
	scheduleCmd.Flags().Bool("json", false, "print the run summary as JSON")
	deliverCmd.Flags().Bool("json", false, "print the run summary as JSON")
}

// shortID abbreviates generated IDs for terminal output. IDs supplied by
// callers may be shorter than the abbreviation.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
