package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pepperpark/mailshift/internal/jobs"
)

func newLogsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Print the recorded events of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configFrom(cmd))
			if err != nil {
				return err
			}
			events, err := a.manager.Logs(args[0])
			if errors.Is(err, jobs.ErrNotFound) {
				return fmt.Errorf("no logs for job %s in %s", args[0], a.cfg.LogDir)
			}
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}
			for _, ev := range events {
				fmt.Println(renderEvent(ev))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the events as a JSON array")
	return cmd
}
