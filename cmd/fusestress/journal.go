package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ivoronin/fusestress/internal/report"
)

// newJournalCmd creates the journal subcommand.
func newJournalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal <file> [run-id]",
		Short: "List runs or checks recorded with --journal",
		Long: `Without a run id, lists every recorded run. With a run id (or a unique
prefix of one), lists that run's checks in order.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := report.OpenReadOnly(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = j.Close() }()

			if len(args) == 1 {
				return listRuns(cmd.OutOrStdout(), j)
			}
			return listChecks(cmd.OutOrStdout(), j, args[1])
		},
	}
	return cmd
}

func listRuns(w io.Writer, j *report.Journal) error {
	runs, err := j.Runs()
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Fprintf(w, "%s  %s  %d checks, %d failed\n",
			r.ID, r.Started.Local().Format(time.DateTime), r.Checks, r.Failed)
	}
	return nil
}

func listChecks(w io.Writer, j *report.Journal, prefix string) error {
	id, err := resolveRunID(j, prefix)
	if err != nil {
		return err
	}
	checks, err := j.Entries(id)
	if err != nil {
		return err
	}
	for _, c := range checks {
		line := fmt.Sprintf("%4d  %s  %-4s  [%s] %s", c.Seq, c.At.Local().Format(time.TimeOnly), c.Status, c.Phase, c.Name)
		if c.Detail != "" {
			line += ": " + c.Detail
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

// resolveRunID expands a unique run id prefix.
func resolveRunID(j *report.Journal, prefix string) (string, error) {
	runs, err := j.Runs()
	if err != nil {
		return "", err
	}
	var match string
	for _, r := range runs {
		if len(r.ID) >= len(prefix) && r.ID[:len(prefix)] == prefix {
			if match != "" {
				return "", fmt.Errorf("run id prefix %q is ambiguous", prefix)
			}
			match = r.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no run matches %q", prefix)
	}
	return match, nil
}
