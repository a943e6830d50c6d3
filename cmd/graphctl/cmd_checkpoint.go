package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/dshills/graphflow/graph/checkpoint"
	"github.com/dshills/graphflow/graph/store"
)

func newCheckpointCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoint",
		Aliases: []string{"cp"},
		Short:   "Inspect the configured checkpoint backend",
	}

	var executionID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := flags.open()
			if err != nil {
				return err
			}
			defer e.Close()

			infos, err := e.manager.ListCheckpoints(cmd.Context(), executionID)
			if err != nil {
				return err
			}
			renderInfos(cmd.OutOrStdout(), infos)
			return nil
		},
	}
	list.Flags().StringVarP(&executionID, "execution", "e", "", "Only list checkpoints of this execution")
	cmd.AddCommand(list)

	var withState bool
	show := &cobra.Command{
		Use:   "show <checkpoint-id>",
		Short: "Print one checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.open()
			if err != nil {
				return err
			}
			defer e.Close()

			cp, err := e.manager.LoadCheckpoint(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return renderCheckpoint(cmd.OutOrStdout(), cp, withState)
		},
	}
	show.Flags().BoolVar(&withState, "state", true, "Include the state JSON")
	cmd.AddCommand(show)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <checkpoint-id>...",
		Short: "Delete checkpoints",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.open()
			if err != nil {
				return err
			}
			defer e.Close()

			for _, id := range args {
				if err := e.manager.DeleteCheckpoint(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			}
			return nil
		},
	})

	return cmd
}

func renderInfos(out io.Writer, infos []store.Info) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Execution", "Checkpoint", "Created", "Size"})

	var total int64
	for _, info := range infos {
		t.AppendRow(table.Row{
			info.ExecutionID,
			info.CheckpointID,
			humanize.Time(info.CreatedAt),
			humanize.IBytes(uint64(info.Size)),
		})
		total += info.Size
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d checkpoints", len(infos)), "", humanize.IBytes(uint64(total))})
	t.Render()
}

func renderCheckpoint(out io.Writer, cp *checkpoint.Checkpoint, withState bool) error {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)

	t.AppendRow(table.Row{"ID", cp.ID})
	t.AppendRow(table.Row{"Execution", cp.ExecutionID})
	t.AppendRow(table.Row{"Taken", fmt.Sprintf("%s (%s)", cp.Timestamp.Format("2006-01-02 15:04:05 MST"), humanize.Time(cp.Timestamp))})
	t.AppendRow(table.Row{"Valid", cp.Verify() == nil})
	if cp.Context != nil {
		t.AppendRow(table.Row{"Step", cp.Context.Step})
		t.AppendRow(table.Row{"Path", strings.Join(cp.Context.Path, " -> ")})
	}
	t.AppendRow(table.Row{"Completed", strings.Join(cp.Completed, ", ")})
	t.AppendRow(table.Row{"Failed", strings.Join(cp.Failed, ", ")})
	t.AppendRow(table.Row{"Pending", strings.Join(cp.Pending, ", ")})

	keys := make([]string, 0, len(cp.Metadata))
	for k := range cp.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t.AppendRow(table.Row{"meta." + k, cp.Metadata[k]})
	}
	t.Render()

	if !withState || cp.State == nil {
		return nil
	}
	data, err := json.MarshalIndent(cp.State, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\n", data)
	return err
}
