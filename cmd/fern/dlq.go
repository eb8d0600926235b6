package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/fern/pkg/queue"
)

func newDLQCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and maintain the dead letter queue",
	}
	cmd.PersistentFlags().StringVarP(&output, "output", "o", "json", "output format: json or yaml")

	var userID string
	var count int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd, func(q *queue.Queue) error {
				var entries []queue.DLQEntry
				var err error
				if userID != "" {
					entries, err = q.ListDLQByUser(cmd.Context(), userID, count)
				} else {
					entries, err = q.ListDLQ(cmd.Context(), count)
				}
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), output, entries)
			})
		},
	}
	list.Flags().StringVar(&userID, "user", "", "only entries for this user")
	list.Flags().Int64Var(&count, "count", 100, "maximum number of entries")

	show := &cobra.Command{
		Use:   "show ENTRY_ID",
		Short: "Show one dead letter entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, func(q *queue.Queue) error {
				entry, err := q.GetDLQ(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), output, entry)
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete ENTRY_ID",
		Short: "Delete one dead letter entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, func(q *queue.Queue) error {
				if err := q.DeleteDLQ(cmd.Context(), args[0]); err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), output, map[string]any{"deleted": args[0]})
			})
		},
	}

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Remove entries older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd, func(q *queue.Queue) error {
				purged, err := q.PurgeDLQ(cmd.Context())
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), output, map[string]any{"purged": purged})
			})
		},
	}

	cmd.AddCommand(list, show, del, purge)
	return cmd
}

func withQueue(cmd *cobra.Command, fn func(q *queue.Queue) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.stop(a.cfg.ShutdownTimeout)

	if err := a.start(cmd.Context(), false, false, false); err != nil {
		return err
	}
	return fn(a.queue)
}

// render writes v as indented JSON or as YAML with the same field names.
func render(w io.Writer, format string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	switch format {
	case "json":
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml":
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q, use json or yaml", format)
	}
}
