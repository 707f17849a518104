package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/yourorg/apirecorder/internal/archive"
	"github.com/yourorg/apirecorder/internal/filter"
	"github.com/yourorg/apirecorder/internal/har"
	"github.com/yourorg/apirecorder/internal/observability"
	"github.com/yourorg/apirecorder/internal/store"
)

func harFileName(id string) string {
	return "capture-" + id + ".har"
}

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and export stored capture sessions",
	}
	cmd.AddCommand(newSessionsListCmd(opts))
	cmd.AddCommand(newSessionsShowCmd(opts))
	cmd.AddCommand(newSessionsExportCmd(opts))
	cmd.AddCommand(newSessionsDeleteCmd(opts))
	return cmd
}

// withStore opens the configured store for the duration of fn.
func (o *rootOptions) withStore(fn func(st store.Store) error) error {
	cfg, err := o.load()
	if err != nil {
		return err
	}
	st, err := o.openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func newSessionsListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(st store.Store) error {
				sessions, err := st.ListSessions()
				if err != nil {
					return err
				}
				if len(sessions) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tBACKEND\tSTATUS\tENTRIES\tSTARTED\tTARGET")
				for _, s := range sessions {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", s.ID, s.Backend, s.Status, s.EntryCount, humanize.Time(s.StartTime), s.Target)
				}
				return tw.Flush()
			})
		},
	}
}

func newSessionsShowCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session and its entry summaries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(st store.Store) error {
				sess, err := st.GetSession(args[0])
				if err != nil {
					return err
				}
				entries, err := st.GetEntries(sess.ID)
				if err != nil {
					return err
				}
				summaries := archive.SummarizeAll(entries)
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(map[string]any{"session": sess, "summaries": summaries})
				}

				fmt.Fprintf(out, "session  %s\n", sess.ID)
				fmt.Fprintf(out, "backend  %s\n", sess.Backend)
				fmt.Fprintf(out, "target   %s\n", sess.Target)
				fmt.Fprintf(out, "status   %s\n", sess.Status)
				if sess.EndTime != nil {
					fmt.Fprintf(out, "duration %s\n", sess.EndTime.Sub(sess.StartTime).Round(time.Second))
				}
				if sess.ErrorMessage != "" {
					fmt.Fprintf(out, "error    %s\n", sess.ErrorMessage)
				}
				fmt.Fprintln(out)
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "#\tMETHOD\tSTATUS\tTYPE\tSIZE\tURL")
				for _, s := range summaries {
					status := fmt.Sprint(s.Status)
					if s.ErrorText != "" {
						status = "ERR"
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", s.Seq, s.Method, status, s.ResourceType, humanize.Bytes(uint64(max(s.ContentSize, 0))), s.URL)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newSessionsExportCmd(opts *rootOptions) *cobra.Command {
	var out string
	var dropNoise bool
	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Write a stored session as a HAR file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			st, err := opts.openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			sess, err := st.GetSession(args[0])
			if err != nil {
				return err
			}
			entries, err := st.GetEntries(sess.ID)
			if err != nil {
				return err
			}
			if out == "" {
				out = harFileName(sess.ID)
			}
			kept := filter.Export(entries, cfg.Filter, cfg.Sanitize, dropNoise)
			if err := har.WriteFile(out, har.FromArchive(kept, observability.Version)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d entries to %s\n", len(kept), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path (default capture-<session>.har)")
	cmd.Flags().BoolVar(&dropNoise, "filter", false, "drop static assets and other noise")
	return cmd
}

func newSessionsDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a stored session and its entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(st store.Store) error {
				if err := st.DeleteSession(args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "deleted", args[0])
				return nil
			})
		},
	}
}
