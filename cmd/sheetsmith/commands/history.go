package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sheetsmith/sheetsmith/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit int
		prune int
		audit bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List saved layout revisions",
		Long: `List the layout revisions kept by the sqlite backend, newest first.

Use --prune to delete all but the newest N revisions, and --audit to show
restore and prune actions instead of revisions.`,
		Example: `  sheetsmith history --limit 10
  sheetsmith history --prune 20
  sheetsmith history --audit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.close(ctx); cerr != nil && err == nil {
					err = cerr
				}
			}()

			hs, err := a.history()
			if err != nil {
				return err
			}

			if audit {
				entries, err := a.sqlite.ListAuditEntries(ctx, nil, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(entries)
				}
				return printAudit(entries)
			}

			if prune > 0 {
				n, err := hs.Prune(ctx, prune)
				if err != nil {
					return err
				}
				if err := a.sqlite.CreateAuditEntry(ctx, &stores.AuditEntry{
					Action:  "prune",
					Actor:   actor(),
					Details: fmt.Sprintf("kept %d, deleted %d", prune, n),
				}); err != nil {
					return err
				}
				log.Info().Int64("deleted", n).Int("kept", prune).Msg("Pruned revisions")
				fmt.Printf("✓ Deleted %d revision(s)\n", n)
				return nil
			}

			revisions, err := hs.History(ctx, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(revisions)
			}
			if len(revisions) == 0 {
				fmt.Println("No revisions saved yet")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROFILE\tSIZE\tSAVED")
			for _, rev := range revisions {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", rev.ID, rev.Profile, rev.Size, rev.CreatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries to list (0 for all)")
	cmd.Flags().IntVar(&prune, "prune", 0, "delete all but the newest N revisions")
	cmd.Flags().BoolVar(&audit, "audit", false, "list restore and prune actions")
	cmd.MarkFlagsMutuallyExclusive("prune", "audit")

	return cmd
}

func printAudit(entries []*stores.AuditEntry) error {
	if len(entries) == 0 {
		fmt.Println("No audit entries")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tACTOR\tTARGET\tDETAILS")
	for _, e := range entries {
		target := "-"
		if e.TargetID != nil {
			target = *e.TargetID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.DateTime), e.Action, e.Actor, target, e.Details)
	}
	return w.Flush()
}

// actor names the user recorded in audit entries.
func actor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "sheetsmith"
}
