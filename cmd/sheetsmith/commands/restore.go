package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sheetsmith/sheetsmith/pkg/stores"
)

func newRestoreCommand() *cobra.Command {
	var (
		from     string
		revision string
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a layout snapshot",
		Long: `Replace the stored layout with a snapshot from a backup file or, on the
sqlite backend, a previous revision.

The snapshot is validated first. Keys the layout no longer knows are
dropped and reported.`,
		Example: `  sheetsmith restore --from layout-backup.json
  sheetsmith restore --revision 6f1c2a9e-...`,
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

			var (
				data   []byte
				target *string
			)
			if revision != "" {
				hs, err := a.history()
				if err != nil {
					return err
				}
				rev, err := hs.Revision(ctx, revision)
				if err != nil {
					return err
				}
				data = rev.Data
				target = &rev.ID
			} else {
				data, err = os.ReadFile(from)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", from, err)
				}
			}

			res, err := a.sess.Apply(ctx, data)
			if err != nil {
				return err
			}

			if a.sqlite != nil {
				details := "from " + from
				if target != nil {
					details = "from revision"
				}
				if err := a.sqlite.CreateAuditEntry(ctx, &stores.AuditEntry{
					Action:   "restore",
					Actor:    actor(),
					TargetID: target,
					Details:  details,
				}); err != nil {
					return err
				}
			}

			for _, k := range res.Dropped {
				fmt.Printf("! dropped unknown key %s\n", k)
			}
			log.Info().Int("dropped", len(res.Dropped)).Msg("Layout restored")
			fmt.Println("✓ Layout restored")
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "backup file to restore")
	cmd.Flags().StringVar(&revision, "revision", "", "revision ID to restore (sqlite backend)")
	cmd.MarkFlagsMutuallyExclusive("from", "revision")
	cmd.MarkFlagsOneRequired("from", "revision")

	return cmd
}
