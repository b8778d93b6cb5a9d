package commands

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sheetsmith/sheetsmith/pkg/tui"
)

func newEditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Edit the layout in the terminal",
		Long: `Open the interactive layout editor.

Keys:
  ↑/↓ or k/j   move the cursor
  space        toggle a section or subsection
  a / n        select all / none
  K / J        move the section under the cursor up / down
  g, enter     grab a section, then drop it on another one
  q            quit

Every change is saved as it is made.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.close(ctx); err != nil {
					log.Error().Err(err).Msg("Shutdown incomplete")
				}
			}()

			// Log lines would tear the alternate screen.
			prev := zerolog.GlobalLevel()
			zerolog.SetGlobalLevel(zerolog.Disabled)
			defer zerolog.SetGlobalLevel(prev)

			g, gctx := errgroup.WithContext(ctx)
			editCtx, stopWatch := context.WithCancel(gctx)

			if a.fileStore != nil {
				g.Go(func() error {
					return a.fileStore.Watch(editCtx, func([]byte) {
						a.sess.Reload(editCtx, "file")
					})
				})
			}
			g.Go(func() error {
				defer stopWatch()
				return tui.Run(editCtx, a.sess, a.tel)
			})

			return g.Wait()
		},
	}

	return cmd
}
