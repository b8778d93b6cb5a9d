package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sheetsmith/sheetsmith/pkg/layout"
	"github.com/sheetsmith/sheetsmith/pkg/session"
)

func newSectionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sections",
		Short: "List and change sections",
		Long: `List, toggle and reorder the sections of the sheet.

Changes are saved to the configured store before the command exits.`,
	}

	cmd.AddCommand(newSectionsListCommand())
	cmd.AddCommand(newSectionsSetCommand())
	cmd.AddCommand(newSectionsAllCommand())
	cmd.AddCommand(newSectionsMoveCommand())

	return cmd
}

// withSession runs fn on an opened session and waits for its saves.
func withSession(cmd *cobra.Command, fn func(sess *session.Session) error) (err error) {
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
	return fn(a.sess)
}

func printLayout(v session.View) error {
	if jsonOutput {
		return printJSON(v)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tKEY\tSTATE\tLABEL")
	for _, sec := range v.Sections {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", sec.Position+1, sec.Key, sec.State, sec.Label)
		for _, child := range sec.Children {
			st := layout.Unselected
			if child.Included {
				st = layout.Selected
			}
			fmt.Fprintf(w, "\t  %s\t%s\t  %s\n", child.Key, st, child.Label)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	doc := v.Document
	if doc == "" {
		doc = "(none)"
	}
	fmt.Printf("\n%d/%d subsections selected, document: %s\n", v.Selected, v.Total, doc)
	return nil
}

func newSectionsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show sections in order with their state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(sess *session.Session) error {
				return printLayout(sess.View())
			})
		},
	}
}

func newSectionsSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <on|off>",
		Short: "Include or exclude a section or subsection",
		Long: `Include or exclude a section or subsection.

Setting a section sets all of its subsections.`,
		Example: `  # Drop the spells section
  sheetsmith sections set spells off

  # Bring back only the spell list
  sheetsmith sections set spells_list on`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := parseSwitch(args[1])
			if err != nil {
				return err
			}
			return withSession(cmd, func(sess *session.Session) error {
				if err := sess.Set(args[0], value); err != nil {
					return err
				}
				log.Debug().Str("key", args[0]).Bool("included", value).Msg("Section set")
				return printLayout(sess.View())
			})
		},
	}
}

func newSectionsAllCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "all <on|off>",
		Short: "Include or exclude everything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := parseSwitch(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, func(sess *session.Session) error {
				sess.SetAll(value)
				return printLayout(sess.View())
			})
		},
	}
}

func newSectionsMoveCommand() *cobra.Command {
	var (
		up     bool
		down   bool
		before string
	)

	cmd := &cobra.Command{
		Use:   "move <section>",
		Short: "Reorder a section",
		Long: `Move a section one slot up or down, or to the position of another section.

Moving the first section up or the last one down does nothing.`,
		Example: `  sheetsmith sections move spells --up
  sheetsmith sections move spells --to summary`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			return withSession(cmd, func(sess *session.Session) error {
				switch {
				case up:
					if err := sess.MoveRelative(key, -1); err != nil {
						return err
					}
				case down:
					if err := sess.MoveRelative(key, 1); err != nil {
						return err
					}
				default:
					for _, k := range []string{key, before} {
						if !sess.Schema().IsSection(k) {
							return layout.UnknownKeyError(k, "section").WithOperation("move_to")
						}
					}
					sess.MoveTo(key, before)
				}
				return printLayout(sess.View())
			})
		},
	}

	cmd.Flags().BoolVar(&up, "up", false, "move one slot up")
	cmd.Flags().BoolVar(&down, "down", false, "move one slot down")
	cmd.Flags().StringVar(&before, "to", "", "move to the position of this section")
	cmd.MarkFlagsMutuallyExclusive("up", "down", "to")
	cmd.MarkFlagsOneRequired("up", "down", "to")

	return cmd
}
