package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSelectCommand() *cobra.Command {
	var (
		list     bool
		clearDoc bool
	)

	cmd := &cobra.Command{
		Use:   "select [document]",
		Short: "Choose the character document to generate from",
		Example: `  # Show the available documents
  sheetsmith select --list

  sheetsmith select jsons/Umbriel.json`,
		Args: cobra.MaximumNArgs(1),
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

			provider := a.provider()

			switch {
			case list:
				docs, err := provider.List(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(docs)
				}
				current := a.sess.Document()
				for _, d := range docs {
					mark := " "
					if d.ID == current {
						mark = "*"
					}
					fmt.Printf("%s %s\n", mark, d.ID)
				}
				return nil

			case clearDoc:
				a.sess.SelectDocument("")
				fmt.Println("✓ Document selection cleared")
				return nil

			case len(args) == 0:
				return fmt.Errorf("a document is required (or --list / --clear)")
			}

			doc, err := provider.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			a.sess.SelectDocument(doc.ID)
			fmt.Printf("✓ Selected %s\n", doc.ID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "list available documents")
	cmd.Flags().BoolVar(&clearDoc, "clear", false, "clear the selected document")
	cmd.MarkFlagsMutuallyExclusive("list", "clear")

	return cmd
}
