package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sheetsmith/sheetsmith/pkg/documents"
)

func newGenerateCommand() *cobra.Command {
	var (
		preview  bool
		document string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate the sheet for the selected document",
		Long: `Run the configured generator with the current layout.

The generation guard runs first: without a selected document or with nothing
selected the command fails before the generator starts. With --preview an
HTML preview is produced and remembered as the last preview.`,
		Example: `  sheetsmith generate
  sheetsmith generate --preview --document jsons/Umbriel.json`,
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

			mode := documents.ModeGenerate
			if preview {
				mode = documents.ModePreview
			}

			provider := a.provider()
			if document != "" {
				doc, err := provider.Resolve(ctx, document)
				if err != nil {
					return err
				}
				a.sess.SelectDocument(doc.ID)
			}

			engine, err := a.policyEngine(ctx)
			if err != nil {
				return err
			}
			if engine != nil {
				res, err := engine.Evaluate(ctx, a.sess.GuardInput(string(mode)))
				if err != nil {
					return err
				}
				for _, w := range res.Warnings {
					log.Warn().Str("policy", w.Policy).Msg(w.Message)
				}
				if err := res.Err(); err != nil {
					return err
				}
			}

			req := a.sess.Request()
			if req.JSONPath == "" {
				return fmt.Errorf("no document selected")
			}
			if _, err := provider.Resolve(ctx, req.JSONPath); err != nil {
				return err
			}

			res, err := a.generator().Generate(ctx, mode, req)
			if err != nil {
				return err
			}
			if mode == documents.ModePreview {
				a.sess.SetPreview(res.Output)
			}

			if jsonOutput {
				return printJSON(res)
			}
			fmt.Printf("✓ %s written to %s (%s)\n", mode, res.Output, res.Duration.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().BoolVar(&preview, "preview", false, "produce an HTML preview instead of the sheet")
	cmd.Flags().StringVar(&document, "document", "", "select this document first")

	return cmd
}
