package gen

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"

	"github.com/luma/reveille/internal/meta"
)

var (
	manDir      string
	markdownDir string
)

var ManPagesCmd = &cobra.Command{
	Use:   "man",
	Short: "Generate man pages for reveille",
	Long: `Generates up-to-date man pages for every reveille command. By
default the pages are written to the "man" directory under the current
directory.`,

	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := ensureDir(cmd, manDir)
		if err != nil {
			return err
		}

		header := &doc.GenManHeader{
			Section: "1",
			Manual:  "Reveille Manual",
			Source:  fmt.Sprintf("reveille %s", meta.GetInfo().Version),
		}

		cmd.Root().DisableAutoGenTag = true

		cmd.Println("Generating man pages in", dir, "...")
		if err := doc.GenManTree(cmd.Root(), header, dir); err != nil {
			return err
		}

		cmd.Println("Done.")
		return nil
	},
}

var MarkdownCmd = &cobra.Command{
	Use:   "markdown",
	Short: "Generate markdown reference docs for reveille",

	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := ensureDir(cmd, markdownDir)
		if err != nil {
			return err
		}

		cmd.Root().DisableAutoGenTag = true

		cmd.Println("Generating markdown docs in", dir, "...")
		if err := doc.GenMarkdownTree(cmd.Root(), dir); err != nil {
			return err
		}

		cmd.Println("Done.")
		return nil
	},
}

func init() {
	dirFlag(ManPagesCmd, &manDir, "man/", "the directory to write the man pages.")
	dirFlag(MarkdownCmd, &markdownDir, "docs/", "the directory to write the markdown docs.")
}
