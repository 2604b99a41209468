package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// footerCmd decodes and prints a table file's footer.
var footerCmd = &cobra.Command{
	Use:   "footer <file>",
	Short: "Decode a table file's footer",
	Long: `Decode the footer at the tail of a table file and print its
format version, checksum algorithm, block handles, and magic number.

Example:
  chert footer 000042.sst`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openTable(cmd, args)
		if err != nil {
			return err
		}
		defer r.Close()

		f := r.Footer()
		fmt.Printf("version:    %d\n", f.Version())
		fmt.Printf("checksum:   %d\n", f.ChecksumType())
		fmt.Printf("metaindex:  %s\n", f.MetaindexHandle())
		fmt.Printf("index:      %s\n", f.IndexHandle())
		fmt.Printf("magic:      %#016x\n", f.TableMagic())
		fmt.Printf("blocks:     %d\n", r.NumBlocks())
		fmt.Printf("entries:    %d\n", r.NumEntries())
		if f.HasBlockDigests() {
			fmt.Printf("digests:    %d (list at offset %d)\n", f.NumBlockDigests(), f.DigestListOffset())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(footerCmd)
}
