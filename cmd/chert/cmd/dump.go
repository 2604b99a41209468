package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// dumpCmd prints a table file's index entries.
var dumpCmd = &cobra.Command{
	Use:   "dump <file>",
	Short: "Dump a table file's index entries",
	Long: `Print every index entry of a table file: block handle, stored
size, and first key.

Example:
  chert dump 000042.sst`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openTable(cmd, args)
		if err != nil {
			return err
		}
		defer r.Close()

		for i := 0; i < r.NumBlocks(); i++ {
			e := r.IndexEntry(i)
			fmt.Printf("block %4d: %s stored=%d firstKey=%q\n",
				i, e.Handle, e.Handle.StoredSize(), e.FirstKey)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dumpCmd)
}
