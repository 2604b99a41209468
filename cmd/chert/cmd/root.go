package cmd

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chertdb/chert/pkg/common/log"
	"github.com/chertdb/chert/pkg/sstable"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chert",
	Short: "Chert table file inspector",
	Long: `Chert inspects table files: it decodes footers, dumps index
entries and block contents, and verifies block checksums and
tamper-detection digests.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		if verbose {
			log.GetDefaultLogger().SetLevel(log.LevelDebug)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. It is called once by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("tamper-key", "k", "", "Hex-encoded tamper-detection key")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
}

// openTable opens the table named in args[0] with the flags applied.
func openTable(cmd *cobra.Command, args []string) (*sstable.Reader, error) {
	opts := sstable.DefaultReadOptions()

	keyHex, _ := cmd.Flags().GetString("tamper-key")
	if keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid tamper key: %w", err)
		}
		opts.TamperKey = key
	}

	return sstable.Open(args[0], opts)
}
