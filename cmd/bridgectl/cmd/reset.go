package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Request a device reset",
	Long: `Request a device reset. The device acknowledges immediately and
re-enumerates after its grace period.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer s.close()
		if err := s.Reset(); err != nil {
			return err
		}
		fmt.Fprintln(out, good("Reset requested"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resetCmd)
}
