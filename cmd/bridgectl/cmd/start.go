package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the external bus state machine",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer s.close()
		if err := s.Start(); err != nil {
			return err
		}
		fmt.Fprintln(out, good("External bus started"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}
