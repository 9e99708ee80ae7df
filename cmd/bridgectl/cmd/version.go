package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Read the firmware version",
	Args:  cobra.NoArgs,
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func runVersion(cmd *cobra.Command, args []string) error {
	s, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer s.close()

	v, err := s.Version()
	if err != nil {
		return err
	}
	if jsonOut {
		return json.NewEncoder(out).Encode(map[string]string{"version": fmt.Sprintf("0x%08X", v)})
	}
	fmt.Fprintf(out, "Firmware version: %s\n", heading(fmt.Sprintf("0x%08X", v)))
	return nil
}
