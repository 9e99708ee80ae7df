package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Read the diagnostic block",
	Long: `Read the diagnostic block: the control request counter, bus overflow
count and the link error counters. Error deltas are only available at super
speed.`,
	Args: cobra.NoArgs,
	RunE: runDebug,
}

func init() {
	rootCmd.AddCommand(debugCmd)
}

func runDebug(cmd *cobra.Command, args []string) error {
	s, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer s.close()

	info, err := s.DebugInfo()
	if err != nil {
		return err
	}
	if jsonOut {
		return json.NewEncoder(out).Encode(info)
	}

	fmt.Fprintln(out, heading("Debug Info"))
	fmt.Fprintf(out, "  Request counter: %d\n", info.Counter)
	fmt.Fprintf(out, "  Bus overflows:   %d\n", info.Overflows)
	fmt.Fprintf(out, "  PHY errors:      +%d (total %d)\n", info.PhyDelta, info.PhyTotal)
	fmt.Fprintf(out, "  LINK errors:     +%d (total %d)\n", info.LinkDelta, info.LinkTotal)
	fmt.Fprintf(out, "  Raw register:    0x%08X\n", info.Raw)
	fmt.Fprintf(out, "  Sentinel:        0x%08X\n", info.Sentinel)
	return nil
}
