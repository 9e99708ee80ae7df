package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"periph.io/x/conn/v3/physic"
)

var clockCmd = &cobra.Command{
	Use:   "clock <frequency>",
	Short: "Set the register bus clock",
	Long: `Set the clock of the register bus. The frequency takes a unit suffix.

Examples:
  bridgectl clock 5MHz
  bridgectl clock 400kHz`,
	Args: cobra.ExactArgs(1),
	RunE: runClock,
}

func init() {
	rootCmd.AddCommand(clockCmd)
}

func runClock(cmd *cobra.Command, args []string) error {
	var f physic.Frequency
	if err := f.Set(args[0]); err != nil {
		return fmt.Errorf("invalid frequency %q: %w", args[0], err)
	}
	hz := f / physic.Hertz
	if hz <= 0 || hz > 0xFFFFFFFF {
		return fmt.Errorf("frequency %s out of range", f)
	}
	s, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.SetSPIClock(uint32(hz)); err != nil {
		return err
	}
	fmt.Fprintf(out, "Bus clock set to %s\n", f)
	return nil
}
