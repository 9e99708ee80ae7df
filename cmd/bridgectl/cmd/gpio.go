package cmd

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTraceBridge/pkg/line"
	"github.com/spf13/cobra"
	"periph.io/x/conn/v3/gpio"
)

var gpioCmd = &cobra.Command{
	Use:   "gpio",
	Short: "Read or drive GPIO lines",
	Long: `Read or drive a GPIO line by number.

Examples:
  bridgectl gpio get 22
  bridgectl gpio set 22 1`,
}

var gpioGetCmd = &cobra.Command{
	Use:   "get <line>",
	Short: "Read a line",
	Args:  cobra.ExactArgs(1),
	RunE:  runGPIOGet,
}

var gpioSetCmd = &cobra.Command{
	Use:   "set <line> <0|1>",
	Short: "Drive a line",
	Args:  cobra.ExactArgs(2),
	RunE:  runGPIOSet,
}

func init() {
	rootCmd.AddCommand(gpioCmd)
	gpioCmd.AddCommand(gpioGetCmd, gpioSetCmd)
}

func runGPIOGet(cmd *cobra.Command, args []string) error {
	id, err := parseUint(args[0], 16)
	if err != nil {
		return err
	}
	s, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer s.close()

	lvl, err := s.ReadGPIO(line.ID(id))
	if err != nil {
		return err
	}
	v := 0
	if lvl == gpio.High {
		v = 1
	}
	fmt.Fprintf(out, "GPIO %d = %d\n", id, v)
	return nil
}

func runGPIOSet(cmd *cobra.Command, args []string) error {
	id, err := parseUint(args[0], 16)
	if err != nil {
		return err
	}
	v, err := parseUint(args[1], 1)
	if err != nil {
		return err
	}
	s, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.WriteGPIO(line.ID(id), gpio.Level(v != 0)); err != nil {
		return err
	}
	fmt.Fprintf(out, "GPIO %d set to %d\n", id, v)
	return nil
}
