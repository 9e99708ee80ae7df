package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var regCmd = &cobra.Command{
	Use:   "reg",
	Short: "Access peripheral registers",
	Long: `Access registers on the bit-banged peripheral bus.

read and write move two raw bytes under one chip select. read8 and write8 use
the converter framing with a 13-bit address.

Examples:
  bridgectl reg write 0x05 0x3C
  bridgectl reg read 0x85 0x00
  bridgectl reg write8 0x0014 0x21
  bridgectl reg read8 0x0014`,
}

var regReadCmd = &cobra.Command{
	Use:   "read <b0> <b1>",
	Short: "Full-duplex two-byte exchange",
	Args:  cobra.ExactArgs(2),
	RunE:  runRegRead,
}

var regWriteCmd = &cobra.Command{
	Use:   "write <b0> <b1>",
	Short: "Shift two bytes out",
	Args:  cobra.ExactArgs(2),
	RunE:  runRegWrite,
}

var regRead8Cmd = &cobra.Command{
	Use:   "read8 <addr>",
	Short: "Read a converter register",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegRead8,
}

var regWrite8Cmd = &cobra.Command{
	Use:   "write8 <addr> <value>",
	Short: "Write a converter register",
	Args:  cobra.ExactArgs(2),
	RunE:  runRegWrite8,
}

func init() {
	rootCmd.AddCommand(regCmd)
	regCmd.AddCommand(regReadCmd, regWriteCmd, regRead8Cmd, regWrite8Cmd)
}

func twoBytes(args []string) (byte, byte, error) {
	b0, err := parseUint(args[0], 8)
	if err != nil {
		return 0, 0, err
	}
	b1, err := parseUint(args[1], 8)
	if err != nil {
		return 0, 0, err
	}
	return byte(b0), byte(b1), nil
}

func runRegRead(cmd *cobra.Command, args []string) error {
	b0, b1, err := twoBytes(args)
	if err != nil {
		return err
	}
	s, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer s.close()

	rx, err := s.RegRead(b0, b1)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "RX: 0x%02X 0x%02X\n", rx[0], rx[1])
	return nil
}

func runRegWrite(cmd *cobra.Command, args []string) error {
	b0, b1, err := twoBytes(args)
	if err != nil {
		return err
	}
	s, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.RegWrite(b0, b1); err != nil {
		return err
	}
	fmt.Fprintf(out, "TX: 0x%02X 0x%02X\n", b0, b1)
	return nil
}

func runRegRead8(cmd *cobra.Command, args []string) error {
	addr, err := parseUint(args[0], 13)
	if err != nil {
		return err
	}
	s, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer s.close()

	v, err := s.RegRead8(uint16(addr))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "reg[0x%04X] = 0x%02X\n", addr, v)
	return nil
}

func runRegWrite8(cmd *cobra.Command, args []string) error {
	addr, err := parseUint(args[0], 13)
	if err != nil {
		return err
	}
	v, err := parseUint(args[1], 8)
	if err != nil {
		return err
	}
	s, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.RegWrite8(uint16(addr), byte(v)); err != nil {
		return err
	}
	fmt.Fprintf(out, "reg[0x%04X] <- 0x%02X\n", addr, v)
	return nil
}
