package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/OpenTraceLab/OpenTraceBridge/internal/logging"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/client"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/sim"
	"github.com/mattn/go-colorable"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	vendorID  uint16
	productID uint16
	useSim    bool
	logLevel  string
	colorOut  bool
	jsonOut   bool

	// out is stdout, wrapped for color handling on every run.
	out io.Writer = os.Stdout
)

var rootCmd = &cobra.Command{
	Use:   "bridgectl",
	Short: "USB peripheral bridge control",
	Long: `Control a USB peripheral bridge over its vendor requests: read the
firmware version, drive GPIO lines, access peripheral registers, run register
scripts and capture the bulk stream.

Examples:
  bridgectl --sim version                  # Talk to the built-in simulator
  bridgectl gpio set 22 1                  # Drive line 22 high
  bridgectl reg write 0x05 0x3C            # Two bytes out under one select
  bridgectl run bringup.txt                # Run a register script
  bridgectl --sim simulate --duration 1s   # Exercise the simulated board`,
	Version:       "0.3.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		lvl, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logging.SetOutput(os.Stderr, jsonOut)
		logging.SetLevel(lvl)
		if colorOut {
			out = colorable.NewColorableStdout()
		} else {
			out = colorable.NewNonColorable(os.Stdout)
		}
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Uint16Var(&vendorID, "vid", client.VendorID, "USB vendor ID")
	rootCmd.PersistentFlags().Uint16Var(&productID, "pid", client.ProductID, "USB product ID")
	rootCmd.PersistentFlags().BoolVar(&useSim, "sim", false, "use the built-in simulated board")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&colorOut, "color", true, "colored output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "JSON output and logs")
}

// session is an open connection to a bridge.
type session struct {
	*client.Client
	board *sim.Board
	close func()
}

// connect opens the device named by the global flags. The simulated board is
// run until the session is closed.
func connect(ctx context.Context) (*session, error) {
	if useSim {
		board, err := sim.NewBoard(sim.DefaultOptions())
		if err != nil {
			return nil, fmt.Errorf("start simulator: %w", err)
		}
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			_ = board.Run(runCtx)
			close(done)
		}()
		return &session{
			Client: client.New(board),
			board:  board,
			close: func() {
				cancel()
				<-done
			},
		}, nil
	}

	t, err := client.Open(vendorID, productID)
	if err != nil {
		return nil, err
	}
	return &session{Client: client.New(t), close: func() { t.Close() }}, nil
}

// parseUint accepts decimal or 0x-prefixed hex.
func parseUint(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q: %w", s, err)
	}
	return v, nil
}

const (
	ansiGreen = "\x1b[32m"
	ansiRed   = "\x1b[31m"
	ansiBold  = "\x1b[1m"
	ansiReset = "\x1b[0m"
)

func heading(s string) string { return ansiBold + s + ansiReset }
func good(s string) string    { return ansiGreen + s + ansiReset }
func bad(s string) string     { return ansiRed + s + ansiReset }
