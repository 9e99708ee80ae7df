package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	captureBytes   int64
	captureOut     string
	captureTimeout time.Duration
	captureNoStart bool
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture the bulk stream to a file",
	Long: `Start the external bus and copy stream data to a file.

Examples:
  bridgectl capture --bytes 1048576 --out dump.bin
  bridgectl --sim capture --bytes 4096 --out -`,
	Args: cobra.NoArgs,
	RunE: runCapture,
}

func init() {
	rootCmd.AddCommand(captureCmd)

	captureCmd.Flags().Int64VarP(&captureBytes, "bytes", "n", 64*1024, "bytes to capture")
	captureCmd.Flags().StringVarP(&captureOut, "out", "o", "capture.bin", "output file, - for stdout")
	captureCmd.Flags().DurationVar(&captureTimeout, "timeout", 10*time.Second, "give up after this long")
	captureCmd.Flags().BoolVar(&captureNoStart, "no-start", false, "do not send START first")
}

func runCapture(cmd *cobra.Command, args []string) error {
	if captureBytes <= 0 {
		return fmt.Errorf("--bytes must be positive")
	}
	var w io.Writer = os.Stdout
	if captureOut != "-" {
		f, err := os.Create(captureOut)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	s, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer s.close()

	if !captureNoStart {
		if err := s.Start(); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), captureTimeout)
	defer cancel()

	start := time.Now()
	n, err := s.Capture(ctx, w, captureBytes)
	if err != nil {
		return fmt.Errorf("captured %d bytes: %w", n, err)
	}
	if captureOut != "-" {
		fmt.Fprintf(out, "Captured %d bytes to %s in %s\n", n, captureOut, time.Since(start).Round(time.Millisecond))
	}
	return nil
}
