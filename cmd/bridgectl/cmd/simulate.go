package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

var (
	simDuration time.Duration
	simDrain    bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the simulated board and report its counters",
	Long: `Run the simulated board for a while with the external bus started and
report the stream, overflow and error counters. With --drain the host side
reads the stream continuously; without it the rings fill and overflow.`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().DurationVarP(&simDuration, "duration", "d", time.Second, "how long to run")
	simulateCmd.Flags().BoolVar(&simDrain, "drain", false, "read the stream while running")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	useSim = true
	s, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.Start(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), simDuration)
	defer cancel()
	var drained int64
	if simDrain {
		drained, _ = s.Capture(ctx, io.Discard, 1<<62)
	} else {
		<-ctx.Done()
	}
	if _, err := s.DebugInfo(); err != nil {
		return err
	}

	st := s.board.Status()
	if jsonOut {
		return json.NewEncoder(out).Encode(st)
	}
	fmt.Fprintln(out, heading("Simulation Results"))
	fmt.Fprintf(out, "  Duration:        %s\n", simDuration)
	fmt.Fprintf(out, "  Link:            %s (%s)\n", st.Stream.Speed, st.Stream.State)
	fmt.Fprintf(out, "  Buffers:         %d produced, %d committed, %d delivered\n",
		st.Produced, st.Stream.ToHostCommitted, st.Stream.ToHostDelivered)
	fmt.Fprintf(out, "  Bytes drained:   %d\n", drained)
	fmt.Fprintf(out, "  Overflows:       %d\n", st.Overflows)
	fmt.Fprintf(out, "  PHY/LINK errors: %d/%d\n", st.PhyTotal, st.LinkTotal)
	fmt.Fprintf(out, "  Resets:          %d\n", st.Resets)
	return nil
}
