package cmd

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTraceBridge/pkg/script"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <script>",
	Short: "Run a register script",
	Long: `Run a register script, one statement per line:

  write <b0> <b1>
  read <b0> <b1> [expect <v>]
  gpio <line> = <0|1>
  gpio <line> ?
  sleep <n>(us|ms|s)
  clock <hz>
  start
  reset

Lines starting with # are comments.`,
	Args: cobra.ExactArgs(1),
	RunE: runScript,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runScript(cmd *cobra.Command, args []string) error {
	p, err := script.NewParser()
	if err != nil {
		return err
	}
	sc, err := p.ParseFile(args[0])
	if err != nil {
		return err
	}
	s, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer s.close()

	err = script.Run(cmd.Context(), s, sc, func(r script.Result) {
		if r.Value != nil {
			fmt.Fprintf(out, "[%d] %s -> 0x%02X\n", r.Index+1, r.Statement, *r.Value)
			return
		}
		fmt.Fprintf(out, "[%d] %s\n", r.Index+1, r.Statement)
	})
	if err != nil {
		fmt.Fprintln(out, bad("Script failed"))
		return err
	}
	fmt.Fprintf(out, "%s (%d statements)\n", good("Script complete"), len(sc.Statements))
	return nil
}
