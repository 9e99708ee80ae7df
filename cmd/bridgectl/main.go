// Command bridgectl drives a USB peripheral bridge, or a simulated one with
// --sim.
package main

import "github.com/OpenTraceLab/OpenTraceBridge/cmd/bridgectl/cmd"

func main() {
	cmd.Execute()
}
