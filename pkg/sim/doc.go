// Package sim provides an in-memory bridge board for tests and the CLI's
// --sim mode.
//
// The board wires simulated hardware into a real firmware.Firmware:
//   - Peripheral is an SPI slave clocked by the bit-banged bus on a line.Sim
//   - Register is a free-running error-counter register
//   - Port stands in for the hardware SPI block
//   - Source feeds the to-host stream once START is received
//
// Board implements the host client's Transport and StreamSource, so the
// client talks to it exactly as it would to a device over gousb.
package sim
