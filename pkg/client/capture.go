package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNoStream is returned by Capture when the transport has no bulk stream.
var ErrNoStream = errors.New("client: transport has no stream source")

// CaptureChunk is the read size used by Capture; one super-speed burst.
const CaptureChunk = 16 * 1024

// idlePoll is how long Capture waits after an empty read.
const idlePoll = time.Millisecond

// Capture copies up to n bytes of to-host stream data into w. It stops early
// when ctx is done and returns the number of bytes written.
func (c *Client) Capture(ctx context.Context, w io.Writer, n int64) (int64, error) {
	src, ok := c.t.(StreamSource)
	if !ok {
		return 0, ErrNoStream
	}
	buf := make([]byte, CaptureChunk)
	var total int64
	for total < n {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		got, err := src.Read(buf)
		if err != nil {
			return total, fmt.Errorf("client: capture: %w", err)
		}
		if got == 0 {
			select {
			case <-ctx.Done():
				return total, ctx.Err()
			case <-time.After(idlePoll):
			}
			continue
		}
		if rem := n - total; int64(got) > rem {
			got = int(rem)
		}
		wrote, err := w.Write(buf[:got])
		total += int64(wrote)
		if err != nil {
			return total, fmt.Errorf("client: capture: %w", err)
		}
	}
	return total, nil
}
