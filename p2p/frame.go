package p2p

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// writeFrame marshals payload as one newline-delimited JSON frame, honouring
// any deadline carried by ctx.
func writeFrame(ctx context.Context, conn net.Conn, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}

// readFrame reads one frame, enforcing the size bound before any decoding
// happens. A clean stream end surfaces as io.EOF from the reader; oversized
// input fails with ErrMessageTooLarge.
func readFrame(ctx context.Context, conn net.Conn, reader *bufio.Reader, maxBytes int) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}
	line, err := reader.ReadBytes('\n')
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return nil, err
	}
	trimmed := bytes.TrimSpace(line)
	if maxBytes > 0 && len(trimmed) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(trimmed))
	}
	return trimmed, nil
}
