package serialmux

import (
	"context"
	"errors"
	"io"
	"time"
)

const (
	readChunkSize = 256
	// readPollTimeout bounds how long one read may block on a port that
	// supports timeouts, so a stop request is seen promptly.
	readPollTimeout = 100 * time.Millisecond
)

// ReadLoop pulls chunks from src and writes them to sink, normally a
// *protocol.Reader, until the transport closes, a read fails, or ctx is
// cancelled.
//
// Cancellation is checked between reads only: a read already in flight runs
// to completion. A closed transport ends the loop with a nil error. Any other
// read failure is wrapped in a *TransportError, passed to onError and
// returned.
func ReadLoop(ctx context.Context, src io.Reader, sink io.Writer, onError func(error)) error {
	if tp, ok := src.(TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(readPollTimeout); err != nil {
			return reportTransport(&TransportError{Op: "read", Err: err}, onError)
		}
	}

	buf := make([]byte, readChunkSize)
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := src.Read(buf)
		if n > 0 {
			sink.Write(buf[:n])
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || isPortClosed(err) {
			return nil
		}
		return reportTransport(&TransportError{Op: "read", Err: err}, onError)
	}
}

func reportTransport(err *TransportError, onError func(error)) error {
	if onError != nil {
		onError(err)
	}
	return err
}
