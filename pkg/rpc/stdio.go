package rpc

import (
	"bufio"
	"context"
	"io"
)

// Frames larger than this are rejected by the stdio scanner. Outputs
// are already size-limited upstream, so a frame this big is a protocol
// violation, not data.
const maxFrameBytes = 32 << 20

// ServeStdio speaks newline-delimited JSON-RPC over a pipe pair until
// the peer closes its end or ctx is cancelled. EOF returns nil; the
// caller treats it as the client detaching and shuts down.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	s.mgr.ClientConnected()
	defer s.mgr.ClientDisconnected()

	conn := s.NewConn(func(frame []byte) error {
		if _, err := w.Write(frame); err != nil {
			return err
		}
		_, err := w.Write([]byte{'\n'})
		return err
	})
	defer conn.Close()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
		close(lines)
	}()

	s.logger.Info().Msg("stdio transport attached")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				err := <-readErr
				if err != nil {
					s.logger.Warn().Err(err).Msg("stdio read failed")
					return err
				}
				s.logger.Info().Msg("stdio client detached")
				return nil
			}
			conn.HandleFrame(ctx, line)
		}
	}
}
