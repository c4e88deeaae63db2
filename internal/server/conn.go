package server

import (
	"bytes"
	"errors"
	"io"
	"net"
	"runtime/debug"

	"github.com/sekido/sekido/internal/protocol"
)

// handleConn runs the read/parse/dispatch loop for one client. The read
// buffer rolls: complete commands are consumed from the front, leftover
// bytes are compacted to the start before the next read.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	defer func() {
		if r := recover(); r != nil {
			s.metrics.CmdErrors.WithLabelValues("panic").Inc()
			s.logger.Error("panic in connection handler",
				"remote", conn.RemoteAddr().String(),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	buf := make([]byte, 0, s.cfg.ReadBufferSize)
	out := protocol.NewResponseWriter(s.cfg.WriteBufferSize)

	for {
		if s.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(timeNow().Add(s.cfg.IdleTimeout))
		}

		if len(buf) == cap(buf) {
			grown := make([]byte, len(buf), cap(buf)*2)
			copy(grown, buf)
			buf = grown
		}
		n, err := conn.Read(buf[len(buf):cap(buf)])
		if n > 0 {
			buf = buf[:len(buf)+n]
			s.metrics.BytesIn.Add(float64(n))
			s.stats.bytesRead.Add(uint64(n))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					s.logger.Debug("closing idle connection", "remote", conn.RemoteAddr().String())
				} else {
					s.logger.Warn("read error", "remote", conn.RemoteAddr().String(), "err", err)
				}
			}
			return
		}

		keepOpen, rest := s.drainBuffer(buf, out)

		if out.Len() > 0 {
			if _, err := conn.Write(out.Bytes()); err != nil {
				return
			}
			s.metrics.BytesOut.Add(float64(out.Len()))
			s.stats.bytesWritten.Add(uint64(out.Len()))
			out.Reset()
		}
		if !keepOpen {
			return
		}

		if len(rest) > 0 && &rest[0] != &buf[0] {
			copy(buf[:len(rest)], rest)
		}
		buf = buf[:len(rest)]
	}
}

// drainBuffer executes every complete command currently buffered. It
// returns whether the connection should stay open and the unconsumed tail.
func (s *Server) drainBuffer(buf []byte, out *protocol.ResponseWriter) (bool, []byte) {
	for len(buf) > 0 {
		cmd, consumed, err := protocol.Parse(buf, s.cfg.Limits)
		if err != nil {
			if errors.Is(err, protocol.ErrIncomplete) {
				return true, buf
			}

			var perr *protocol.Error
			if errors.As(err, &perr) {
				s.metrics.CmdErrors.WithLabelValues("parse").Inc()
				switch perr.Kind {
				case protocol.UnknownCommand:
					out.Error()
				default:
					out.ClientError(perr.Msg)
				}
				if perr.Fatal() {
					return false, nil
				}
				if consumed == 0 {
					consumed = skipLine(buf)
				}
				buf = buf[consumed:]
				continue
			}

			out.ServerError("internal error")
			return false, nil
		}

		buf = buf[consumed:]
		if cmd.Type == protocol.CmdQuit {
			return false, nil
		}
		if !s.dispatch(cmd, out) {
			return false, buf
		}
	}
	return true, buf
}

// skipLine discards through the first CRLF so the stream re-synchronizes
// after a malformed command line.
func skipLine(buf []byte) int {
	i := bytes.Index(buf, []byte("\r\n"))
	if i < 0 {
		return len(buf)
	}
	return i + 2
}
