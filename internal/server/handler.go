package server

import (
	"errors"
	"strconv"
	"time"

	"github.com/sekido/sekido/internal/protocol"
	"github.com/sekido/sekido/internal/storage"
)

var timeNow = time.Now

// dispatch executes one parsed command against the store and writes the
// reply. Storage failures answer SERVER_ERROR and keep the connection;
// the return value reports whether the connection should stay open.
func (s *Server) dispatch(cmd protocol.Command, out *protocol.ResponseWriter) bool {
	op := cmd.Type.String()
	start := timeNow()
	s.metrics.Ops.WithLabelValues(op).Inc()

	switch cmd.Type {
	case protocol.CmdGet:
		s.handleGet(cmd, out, false)
	case protocol.CmdGets:
		s.handleGet(cmd, out, true)
	case protocol.CmdSet:
		s.handleSet(cmd, out)
	case protocol.CmdAdd, protocol.CmdReplace:
		s.metrics.CmdErrors.WithLabelValues(op).Inc()
		if !cmd.Noreply {
			out.ServerError("command not supported")
		}
	case protocol.CmdDelete:
		s.handleDelete(cmd, out)
	case protocol.CmdIncr:
		s.handleDelta(cmd, out, true)
	case protocol.CmdDecr:
		s.handleDelta(cmd, out, false)
	case protocol.CmdTouch:
		s.handleTouch(cmd, out)
	case protocol.CmdVersion:
		out.Version(s.cfg.Version)
	case protocol.CmdStats:
		s.handleStats(out)
	case protocol.CmdFlushAll:
		s.handleFlushAll(cmd, out)
	}

	s.metrics.CmdLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return true
}

func (s *Server) handleGet(cmd protocol.Command, out *protocol.ResponseWriter, withCAS bool) {
	s.stats.cmdGet.Add(uint64(len(cmd.Keys)))

	if len(cmd.Keys) == 1 {
		v, err := s.store.Get(cmd.Keys[0])
		if err != nil {
			s.storageError(cmd.Type, out, err)
			return
		}
		s.writeHit(out, cmd.Keys[0], v, withCAS)
		out.End()
		return
	}

	values, err := s.store.MultiGet(cmd.Keys)
	if err != nil {
		s.storageError(cmd.Type, out, err)
		return
	}
	for i, v := range values {
		s.writeHit(out, cmd.Keys[i], v, withCAS)
	}
	out.End()
}

// writeHit emits one VALUE block, or nothing on a miss. CAS is not
// tracked, so gets reports 0 for every item.
func (s *Server) writeHit(out *protocol.ResponseWriter, key []byte, v *storage.StoredValue, withCAS bool) {
	if v == nil {
		s.metrics.Misses.Inc()
		s.stats.getMisses.Add(1)
		return
	}
	s.metrics.Hits.Inc()
	s.stats.getHits.Add(1)
	if withCAS {
		out.ValueWithCAS(key, v.Flags, v.Data, 0)
	} else {
		out.Value(key, v.Flags, v.Data)
	}
}

func (s *Server) handleSet(cmd protocol.Command, out *protocol.ResponseWriter) {
	s.stats.cmdSet.Add(1)

	now := uint64(timeNow().Unix())
	v := storage.StoredValue{
		ExpireAt: storage.ComputeExpireAt(cmd.Exptime, now),
		Flags:    cmd.Flags,
		Data:     cmd.Data,
	}
	if err := s.store.Set(cmd.Key, v); err != nil {
		s.storageError(cmd.Type, out, err)
		return
	}
	if !cmd.Noreply {
		out.Stored()
	}
}

func (s *Server) handleDelete(cmd protocol.Command, out *protocol.ResponseWriter) {
	existed, err := s.store.Delete(cmd.Key)
	if err != nil {
		s.storageError(cmd.Type, out, err)
		return
	}
	if cmd.Noreply {
		return
	}
	if existed {
		out.Deleted()
	} else {
		out.NotFound()
	}
}

func (s *Server) handleDelta(cmd protocol.Command, out *protocol.ResponseWriter, incr bool) {
	var (
		n   uint64
		err error
	)
	if incr {
		n, err = s.store.Incr(cmd.Key, cmd.Delta)
	} else {
		n, err = s.store.Decr(cmd.Key, cmd.Delta)
	}
	if err != nil {
		s.metrics.CmdErrors.WithLabelValues(cmd.Type.String()).Inc()
		if cmd.Noreply {
			return
		}
		switch {
		case errors.Is(err, storage.ErrNotFound):
			out.NotFound()
		case errors.Is(err, storage.ErrNonNumeric):
			out.ClientError("cannot increment or decrement non-numeric value")
		case errors.Is(err, storage.ErrOverflow):
			out.ClientError("value overflows 64-bit unsigned integer")
		default:
			out.ServerError("internal error")
			s.logger.Error("storage error", "op", cmd.Type.String(), "err", err)
		}
		return
	}
	if !cmd.Noreply {
		out.Number(n)
	}
}

func (s *Server) handleTouch(cmd protocol.Command, out *protocol.ResponseWriter) {
	touched, err := s.store.Touch(cmd.Key, cmd.Exptime)
	if err != nil {
		s.storageError(cmd.Type, out, err)
		return
	}
	if cmd.Noreply {
		return
	}
	if touched {
		out.Touched()
	} else {
		out.NotFound()
	}
}

func (s *Server) handleFlushAll(cmd protocol.Command, out *protocol.ResponseWriter) {
	if err := s.store.FlushAll(time.Duration(cmd.Delay) * time.Second); err != nil {
		s.storageError(cmd.Type, out, err)
		return
	}
	if !cmd.Noreply {
		out.OK()
	}
}

func (s *Server) handleStats(out *protocol.ResponseWriter) {
	uptime := int64(time.Since(s.startedAt).Seconds())

	out.Stat("version", s.cfg.Version)
	out.Stat("uptime", strconv.FormatInt(uptime, 10))
	out.Stat("curr_connections", strconv.FormatInt(s.stats.currConnections.Load(), 10))
	out.Stat("total_connections", strconv.FormatUint(s.stats.totalConnections.Load(), 10))
	out.Stat("cmd_get", strconv.FormatUint(s.stats.cmdGet.Load(), 10))
	out.Stat("cmd_set", strconv.FormatUint(s.stats.cmdSet.Load(), 10))
	out.Stat("get_hits", strconv.FormatUint(s.stats.getHits.Load(), 10))
	out.Stat("get_misses", strconv.FormatUint(s.stats.getMisses.Load(), 10))
	out.Stat("bytes_read", strconv.FormatUint(s.stats.bytesRead.Load(), 10))
	out.Stat("bytes_written", strconv.FormatUint(s.stats.bytesWritten.Load(), 10))
	out.Stat("expired_keys_removed", strconv.FormatUint(s.store.ExpiredRemoved(), 10))
	out.Stat("ttl_compaction_removed", strconv.FormatUint(s.store.CompactionRemoved(), 10))
	out.End()
}

func (s *Server) storageError(t protocol.CommandType, out *protocol.ResponseWriter, err error) {
	s.metrics.CmdErrors.WithLabelValues(t.String()).Inc()
	s.logger.Error("storage error", "op", t.String(), "err", err)
	out.ServerError("internal error")
}
