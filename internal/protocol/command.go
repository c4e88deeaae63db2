// Package protocol implements the memcached ASCII protocol: an incremental
// zero-copy parser and a reply formatter. Parsed commands borrow key and
// data slices from the read buffer; callers that need a command to outlive
// the buffer must call Own first.
package protocol

import "errors"

// CommandType identifies a protocol verb.
type CommandType uint8

const (
	CmdGet CommandType = iota
	CmdGets
	CmdSet
	CmdAdd
	CmdReplace
	CmdDelete
	CmdIncr
	CmdDecr
	CmdTouch
	CmdVersion
	CmdQuit
	CmdStats
	CmdFlushAll
)

// String returns the wire verb, used as a metrics label.
func (t CommandType) String() string {
	switch t {
	case CmdGet:
		return "get"
	case CmdGets:
		return "gets"
	case CmdSet:
		return "set"
	case CmdAdd:
		return "add"
	case CmdReplace:
		return "replace"
	case CmdDelete:
		return "delete"
	case CmdIncr:
		return "incr"
	case CmdDecr:
		return "decr"
	case CmdTouch:
		return "touch"
	case CmdVersion:
		return "version"
	case CmdQuit:
		return "quit"
	case CmdStats:
		return "stats"
	case CmdFlushAll:
		return "flush_all"
	}
	return "unknown"
}

// Command is one parsed request. Keys, Key and Data alias the parse buffer.
type Command struct {
	Type    CommandType
	Keys    [][]byte // get/gets
	Key     []byte
	Flags   uint32
	Exptime int64
	Data    []byte // set/add/replace payload
	Delta   uint64 // incr/decr
	Delay   int64  // flush_all
	Noreply bool
}

// Own copies every borrowed slice so the command stays valid after the
// read buffer is advanced or reused.
func (c *Command) Own() {
	if c.Key != nil {
		c.Key = append([]byte(nil), c.Key...)
	}
	if c.Data != nil {
		c.Data = append([]byte(nil), c.Data...)
	}
	for i, k := range c.Keys {
		c.Keys[i] = append([]byte(nil), k...)
	}
}

// ErrIncomplete signals that the buffer does not yet hold a full command.
var ErrIncomplete = errors.New("incomplete command")

// ErrorKind classifies protocol errors.
type ErrorKind uint8

const (
	// UnknownCommand is recoverable: the server answers ERROR and keeps
	// the connection.
	UnknownCommand ErrorKind = iota
	// MalformedHeader and InvalidKey terminate only the offending command.
	MalformedHeader
	InvalidKey
	// BadDataBlock and TooLarge desynchronize the stream; the connection
	// is closed after CLIENT_ERROR.
	BadDataBlock
	TooLarge
)

// Error is a protocol violation detected by the parser.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// Fatal reports whether the connection can no longer be re-synchronized.
func (e *Error) Fatal() bool {
	return e.Kind == BadDataBlock || e.Kind == TooLarge
}
