package protocol

import (
	"bytes"
	"fmt"
	"strconv"
)

// Limits bound what the parser will accept from one connection.
type Limits struct {
	MaxLineLen   int // longest command line, terminator included
	MaxValueSize int // largest set/add/replace payload
}

// DefaultLimits returns the standard parser limits.
func DefaultLimits() Limits {
	return Limits{
		MaxLineLen:   8 * 1024,
		MaxValueSize: 1 << 20,
	}
}

var crlf = []byte("\r\n")

// Parse decodes the first complete command in buf and returns it together
// with the number of bytes consumed. ErrIncomplete means more bytes are
// needed; any *Error is a protocol violation. The returned command borrows
// subslices of buf.
func Parse(buf []byte, lim Limits) (Command, int, error) {
	lineEnd := bytes.Index(buf, crlf)
	if lineEnd < 0 {
		if len(buf) > lim.MaxLineLen {
			return Command{}, 0, &Error{Kind: TooLarge, Msg: "command line too long"}
		}
		return Command{}, 0, ErrIncomplete
	}
	if lineEnd+2 > lim.MaxLineLen {
		return Command{}, 0, &Error{Kind: TooLarge, Msg: "command line too long"}
	}

	fields := bytes.Fields(buf[:lineEnd])
	if len(fields) == 0 {
		return Command{}, 0, &Error{Kind: MalformedHeader, Msg: "empty command"}
	}

	verb := fields[0]
	args := fields[1:]
	consumed := lineEnd + 2

	switch {
	case verbEq(verb, "get"):
		cmd, err := parseGet(CmdGet, args)
		return cmd, consumed, err
	case verbEq(verb, "gets"):
		cmd, err := parseGet(CmdGets, args)
		return cmd, consumed, err
	case verbEq(verb, "set"):
		return parseStorage(CmdSet, args, buf, lineEnd, lim)
	case verbEq(verb, "add"):
		return parseStorage(CmdAdd, args, buf, lineEnd, lim)
	case verbEq(verb, "replace"):
		return parseStorage(CmdReplace, args, buf, lineEnd, lim)
	case verbEq(verb, "delete"):
		cmd, err := parseDelete(args)
		return cmd, consumed, err
	case verbEq(verb, "incr"):
		cmd, err := parseDelta(CmdIncr, args)
		return cmd, consumed, err
	case verbEq(verb, "decr"):
		cmd, err := parseDelta(CmdDecr, args)
		return cmd, consumed, err
	case verbEq(verb, "touch"):
		cmd, err := parseTouch(args)
		return cmd, consumed, err
	case verbEq(verb, "version"):
		return Command{Type: CmdVersion}, consumed, nil
	case verbEq(verb, "quit"):
		return Command{Type: CmdQuit}, consumed, nil
	case verbEq(verb, "stats"):
		return Command{Type: CmdStats}, consumed, nil
	case verbEq(verb, "flush_all"):
		cmd, err := parseFlushAll(args)
		return cmd, consumed, err
	}
	return Command{}, consumed, &Error{Kind: UnknownCommand, Msg: string(verb)}
}

// verbEq compares a wire token against a lowercase verb without allocating.
func verbEq(tok []byte, verb string) bool {
	if len(tok) != len(verb) {
		return false
	}
	for i := 0; i < len(tok); i++ {
		c := tok[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != verb[i] {
			return false
		}
	}
	return true
}

// ValidKey reports whether key is 1..250 bytes of printable ASCII with no
// spaces or control characters.
func ValidKey(key []byte) bool {
	if len(key) == 0 || len(key) > 250 {
		return false
	}
	for _, c := range key {
		if c <= 0x20 || c >= 0x7F {
			return false
		}
	}
	return true
}

func checkKey(key []byte) *Error {
	if ValidKey(key) {
		return nil
	}
	if len(key) > 250 {
		return &Error{Kind: InvalidKey, Msg: "key too long"}
	}
	return &Error{Kind: InvalidKey, Msg: fmt.Sprintf("invalid key %q", key)}
}

func parseGet(t CommandType, args [][]byte) (Command, error) {
	if len(args) == 0 {
		return Command{}, &Error{Kind: MalformedHeader, Msg: "get requires at least one key"}
	}
	keys := make([][]byte, 0, len(args))
	for _, k := range args {
		if err := checkKey(k); err != nil {
			return Command{}, err
		}
		keys = append(keys, k)
	}
	return Command{Type: t, Keys: keys}, nil
}

// parseStorage handles set/add/replace:
// <verb> <key> <flags> <exptime> <bytes> [noreply]\r\n<data>\r\n
func parseStorage(t CommandType, args [][]byte, buf []byte, lineEnd int, lim Limits) (Command, int, error) {
	if len(args) != 4 && len(args) != 5 {
		return Command{}, 0, &Error{Kind: MalformedHeader, Msg: "bad command line format"}
	}
	key := args[0]
	if err := checkKey(key); err != nil {
		return Command{}, 0, err
	}

	flags, err := strconv.ParseUint(string(args[1]), 10, 32)
	if err != nil {
		return Command{}, 0, &Error{Kind: MalformedHeader, Msg: "invalid flags"}
	}
	exptime, err := strconv.ParseInt(string(args[2]), 10, 64)
	if err != nil {
		return Command{}, 0, &Error{Kind: MalformedHeader, Msg: "invalid exptime"}
	}
	size, err := strconv.ParseUint(string(args[3]), 10, 63)
	if err != nil {
		return Command{}, 0, &Error{Kind: MalformedHeader, Msg: "invalid bytes"}
	}
	if int(size) > lim.MaxValueSize {
		return Command{}, 0, &Error{Kind: TooLarge, Msg: "object too large for cache"}
	}

	noreply := false
	if len(args) == 5 {
		if !bytes.Equal(args[4], []byte("noreply")) {
			return Command{}, 0, &Error{Kind: MalformedHeader, Msg: "bad command line format"}
		}
		noreply = true
	}

	dataStart := lineEnd + 2
	dataEnd := dataStart + int(size)
	total := dataEnd + 2
	if len(buf) < total {
		return Command{}, 0, ErrIncomplete
	}
	if buf[dataEnd] != '\r' || buf[dataEnd+1] != '\n' {
		return Command{}, 0, &Error{Kind: BadDataBlock, Msg: "bad data chunk"}
	}

	return Command{
		Type:    t,
		Key:     key,
		Flags:   uint32(flags),
		Exptime: exptime,
		Data:    buf[dataStart:dataEnd],
		Noreply: noreply,
	}, total, nil
}

// parseDelete handles: delete <key> [exptime] [noreply]\r\n
// A numeric second token is a legacy exptime from older routers; it is
// accepted and ignored.
func parseDelete(args [][]byte) (Command, error) {
	if len(args) == 0 {
		return Command{}, &Error{Kind: MalformedHeader, Msg: "delete requires a key"}
	}
	key := args[0]
	if err := checkKey(key); err != nil {
		return Command{}, err
	}

	noreply := false
	for _, tok := range args[1:] {
		if bytes.Equal(tok, []byte("noreply")) {
			noreply = true
			continue
		}
		if _, err := strconv.ParseUint(string(tok), 10, 64); err != nil {
			return Command{}, &Error{Kind: MalformedHeader, Msg: "bad command line format"}
		}
	}
	return Command{Type: CmdDelete, Key: key, Noreply: noreply}, nil
}

func parseDelta(t CommandType, args [][]byte) (Command, error) {
	if len(args) != 2 && len(args) != 3 {
		return Command{}, &Error{Kind: MalformedHeader, Msg: "bad command line format"}
	}
	key := args[0]
	if err := checkKey(key); err != nil {
		return Command{}, err
	}
	delta, err := strconv.ParseUint(string(args[1]), 10, 64)
	if err != nil {
		return Command{}, &Error{Kind: MalformedHeader, Msg: "invalid numeric delta argument"}
	}
	noreply, err := tailNoreply(args[2:])
	if err != nil {
		return Command{}, err
	}
	return Command{Type: t, Key: key, Delta: delta, Noreply: noreply}, nil
}

func parseTouch(args [][]byte) (Command, error) {
	if len(args) != 2 && len(args) != 3 {
		return Command{}, &Error{Kind: MalformedHeader, Msg: "bad command line format"}
	}
	key := args[0]
	if err := checkKey(key); err != nil {
		return Command{}, err
	}
	exptime, err := strconv.ParseInt(string(args[1]), 10, 64)
	if err != nil {
		return Command{}, &Error{Kind: MalformedHeader, Msg: "invalid exptime"}
	}
	noreply, err := tailNoreply(args[2:])
	if err != nil {
		return Command{}, err
	}
	return Command{Type: CmdTouch, Key: key, Exptime: exptime, Noreply: noreply}, nil
}

func parseFlushAll(args [][]byte) (Command, error) {
	cmd := Command{Type: CmdFlushAll}
	for i, tok := range args {
		if bytes.Equal(tok, []byte("noreply")) {
			if i != len(args)-1 {
				return Command{}, &Error{Kind: MalformedHeader, Msg: "bad command line format"}
			}
			cmd.Noreply = true
			continue
		}
		delay, err := strconv.ParseInt(string(tok), 10, 64)
		if err != nil || delay < 0 || cmd.Delay != 0 {
			return Command{}, &Error{Kind: MalformedHeader, Msg: "bad command line format"}
		}
		cmd.Delay = delay
	}
	return cmd, nil
}

func tailNoreply(rest [][]byte) (bool, error) {
	if len(rest) == 0 {
		return false, nil
	}
	if !bytes.Equal(rest[0], []byte("noreply")) {
		return false, &Error{Kind: MalformedHeader, Msg: "bad command line format"}
	}
	return true, nil
}
