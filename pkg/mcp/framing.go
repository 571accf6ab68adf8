package mcp

import (
	"bytes"
	"encoding/json"

	"github.com/deskwire/deskwire/pkg/log"
)

// lineBuffer accumulates raw byte chunks from the child process stdout and
// splits them into complete newline-terminated frames. The trailing segment
// after the last newline is retained until the rest of the line arrives, so
// chunk boundaries falling mid-token never corrupt a frame.
type lineBuffer struct {
	buf bytes.Buffer
}

// feed appends a chunk and returns every complete line it closed off, with
// newlines stripped. Empty lines are dropped.
func (l *lineBuffer) feed(chunk []byte) [][]byte {
	l.buf.Write(chunk)

	data := l.buf.Bytes()
	last := bytes.LastIndexByte(data, '\n')
	if last < 0 {
		return nil
	}

	var lines [][]byte
	for _, line := range bytes.Split(data[:last], []byte{'\n'}) {
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		lines = append(lines, out)
	}

	rest := make([]byte, len(data)-last-1)
	copy(rest, data[last+1:])
	l.buf.Reset()
	l.buf.Write(rest)
	return lines
}

// reset discards any partial line, used when the child process restarts.
func (l *lineBuffer) reset() {
	l.buf.Reset()
}

// parseFrame decodes a single line as a JSON-RPC envelope. A line that is not
// a JSON object is treated as an informational log line from the child, not a
// protocol error.
func parseFrame(line []byte) (*Response, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		log.Debug("child process log line", "line", string(trimmed))
		return nil, false
	}

	var msg Response
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		log.Debug("discarding unparsable frame", "error", err, "line", string(trimmed))
		return nil, false
	}
	return &msg, true
}
