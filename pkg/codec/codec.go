// Package codec converts packets to and from their newline-delimited JSON wire
// form.
package codec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/kalifun/fleetlink/errors"
	"github.com/kalifun/fleetlink/pkg/types"
)

// MaxLineSize bounds a single wire record.
const MaxLineSize = 1 << 20

// Encode serializes p as one JSON object followed by a newline.
func Encode(p *types.Packet) ([]byte, error) {
	if p == nil {
		return nil, errors.DecodeFailed.Args("nil packet")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, errors.DecodeFailed.Args("encode").Wrap(err)
	}
	return append(raw, '\n'), nil
}

// Decode parses one wire record. Surrounding whitespace, including the line
// terminator, is ignored.
func Decode(line []byte) (*types.Packet, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, errors.DecodeFailed.Args("empty record")
	}

	var p types.Packet
	if err := json.Unmarshal(line, &p); err != nil {
		return nil, errors.DecodeFailed.Args("invalid json").Wrap(err)
	}

	switch {
	case p.Header.Type == "":
		return nil, errors.DecodeFailed.Args("header.type is required")
	case p.Header.SenderID == "":
		return nil, errors.DecodeFailed.Args("header.sender_id is required")
	case p.Header.ReceiverID == "":
		return nil, errors.DecodeFailed.Args("header.receiver_id is required")
	}
	return &p, nil
}

// Frame returns the encoded form of p without its line terminator, ready for
// the broadcast bus.
func Frame(p *types.Packet) (*types.Frame, error) {
	raw, err := Encode(p)
	if err != nil {
		return nil, err
	}
	return types.NewFrame(p, bytes.TrimRight(raw, "\n")), nil
}

// Reader splits a stream into wire records. A record longer than MaxLineSize
// is consumed up to its terminator and reported as a DecodeFailed error, so
// the caller can keep reading.
type Reader struct {
	rd  *bufio.Reader
	buf []byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{rd: bufio.NewReaderSize(r, 4096)}
}

// Next returns the next record without its line terminator. The slice is only
// valid until the following call. At the end of the stream it returns io.EOF.
func (r *Reader) Next() ([]byte, error) {
	r.buf = r.buf[:0]
	size := 0
	terminated := false

	for {
		chunk, err := r.rd.ReadSlice('\n')
		size += len(chunk)
		if len(r.buf)+len(chunk) <= MaxLineSize+1 {
			r.buf = append(r.buf, chunk...)
		}

		if err == bufio.ErrBufferFull {
			continue
		}
		if err == nil {
			terminated = true
			break
		}
		if err == io.EOF && size > 0 {
			break
		}
		return nil, err
	}

	if terminated {
		size--
	}
	if size > MaxLineSize {
		return nil, errors.DecodeFailed.Args(fmt.Sprintf("record of %d bytes exceeds %d", size, MaxLineSize))
	}
	return bytes.TrimRight(r.buf, "\r\n"), nil
}
