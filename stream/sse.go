package stream

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// DefaultMaxEventSize bounds a single stream message. Larger messages are
// dropped without closing the connection.
const DefaultMaxEventSize = 8 << 20

const sseReadBuffer = 64 << 10

var _ ssestream.Decoder = (*eventDecoder)(nil)

// eventDecoder is a text/event-stream ssestream.Decoder whose lines may grow
// up to maxSize. Messages over maxSize are skipped and reported to
// onOversize with the number of bytes seen.
type eventDecoder struct {
	rc         io.ReadCloser
	r          *bufio.Reader
	maxSize    int
	onOversize func(size int)

	evt ssestream.Event
	err error
}

func newEventDecoder(rc io.ReadCloser, maxSize int, onOversize func(size int)) *eventDecoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxEventSize
	}
	if onOversize == nil {
		onOversize = func(int) {}
	}
	return &eventDecoder{
		rc:         rc,
		r:          bufio.NewReaderSize(rc, sseReadBuffer),
		maxSize:    maxSize,
		onOversize: onOversize,
	}
}

func (d *eventDecoder) Next() bool {
	if d.err != nil {
		return false
	}

	var (
		typ      string
		data     bytes.Buffer
		oversize bool
		seen     int
	)

	for {
		line, n, tooLong, err := d.readLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				d.err = err
			}
			return false
		}
		seen += n

		if !tooLong && len(line) == 0 {
			if oversize {
				d.onOversize(seen)
				typ, oversize, seen = "", false, 0
				data.Reset()
				continue
			}
			d.evt = ssestream.Event{Type: typ, Data: bytes.Clone(data.Bytes())}
			return true
		}
		if oversize {
			continue
		}
		if tooLong {
			oversize = true
			data.Reset()
			continue
		}

		name, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))

		switch string(name) {
		case "":
			// comment line
		case "event":
			typ = string(value)
		case "data":
			if data.Len()+len(value)+1 > d.maxSize {
				oversize = true
				data.Reset()
				continue
			}
			data.Write(value)
			data.WriteByte('\n')
		}
	}
}

// readLine returns the next line without its line ending and the number of
// bytes consumed. A line longer than maxSize is discarded and reported with
// tooLong. A final line without a line ending is returned before io.EOF.
func (d *eventDecoder) readLine() (line []byte, n int, tooLong bool, err error) {
	for {
		chunk, rerr := d.r.ReadSlice('\n')
		n += len(chunk)
		if !tooLong {
			if len(line)+len(chunk) > d.maxSize+2 {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}

		if errors.Is(rerr, bufio.ErrBufferFull) {
			continue
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) && n > 0 {
				break
			}
			return nil, n, false, rerr
		}
		break
	}

	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return line, n, tooLong, nil
}

func (d *eventDecoder) Event() ssestream.Event {
	return d.evt
}

func (d *eventDecoder) Close() error {
	return d.rc.Close()
}

func (d *eventDecoder) Err() error {
	return d.err
}
