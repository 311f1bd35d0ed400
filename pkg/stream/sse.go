package stream

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// frameReader splits an event-stream body into frames. A frame is the
// data of one SSE event, multi-line data joined with "\n". Lines that are
// not SSE fields (legacy plain-text signals) are frames of their own.
type frameReader struct {
	r       *bufio.Reader
	data    []string
	hasData bool
	queue   []string
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReader(r)}
}

// Next returns the next frame, or io.EOF once the body is exhausted and
// any pending data has been returned.
func (f *frameReader) Next() (string, error) {
	for {
		if len(f.queue) > 0 {
			frame := f.queue[0]
			f.queue = f.queue[1:]
			return frame, nil
		}

		line, err := f.r.ReadString('\n')
		if err != nil {
			if line != "" {
				f.processLine(line)
			}
			if errors.Is(err, io.EOF) {
				f.flush()
				if len(f.queue) > 0 {
					continue
				}
			}
			return "", err
		}
		f.processLine(line)
	}
}

func (f *frameReader) processLine(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		f.flush()
		return
	}
	if strings.HasPrefix(line, ":") {
		return
	}

	field, value, _ := strings.Cut(line, ":")
	switch field {
	case "data":
		f.data = append(f.data, strings.TrimPrefix(value, " "))
		f.hasData = true
	case "event", "id", "retry":
	default:
		f.flush()
		f.queue = append(f.queue, line)
	}
}

func (f *frameReader) flush() {
	if !f.hasData {
		return
	}
	f.queue = append(f.queue, strings.Join(f.data, "\n"))
	f.data = f.data[:0]
	f.hasData = false
}
