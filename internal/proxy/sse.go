package proxy

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

type eventReader struct {
	br *bufio.Reader
}

func newEventReader(r io.Reader) *eventReader {
	return &eventReader{br: bufio.NewReaderSize(r, 64*1024)}
}

// next returns the raw bytes of the next event including its terminating
// blank line. At end of stream it returns any partial event with the error.
func (e *eventReader) next() ([]byte, error) {
	var buf []byte
	for {
		line, err := e.br.ReadBytes('\n')
		buf = append(buf, line...)
		if err != nil {
			return buf, err
		}
		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			return buf, nil
		}
	}
}

func eventLines(ev []byte) []string {
	lines := strings.Split(string(ev), "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.TrimSuffix(l, "\r")
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

// eventData joins the data fields of an event.
func eventData(ev []byte) (string, bool) {
	var parts []string
	for _, l := range eventLines(ev) {
		if v, ok := strings.CutPrefix(l, "data:"); ok {
			parts = append(parts, strings.TrimPrefix(v, " "))
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

// replaceData rewrites the event with data as its only data field,
// keeping the other fields in place.
func replaceData(ev []byte, data []byte) []byte {
	var b bytes.Buffer
	for _, l := range eventLines(ev) {
		if strings.HasPrefix(l, "data:") {
			continue
		}
		b.WriteString(l)
		b.WriteByte('\n')
	}
	b.WriteString("data: ")
	b.Write(data)
	b.WriteString("\n\n")
	return b.Bytes()
}
