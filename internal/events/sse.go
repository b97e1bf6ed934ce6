package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/0xPuncker/reelforge/pkg/types"
)

// Frame is one server-sent event as read off the wire. Data is left raw so
// callers decide how to handle payloads that do not parse.
type Frame struct {
	Event string
	Data  string
}

// WriteEvent frames ev as a server-sent event.
func WriteEvent(w io.Writer, ev types.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// WriteComment writes an SSE comment line, used to keep idle connections open.
func WriteComment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}

// Decoder reads frames from an SSE stream.
type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Decoder{scanner: scanner}
}

// Next blocks until a complete frame is read. Comment-only frames are skipped.
// It returns io.EOF when the stream ends cleanly.
func (d *Decoder) Next() (Frame, error) {
	var (
		frame   Frame
		data    []string
		hasData bool
	)

	for d.scanner.Scan() {
		line := d.scanner.Text()

		if line == "" {
			if hasData || frame.Event != "" {
				frame.Data = strings.Join(data, "\n")
				return frame, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			frame.Event = value
		case "data":
			data = append(data, value)
			hasData = true
		}
	}

	if err := d.scanner.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}

// ParseEvent decodes a frame's payload. The frame's event name wins over the
// payload's type field when both are present.
func ParseEvent(f Frame) (types.Event, error) {
	var ev types.Event
	if err := json.Unmarshal([]byte(f.Data), &ev); err != nil {
		return types.Event{}, fmt.Errorf("parse %q payload: %w", f.Event, err)
	}
	if f.Event != "" {
		ev.Type = types.EventType(f.Event)
	}
	if ev.Type == "" {
		return types.Event{}, fmt.Errorf("event without type")
	}
	return ev, nil
}
