// Package streamproto implements the chat stream wire format: UTF-8 JSON
// event objects separated by a literal delimiter token. Stream chunks do not
// align with JSON object boundaries, so the decoder buffers partial reads
// until a full delimiter-terminated chunk is available.
package streamproto

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
)

// Delimiter separates encoded events on the wire.
const Delimiter = "END_OF_STREAM"

const (
	EventContent    = "content"
	EventReferences = "references"
	EventError      = "error"
)

// Citation links assistant output back to source text in the paper.
type Citation struct {
	Key       string `json:"key"`
	Reference string `json:"reference"`
}

// References is the citation list attached to an assistant message.
type References struct {
	Citations []Citation `json:"citations"`
}

// Event is one decoded unit of a chat stream. Content carries the payload
// for content and error events; References carries it for references events.
type Event struct {
	Type       string
	Content    string
	References *References
}

// wireEvent is the JSON shape on the wire: content events and error events
// put a string in "content", references events put the citation object there.
type wireEvent struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// Encode appends one delimiter-terminated event to w.
func Encode(w io.Writer, ev Event) error {
	var payload any
	switch ev.Type {
	case EventReferences:
		refs := ev.References
		if refs == nil {
			refs = &References{Citations: []Citation{}}
		}
		payload = refs
	default:
		payload = ev.Content
	}
	encoded, err := json.Marshal(map[string]any{"type": ev.Type, "content": payload})
	if err != nil {
		return fmt.Errorf("encode stream event: %w", err)
	}
	if _, err := w.Write(encoded); err != nil {
		return err
	}
	_, err = io.WriteString(w, Delimiter)
	return err
}

// Decoder splits a byte stream into events. Malformed chunks are logged and
// skipped, never fatal.
type Decoder struct {
	reader *bufio.Reader
	buf    bytes.Buffer
	eof    bool
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: bufio.NewReader(r)}
}

// Next returns the next decoded event, or io.EOF once the stream is
// exhausted. Read errors other than EOF are returned as-is so the caller can
// treat a dropped connection as a stream failure.
func (d *Decoder) Next() (Event, error) {
	for {
		if chunk, ok := d.takeChunk(); ok {
			ev, err := parseEvent(chunk)
			if err != nil {
				log.Printf("streamproto: skipping malformed event: %v", err)
				continue
			}
			return ev, nil
		}
		if d.eof {
			// Trailing bytes without a delimiter: try them as a final event.
			if remainder := bytes.TrimSpace(d.buf.Bytes()); len(remainder) > 0 {
				d.buf.Reset()
				ev, err := parseEvent(remainder)
				if err != nil {
					log.Printf("streamproto: skipping malformed trailing event: %v", err)
					return Event{}, io.EOF
				}
				return ev, nil
			}
			return Event{}, io.EOF
		}
		if err := d.fill(); err != nil {
			if err == io.EOF {
				d.eof = true
				continue
			}
			return Event{}, err
		}
	}
}

func (d *Decoder) takeChunk() ([]byte, bool) {
	data := d.buf.Bytes()
	idx := bytes.Index(data, []byte(Delimiter))
	if idx < 0 {
		return nil, false
	}
	chunk := make([]byte, idx)
	copy(chunk, data[:idx])
	d.buf.Next(idx + len(Delimiter))
	return chunk, true
}

func (d *Decoder) fill() error {
	block := make([]byte, 4096)
	n, err := d.reader.Read(block)
	if n > 0 {
		d.buf.Write(block[:n])
	}
	return err
}

func parseEvent(chunk []byte) (Event, error) {
	chunk = bytes.TrimSpace(chunk)
	if len(chunk) == 0 {
		return Event{}, fmt.Errorf("empty chunk")
	}
	var wire wireEvent
	if err := json.Unmarshal(chunk, &wire); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	switch wire.Type {
	case EventContent, EventError:
		var content string
		if err := json.Unmarshal(wire.Content, &content); err != nil {
			return Event{}, fmt.Errorf("unmarshal %s payload: %w", wire.Type, err)
		}
		return Event{Type: wire.Type, Content: content}, nil
	case EventReferences:
		var refs References
		if err := json.Unmarshal(wire.Content, &refs); err != nil {
			return Event{}, fmt.Errorf("unmarshal references payload: %w", err)
		}
		return Event{Type: wire.Type, References: &refs}, nil
	default:
		return Event{}, fmt.Errorf("unknown event type %q", wire.Type)
	}
}
