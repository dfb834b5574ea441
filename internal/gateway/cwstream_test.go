package gateway

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"testing"

	"github.com/proxycast/proxycast/pkg/protocol"
)

type decodedFrame struct {
	headers map[string]string
	payload []byte
}

// decodeFrames walks the binary event-stream and verifies both CRCs.
func decodeFrames(t *testing.T, raw []byte) []decodedFrame {
	t.Helper()
	var frames []decodedFrame
	for len(raw) > 0 {
		if len(raw) < eventStreamPreludeLen {
			t.Fatalf("truncated prelude: %d bytes left", len(raw))
		}
		total := binary.BigEndian.Uint32(raw[0:4])
		hdrLen := binary.BigEndian.Uint32(raw[4:8])
		preludeCRC := binary.BigEndian.Uint32(raw[8:12])
		if got := crc32.ChecksumIEEE(raw[0:8]); got != preludeCRC {
			t.Fatalf("prelude crc = %x, want %x", got, preludeCRC)
		}
		if uint32(len(raw)) < total {
			t.Fatalf("frame claims %d bytes, %d available", total, len(raw))
		}
		frame := raw[:total]
		msgCRC := binary.BigEndian.Uint32(frame[total-4:])
		if got := crc32.ChecksumIEEE(frame[:total-4]); got != msgCRC {
			t.Fatalf("message crc = %x, want %x", got, msgCRC)
		}

		headers := make(map[string]string)
		hdr := frame[eventStreamPreludeLen : eventStreamPreludeLen+hdrLen]
		for len(hdr) > 0 {
			nameLen := int(hdr[0])
			name := string(hdr[1 : 1+nameLen])
			if hdr[1+nameLen] != headerTypeString {
				t.Fatalf("header %q has type %d", name, hdr[1+nameLen])
			}
			valLen := int(binary.BigEndian.Uint16(hdr[2+nameLen : 4+nameLen]))
			headers[name] = string(hdr[4+nameLen : 4+nameLen+valLen])
			hdr = hdr[4+nameLen+valLen:]
		}

		frames = append(frames, decodedFrame{
			headers: headers,
			payload: frame[eventStreamPreludeLen+hdrLen : total-4],
		})
		raw = raw[total:]
	}
	return frames
}

func TestCWFrameWriterText(t *testing.T) {
	var buf bytes.Buffer
	w := newCWFrameWriter(&buf)

	events := []protocol.StreamEvent{
		{Type: protocol.StreamMessageStart, ID: "m1"},
		{Type: protocol.StreamTextDelta, Text: "hel"},
		{Type: protocol.StreamTextDelta, Text: "lo"},
		{Type: protocol.StreamMessageStop, Usage: protocol.Usage{InputTokens: 9, OutputTokens: 2}},
	}
	for _, ev := range events {
		if err := w.writeEvent(ev); err != nil {
			t.Fatalf("writeEvent(%s): %v", ev.Type, err)
		}
	}

	frames := decodeFrames(t, buf.Bytes())
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3 (message_start emits none)", len(frames))
	}

	for i, want := range []string{"assistantResponseEvent", "assistantResponseEvent", "messageMetadataEvent"} {
		if got := frames[i].headers[":event-type"]; got != want {
			t.Errorf("frame %d event type = %q, want %q", i, got, want)
		}
		if got := frames[i].headers[":message-type"]; got != "event" {
			t.Errorf("frame %d message type = %q", i, got)
		}
	}

	var text struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(frames[0].payload, &text); err != nil {
		t.Fatalf("decode text payload: %v", err)
	}
	if text.Content != "hel" {
		t.Errorf("content = %q", text.Content)
	}

	var meta struct {
		Usage struct {
			InputTokens  int `json:"inputTokens"`
			OutputTokens int `json:"outputTokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(frames[2].payload, &meta); err != nil {
		t.Fatalf("decode metadata payload: %v", err)
	}
	if meta.Usage.InputTokens != 9 || meta.Usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", meta.Usage)
	}
}

func TestCWFrameWriterToolUse(t *testing.T) {
	var buf bytes.Buffer
	w := newCWFrameWriter(&buf)

	events := []protocol.StreamEvent{
		{Type: protocol.StreamToolUseStart, ToolUseID: "tu-1", ToolName: "get_weather"},
		{Type: protocol.StreamToolInputDelta, ToolInput: `{"city":`},
		{Type: protocol.StreamToolInputDelta, ToolInput: `"Oslo"}`},
		{Type: protocol.StreamToolUseStop},
	}
	for _, ev := range events {
		if err := w.writeEvent(ev); err != nil {
			t.Fatalf("writeEvent(%s): %v", ev.Type, err)
		}
	}

	frames := decodeFrames(t, buf.Bytes())
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3 (tool_use_start emits none)", len(frames))
	}

	var first struct {
		ToolUseID string `json:"toolUseId"`
		Name      string `json:"name"`
		Input     string `json:"input"`
	}
	if err := json.Unmarshal(frames[0].payload, &first); err != nil {
		t.Fatalf("decode tool payload: %v", err)
	}
	if first.ToolUseID != "tu-1" || first.Name != "get_weather" || first.Input != `{"city":` {
		t.Errorf("first tool frame = %+v", first)
	}

	var last struct {
		ToolUseID string `json:"toolUseId"`
		Stop      bool   `json:"stop"`
	}
	if err := json.Unmarshal(frames[2].payload, &last); err != nil {
		t.Fatalf("decode stop payload: %v", err)
	}
	if !last.Stop || last.ToolUseID != "tu-1" {
		t.Errorf("stop frame = %+v", last)
	}
}

func TestCWFrameWriterException(t *testing.T) {
	var buf bytes.Buffer
	w := newCWFrameWriter(&buf)
	if err := w.writeException("ThrottlingException", "rate exceeded"); err != nil {
		t.Fatalf("writeException: %v", err)
	}

	frames := decodeFrames(t, buf.Bytes())
	if len(frames) != 1 {
		t.Fatalf("frames = %d", len(frames))
	}
	if frames[0].headers[":message-type"] != "exception" {
		t.Errorf("message type = %q", frames[0].headers[":message-type"])
	}
	if frames[0].headers[":exception-type"] != "ThrottlingException" {
		t.Errorf("exception type = %q", frames[0].headers[":exception-type"])
	}
	if !bytes.Contains(frames[0].payload, []byte("rate exceeded")) {
		t.Errorf("payload = %s", frames[0].payload)
	}
}
