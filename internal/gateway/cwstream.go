package gateway

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"io"

	"github.com/proxycast/proxycast/pkg/protocol"
)

// cwFrameWriter emits application/vnd.amazon.eventstream frames for the
// CodeWhisperer-dialect response surface, the inverse of the provider-side
// decoder. Each frame is:
//
//	total length (4, BE) | headers length (4, BE) | prelude CRC32 (4)
//	headers | payload | message CRC32 (4)
type cwFrameWriter struct {
	w io.Writer

	toolUseID string
	toolName  string
}

func newCWFrameWriter(w io.Writer) *cwFrameWriter {
	return &cwFrameWriter{w: w}
}

// writeEvent maps one neutral stream event onto the CW wire vocabulary.
// message_start has no frame of its own; tool input fragments stream as
// partial toolUseEvents and the closing event carries stop.
func (c *cwFrameWriter) writeEvent(ev protocol.StreamEvent) error {
	switch ev.Type {
	case protocol.StreamTextDelta:
		return c.writeFrame("assistantResponseEvent", map[string]any{
			"content": ev.Text,
		})
	case protocol.StreamToolUseStart:
		c.toolUseID = ev.ToolUseID
		c.toolName = ev.ToolName
		return nil
	case protocol.StreamToolInputDelta:
		return c.writeFrame("toolUseEvent", map[string]any{
			"toolUseId": c.toolUseID,
			"name":      c.toolName,
			"input":     ev.ToolInput,
		})
	case protocol.StreamToolUseStop:
		err := c.writeFrame("toolUseEvent", map[string]any{
			"toolUseId": c.toolUseID,
			"name":      c.toolName,
			"stop":      true,
		})
		c.toolUseID = ""
		c.toolName = ""
		return err
	case protocol.StreamMessageStop:
		return c.writeFrame("messageMetadataEvent", map[string]any{
			"usage": map[string]int{
				"inputTokens":  ev.Usage.InputTokens,
				"outputTokens": ev.Usage.OutputTokens,
			},
		})
	case protocol.StreamError:
		msg := "upstream failure"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		return c.writeException("InternalServerException", msg)
	default:
		return nil
	}
}

func (c *cwFrameWriter) writeFrame(eventType string, payload any) error {
	return c.write([][2]string{
		{":message-type", "event"},
		{":event-type", eventType},
		{":content-type", "application/json"},
	}, payload)
}

func (c *cwFrameWriter) writeException(excType, message string) error {
	return c.write([][2]string{
		{":message-type", "exception"},
		{":exception-type", excType},
		{":content-type", "application/json"},
	}, map[string]string{"message": message})
}

func (c *cwFrameWriter) write(headers [][2]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var hdr []byte
	for _, h := range headers {
		hdr = append(hdr, byte(len(h[0])))
		hdr = append(hdr, h[0]...)
		hdr = append(hdr, headerTypeString)
		hdr = binary.BigEndian.AppendUint16(hdr, uint16(len(h[1])))
		hdr = append(hdr, h[1]...)
	}

	total := eventStreamPreludeLen + len(hdr) + len(body) + 4
	frame := make([]byte, 0, total)
	frame = binary.BigEndian.AppendUint32(frame, uint32(total))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(hdr)))
	frame = binary.BigEndian.AppendUint32(frame, crc32.ChecksumIEEE(frame[0:8]))
	frame = append(frame, hdr...)
	frame = append(frame, body...)
	frame = binary.BigEndian.AppendUint32(frame, crc32.ChecksumIEEE(frame))

	_, err = c.w.Write(frame)
	return err
}

const (
	eventStreamPreludeLen = 12
	headerTypeString      = 7
)
