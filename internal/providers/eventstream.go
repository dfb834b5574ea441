package providers

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// Minimal decoder for the application/vnd.amazon.eventstream framing used by
// the CodeWhisperer response stream. Each message is:
//
//	total length (4, BE) | headers length (4, BE) | prelude CRC32 (4)
//	headers | payload | message CRC32 (4)
//
// Headers are name-length/name/type/value triples; the decoder only needs
// the string-typed ones (:event-type, :message-type, :exception-type).

const (
	eventStreamPreludeLen = 12
	eventStreamMaxFrame   = 16 << 20

	headerTypeBool7  = 0
	headerTypeBool1  = 1
	headerTypeByte   = 2
	headerTypeInt16  = 3
	headerTypeInt32  = 4
	headerTypeInt64  = 5
	headerTypeBytes  = 6
	headerTypeString = 7
	headerTypeTime   = 8
	headerTypeUUID   = 9
)

type eventStreamMessage struct {
	headers map[string]string
	payload []byte
}

func (m *eventStreamMessage) eventType() string   { return m.headers[":event-type"] }
func (m *eventStreamMessage) messageType() string { return m.headers[":message-type"] }

// readEventStreamMessage reads one framed message. Returns io.EOF at a clean
// stream boundary.
func readEventStreamMessage(r io.Reader) (*eventStreamMessage, error) {
	prelude := make([]byte, eventStreamPreludeLen)
	if _, err := io.ReadFull(r, prelude); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	total := binary.BigEndian.Uint32(prelude[0:4])
	headerLen := binary.BigEndian.Uint32(prelude[4:8])
	preludeCRC := binary.BigEndian.Uint32(prelude[8:12])
	if crc := crc32.ChecksumIEEE(prelude[0:8]); crc != preludeCRC {
		return nil, fmt.Errorf("event stream prelude checksum mismatch")
	}
	if total < eventStreamPreludeLen+4 || total > eventStreamMaxFrame {
		return nil, fmt.Errorf("event stream frame length %d out of range", total)
	}
	bodyLen := total - eventStreamPreludeLen
	if headerLen > bodyLen-4 {
		return nil, fmt.Errorf("event stream header length %d exceeds frame", headerLen)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	headers, err := parseEventStreamHeaders(body[:headerLen])
	if err != nil {
		return nil, err
	}
	payload := body[headerLen : bodyLen-4]
	return &eventStreamMessage{headers: headers, payload: payload}, nil
}

func parseEventStreamHeaders(buf []byte) (map[string]string, error) {
	headers := make(map[string]string)
	for len(buf) > 0 {
		nameLen := int(buf[0])
		buf = buf[1:]
		if len(buf) < nameLen+1 {
			return nil, fmt.Errorf("truncated event stream header")
		}
		name := string(buf[:nameLen])
		typ := buf[nameLen]
		buf = buf[nameLen+1:]

		var skip int
		switch typ {
		case headerTypeBool7, headerTypeBool1:
			skip = 0
		case headerTypeByte:
			skip = 1
		case headerTypeInt16:
			skip = 2
		case headerTypeInt32:
			skip = 4
		case headerTypeInt64, headerTypeTime:
			skip = 8
		case headerTypeUUID:
			skip = 16
		case headerTypeBytes, headerTypeString:
			if len(buf) < 2 {
				return nil, fmt.Errorf("truncated event stream header value")
			}
			valLen := int(binary.BigEndian.Uint16(buf))
			buf = buf[2:]
			if len(buf) < valLen {
				return nil, fmt.Errorf("truncated event stream header value")
			}
			if typ == headerTypeString {
				headers[name] = string(buf[:valLen])
			}
			buf = buf[valLen:]
			continue
		default:
			return nil, fmt.Errorf("unknown event stream header type %d", typ)
		}
		if len(buf) < skip {
			return nil, fmt.Errorf("truncated event stream header value")
		}
		buf = buf[skip:]
	}
	return headers, nil
}
