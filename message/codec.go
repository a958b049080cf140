package message

import (
	"strconv"
	"strings"
)

// paddingChar is appended to the payload of outbound DATA frames.
const paddingChar = '1'

// naturalSize returns the length of the unpadded three field frame.
func naturalSize(m *Message) int {
	return 6 + len(m.id) + len(m.kind.String()) + len(m.payload)
}

// WireSize returns the length of Encode(m) without allocating the frame.
func WireSize(m *Message) int {
	n := naturalSize(m)
	if m.needsPadding(n) {
		return m.sizeBytes
	}

	return n
}

func (m *Message) needsPadding(natural int) bool {
	return m.kind == Data && m.direction == Outbound && m.sizeBytes > natural
}

// Encode serializes m as [id][KIND][payload].
//
// Outbound DATA frames shorter than SizeBytes are padded with '1' inside the payload field
// until the frame is exactly SizeBytes long. Encode never fails and never truncates.
func Encode(m *Message) []byte {
	n := naturalSize(m)
	size := n
	if m.needsPadding(n) {
		size = m.sizeBytes
	}

	buf := make([]byte, 0, size)
	buf = append(buf, '[')
	buf = append(buf, m.id...)
	buf = append(buf, ']', '[')
	buf = append(buf, m.kind.String()...)
	buf = append(buf, ']', '[')
	buf = append(buf, m.payload...)
	for i := n; i < size; i++ {
		buf = append(buf, paddingChar)
	}
	buf = append(buf, ']')

	return buf
}

// Decode parses a received frame. arrivalMs is the receive time in Unix milliseconds.
//
// It fails with a *ParseError when fewer than three bracketed fields are present or when the
// kind field is not DATA, RTS or CTS. The decoded SizeBytes is the length of data.
func Decode(data []byte, arrivalMs int64) (*Message, error) {
	frame := string(data)
	fields := splitFields(frame, 4)
	if len(fields) < 3 {
		return nil, &ParseError{Reason: "expected 3 bracketed fields, got " + strconv.Itoa(len(fields)), Frame: frame}
	}

	msg := &Message{
		id:          fields[0],
		createdAtMs: arrivalMs,
		arrivedAtMs: arrivalMs,
		sizeBytes:   len(data),
		direction:   Inbound,
	}

	if kind, ok := ParseKind(fields[1]); ok {
		msg.kind = kind
		msg.payload = fields[2]

		return msg, nil
	}

	// legacy layout: [id][createdAtMs][KIND][payload]
	if ts, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
		if len(fields) < 4 {
			return nil, &ParseError{Reason: "legacy frame without payload field", Frame: frame}
		}
		kind, ok := ParseKind(fields[2])
		if !ok {
			return nil, &ParseError{Reason: "unknown kind " + strconv.Quote(fields[2]), Frame: frame}
		}
		msg.createdAtMs = ts
		msg.kind = kind
		msg.payload = fields[3]

		return msg, nil
	}

	return nil, &ParseError{Reason: "unknown kind " + strconv.Quote(fields[1]), Frame: frame}
}

// splitFields returns up to limit bracketed values. Text outside brackets is ignored.
func splitFields(frame string, limit int) []string {
	fields := make([]string, 0, limit)
	pos := 0
	for len(fields) < limit {
		open := strings.IndexByte(frame[pos:], '[')
		if open < 0 {
			break
		}
		open += pos
		end := strings.IndexByte(frame[open+1:], ']')
		if end < 0 {
			break
		}
		end += open + 1
		fields = append(fields, frame[open+1:end])
		pos = end + 1
	}

	return fields
}
