// Package wire implements the binary frame format shared by the streaming
// recognition and synthesis protocols. Every frame starts with a fixed
// 4-byte header; the remainder is either a sequence-tagged payload
// (recognition traffic) or an event-tagged segment list (synthesis traffic),
// selected by the with-event flag bit.
package wire

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// ProtocolVersion is the only version this codec speaks
	ProtocolVersion = 0b0001

	// headerSizeUnits is the header length in 4-byte units. The header must
	// be exactly one unit in this protocol version; anything else is a
	// decode failure.
	headerSizeUnits = 1
	headerUnitBytes = 4
)

// MessageType identifies the frame kind (high nibble of byte 1)
type MessageType uint8

const (
	MessageTypeFullClientRequest  MessageType = 0b0001
	MessageTypeAudioOnlyRequest   MessageType = 0b0010
	MessageTypeFullServerResponse MessageType = 0b1001
	MessageTypeErrorResponse      MessageType = 0b1111
)

// Flags carries the sequencing/event bits (low nibble of byte 1).
// Bit 0 marks the presence of a sequence field, bit 1 marks the final chunk,
// bit 2 selects the event-tagged sub-format.
type Flags uint8

const (
	FlagNoSequence       Flags = 0b0000
	FlagPositiveSequence Flags = 0b0001
	FlagLastNoSequence   Flags = 0b0010
	FlagNegativeSequence Flags = 0b0011
	FlagWithEvent        Flags = 0b0100
)

// HasSequence reports whether frames with these flags carry a sequence field
func (f Flags) HasSequence() bool {
	return f&0b0001 != 0
}

// HasEvent reports whether frames with these flags use the event-tagged
// sub-format
func (f Flags) HasEvent() bool {
	return f&FlagWithEvent != 0
}

// Serialization identifies the payload encoding (high nibble of byte 2)
type Serialization uint8

const (
	SerializationNone Serialization = 0b0000
	SerializationJSON Serialization = 0b0001
)

// Compression identifies the per-segment compression (low nibble of byte 2)
type Compression uint8

const (
	CompressionNone Compression = 0b0000
	CompressionGzip Compression = 0b0001
)

// Event codes used by the synthesis protocol
const (
	EventStartConnection    int32 = 1
	EventFinishConnection   int32 = 2
	EventConnectionStarted  int32 = 50
	EventConnectionFailed   int32 = 51
	EventConnectionFinished int32 = 52
	EventStartSession       int32 = 100
	EventFinishSession      int32 = 102
	EventSessionStarted     int32 = 150
	EventSessionFinished    int32 = 152
	EventSessionFailed      int32 = 153
	EventTaskRequest        int32 = 200
	EventSentenceStart      int32 = 350
	EventSentenceEnd        int32 = 351
	EventAudioResponse      int32 = 352
)

// Remote error codes inside this band are classified as internal errors of
// the remote service.
const (
	internalErrorCodeLow  = 55000000
	internalErrorCodeHigh = 55999999
)

// ProtocolError reports a malformed frame. It is fatal to decoding that one
// message only; the connection stays alive.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "wire: " + e.Reason
}

func protocolErrorf(format string, args ...interface{}) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// RemoteError is an explicit error frame from the remote service
type RemoteError struct {
	Code    int32
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("wire: remote error %d: %s", e.Code, e.Message)
}

// Internal reports whether the code falls inside the remote service's
// internal-error band.
func (e *RemoteError) Internal() bool {
	return e.Code >= internalErrorCodeLow && e.Code <= internalErrorCodeHigh
}

// Frame is one decoded protocol message. Code holds the sequence number,
// event code, or remote error code depending on Type and Flags. Payloads
// holds the decompressed segments in wire order; sequence-tagged frames and
// error frames always carry exactly one.
type Frame struct {
	Type          MessageType
	Flags         Flags
	Serialization Serialization
	Compression   Compression
	Code          int32
	Payloads      [][]byte
}

// Payload returns the first segment, or nil when the frame carries none
func (f Frame) Payload() []byte {
	if len(f.Payloads) == 0 {
		return nil
	}
	return f.Payloads[0]
}

// IsFinal reports whether this frame is the last chunk of its stream. The
// sign of the sequence number encodes finality independent of magnitude.
func (f Frame) IsFinal() bool {
	if f.Flags.HasEvent() {
		return false
	}
	return f.Flags == FlagNegativeSequence || f.Flags == FlagLastNoSequence || f.Code < 0
}

// SequenceMagnitude returns the absolute sequence number of a
// sequence-tagged frame.
func (f Frame) SequenceMagnitude() int32 {
	if f.Code < 0 {
		return -f.Code
	}
	return f.Code
}

// Sequence returns the signed sequence value for a chunk: negative when the
// chunk is the final one of its stream, per the wire convention.
func Sequence(magnitude int32, final bool) int32 {
	if final {
		return -magnitude
	}
	return magnitude
}

// SequenceFlags returns the flag bits matching a chunk's position in the
// stream.
func SequenceFlags(final bool) Flags {
	if final {
		return FlagNegativeSequence
	}
	return FlagPositiveSequence
}

// Encode serializes a frame. Compression, when gzip, is applied to each
// payload segment independently before length-prefixing. The output buffer
// is sized up front from the segment lengths plus fixed header and
// length-prefix overhead; no larger allocation ever happens, since the
// receiver trusts declared lengths.
func Encode(f Frame) ([]byte, error) {
	segments := make([][]byte, len(f.Payloads))
	total := headerUnitBytes
	if f.Type == MessageTypeErrorResponse || f.Flags.HasEvent() || f.Flags.HasSequence() {
		total += 4
	}
	for i, p := range f.Payloads {
		seg := p
		if f.Compression == CompressionGzip {
			compressed, err := gzipCompress(p)
			if err != nil {
				return nil, fmt.Errorf("wire: compress segment %d: %w", i, err)
			}
			seg = compressed
		}
		segments[i] = seg
		total += 4 + len(seg)
	}

	buf := make([]byte, 0, total)
	buf = append(buf,
		byte(ProtocolVersion<<4|headerSizeUnits),
		byte(uint8(f.Type)<<4|uint8(f.Flags)),
		byte(uint8(f.Serialization)<<4|uint8(f.Compression)),
		0, // reserved
	)
	if f.Type == MessageTypeErrorResponse || f.Flags.HasEvent() || f.Flags.HasSequence() {
		buf = binary.BigEndian.AppendUint32(buf, uint32(f.Code))
	}
	for _, seg := range segments {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(seg)))
		buf = append(buf, seg...)
	}
	return buf, nil
}

// Decode parses a frame, validating the header and every declared segment
// length against the remaining buffer before reading. All segments are
// decompressed before being returned.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if len(data) < headerUnitBytes {
		return f, protocolErrorf("short frame: %d bytes", len(data))
	}

	version := data[0] >> 4
	headerSize := data[0] & 0x0f
	if version != ProtocolVersion {
		return f, protocolErrorf("unsupported protocol version %d", version)
	}
	if headerSize != headerSizeUnits {
		return f, protocolErrorf("unsupported header size %d units", headerSize)
	}

	f.Type = MessageType(data[1] >> 4)
	f.Flags = Flags(data[1] & 0x0f)
	f.Serialization = Serialization(data[2] >> 4)
	f.Compression = Compression(data[2] & 0x0f)

	body := data[int(headerSize)*headerUnitBytes:]

	switch {
	case f.Type == MessageTypeErrorResponse:
		// error frames always carry a 4-byte code plus one message segment
		return decodeTagged(f, body, true)
	case f.Flags.HasEvent():
		return decodeEventTagged(f, body)
	default:
		return decodeTagged(f, body, f.Flags.HasSequence())
	}
}

// decodeTagged parses the sequence-tagged sub-format: an optional 4-byte
// code followed by a single length-prefixed payload.
func decodeTagged(f Frame, body []byte, hasCode bool) (Frame, error) {
	if hasCode {
		if len(body) < 4 {
			return f, protocolErrorf("truncated sequence field")
		}
		f.Code = int32(binary.BigEndian.Uint32(body[:4]))
		body = body[4:]
	}
	if len(body) == 0 {
		return f, nil
	}
	if len(body) < 4 {
		return f, protocolErrorf("truncated payload length")
	}
	length := binary.BigEndian.Uint32(body[:4])
	body = body[4:]
	if uint64(length) > uint64(len(body)) {
		return f, protocolErrorf("declared payload length %d exceeds remaining %d bytes", length, len(body))
	}
	payload, err := maybeDecompress(f.Compression, body[:length])
	if err != nil {
		return f, err
	}
	f.Payloads = [][]byte{payload}
	return f, nil
}

// decodeEventTagged parses the event-tagged sub-format: a 4-byte event code
// followed by one or more length-prefixed segments, the first of which is
// typically an id string.
func decodeEventTagged(f Frame, body []byte) (Frame, error) {
	if len(body) < 4 {
		return f, protocolErrorf("truncated event code")
	}
	f.Code = int32(binary.BigEndian.Uint32(body[:4]))
	body = body[4:]

	for len(body) > 0 {
		if len(body) < 4 {
			return f, protocolErrorf("truncated segment length")
		}
		length := binary.BigEndian.Uint32(body[:4])
		body = body[4:]
		if uint64(length) > uint64(len(body)) {
			return f, protocolErrorf("declared segment length %d exceeds remaining %d bytes", length, len(body))
		}
		segment, err := maybeDecompress(f.Compression, body[:length])
		if err != nil {
			return f, err
		}
		f.Payloads = append(f.Payloads, segment)
		body = body[length:]
	}
	return f, nil
}

// AsRemoteError converts a decoded error frame into a RemoteError
func (f Frame) AsRemoteError() *RemoteError {
	return &RemoteError{Code: f.Code, Message: string(f.Payload())}
}

func maybeDecompress(c Compression, data []byte) ([]byte, error) {
	if c != CompressionGzip {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, protocolErrorf("gzip segment: %v", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, protocolErrorf("gzip segment: %v", err)
	}
	return out, nil
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
