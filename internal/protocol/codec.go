// Package protocol implements the relay's wire format: a 10-byte ASCII length
// header followed by an obfuscated JSON payload.
//
// The obfuscation (base64, then the characters reversed) only keeps plaintext
// off the wire. It is trivially reversible and gives no confidentiality.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// HeaderLen is the width of the decimal length header.
	HeaderLen = 10

	// DefaultMaxPayload caps a single payload when the caller does not choose one.
	DefaultMaxPayload = 1 << 20

	maxHeaderValue = 9_999_999_999
)

// Obfuscate turns serialized text into its on-wire form.
func Obfuscate(plain []byte) []byte {
	enc := make([]byte, base64.StdEncoding.EncodedLen(len(plain)))
	base64.StdEncoding.Encode(enc, plain)
	reverse(enc)
	return enc
}

// Deobfuscate undoes Obfuscate.
func Deobfuscate(wire []byte) ([]byte, error) {
	buf := make([]byte, len(wire))
	copy(buf, wire)
	reverse(buf)

	plain := make([]byte, base64.StdEncoding.DecodedLen(len(buf)))
	n, err := base64.StdEncoding.Decode(plain, buf)
	if err != nil {
		return nil, err
	}
	return plain[:n], nil
}

// base64 output is ASCII, so reversing bytes reverses characters.
func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// Encode serializes m into a complete frame.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	payload := Obfuscate(body)
	if len(payload) > maxHeaderValue {
		return nil, fmt.Errorf("payload of %d bytes does not fit the header", len(payload))
	}

	frame := make([]byte, 0, HeaderLen+len(payload))
	frame = fmt.Appendf(frame, "%-*d", HeaderLen, len(payload))
	frame = append(frame, payload...)
	return frame, nil
}

// WriteMessage encodes m and writes the frame to w.
func WriteMessage(w io.Writer, m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Decoder reads frames from a byte stream. It is not safe for concurrent use.
type Decoder struct {
	r          io.Reader
	maxPayload int
	header     [HeaderLen]byte
}

// NewDecoder returns a Decoder rejecting payloads above maxPayload bytes.
// A non-positive maxPayload selects DefaultMaxPayload.
func NewDecoder(r io.Reader, maxPayload int) *Decoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Decoder{r: r, maxPayload: maxPayload}
}

// Decode blocks until one full frame has been read. It returns an error
// wrapping ErrConnectionClosed when the stream ends or fails, and a
// *DecodeError when the frame is malformed.
func (d *Decoder) Decode() (Message, error) {
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		return Message{}, closed(err)
	}

	size, err := ParseHeader(d.header[:])
	if err != nil {
		return Message{}, err
	}
	if size > uint64(d.maxPayload) {
		return Message{}, &DecodeError{
			Stage: "header",
			Err:   fmt.Errorf("payload length %d exceeds limit %d", size, d.maxPayload),
		}
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return Message{}, closed(err)
	}

	return DecodePayload(payload)
}

// ParseHeader parses a space-padded decimal length header.
func ParseHeader(h []byte) (uint64, error) {
	text := strings.TrimSpace(string(h))
	if text == "" {
		return 0, &DecodeError{Stage: "header", Err: errors.New("empty length header")}
	}
	size, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, &DecodeError{Stage: "header", Err: err}
	}
	return size, nil
}

// DecodePayload turns an on-wire payload back into a Message.
func DecodePayload(payload []byte) (Message, error) {
	body, err := Deobfuscate(payload)
	if err != nil {
		return Message{}, &DecodeError{Stage: "payload", Err: err}
	}

	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, &DecodeError{Stage: "json", Err: err}
	}
	return m, nil
}

func closed(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
}
