// Package gateway implements the websocket RPC client for the game gateway:
// a binary envelope codec, request/response correlation by sequence number,
// and asynchronous server-push notifications.
package gateway

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

type MessageType uint8

const (
	MessageRequest  MessageType = 1
	MessageResponse MessageType = 2
	MessageEvent    MessageType = 3
)

// Meta is the envelope header shared by every gateway frame.
type Meta struct {
	Service      string
	Method       string
	Type         MessageType
	ClientSeq    uint32
	ServerSeq    uint32
	ErrorCode    int32
	ErrorMessage string
}

// Frame is a decoded gateway envelope. Body is opaque to this layer.
type Frame struct {
	Meta Meta
	Body []byte
}

const maxFrameString = 1 << 12

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > maxFrameString {
		return fmt.Errorf("frame string too long: %d bytes", len(s))
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
	return nil
}

func readString(r *bytes.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", fmt.Errorf("frame truncated reading string length")
	}
	n := int(binary.BigEndian.Uint16(lenBuf[:]))
	if n == 0 {
		return "", nil
	}
	if n > r.Len() {
		return "", fmt.Errorf("frame truncated: string length %d exceeds remaining %d", n, r.Len())
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return "", err
	}
	return string(out), nil
}

// Encode serializes a frame into the gateway wire envelope.
func Encode(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(f.Meta.Type))

	var seqBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], f.Meta.ClientSeq)
	buf.Write(seqBuf[:])
	binary.BigEndian.PutUint32(seqBuf[:], f.Meta.ServerSeq)
	buf.Write(seqBuf[:])
	binary.BigEndian.PutUint32(seqBuf[:], uint32(f.Meta.ErrorCode))
	buf.Write(seqBuf[:])

	for _, s := range []string{f.Meta.Service, f.Meta.Method, f.Meta.ErrorMessage} {
		if err := writeString(&buf, s); err != nil {
			return nil, err
		}
	}
	buf.Write(f.Body)
	return buf.Bytes(), nil
}

// Decode parses a gateway envelope.
func Decode(data []byte) (Frame, error) {
	if len(data) < 13 {
		return Frame{}, fmt.Errorf("frame too short: %d bytes", len(data))
	}
	r := bytes.NewReader(data)

	typeByte, _ := r.ReadByte()
	mt := MessageType(typeByte)
	switch mt {
	case MessageRequest, MessageResponse, MessageEvent:
	default:
		return Frame{}, fmt.Errorf("unknown message type: %d", typeByte)
	}

	var seqBuf [4]byte
	readUint32 := func() uint32 {
		r.Read(seqBuf[:])
		return binary.BigEndian.Uint32(seqBuf[:])
	}
	clientSeq := readUint32()
	serverSeq := readUint32()
	errorCode := int32(readUint32())

	service, err := readString(r)
	if err != nil {
		return Frame{}, err
	}
	method, err := readString(r)
	if err != nil {
		return Frame{}, err
	}
	errorMessage, err := readString(r)
	if err != nil {
		return Frame{}, err
	}

	body := make([]byte, r.Len())
	r.Read(body)

	return Frame{
		Meta: Meta{
			Service:      service,
			Method:       method,
			Type:         mt,
			ClientSeq:    clientSeq,
			ServerSeq:    serverSeq,
			ErrorCode:    errorCode,
			ErrorMessage: errorMessage,
		},
		Body: body,
	}, nil
}

// EncodeEvent wraps a server-push notification body. Event frames carry the
// notification type in the Service field.
func EncodeEvent(eventType string, body []byte, serverSeq uint32) ([]byte, error) {
	return Encode(Frame{
		Meta: Meta{Service: eventType, Type: MessageEvent, ServerSeq: serverSeq},
		Body: body,
	})
}
