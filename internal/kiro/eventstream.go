package kiro

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

var (
	// ErrInvalidPreludeCRC indicates the prelude CRC does not match.
	ErrInvalidPreludeCRC = errors.New("invalid prelude CRC")
	// ErrInvalidMessageCRC indicates the message CRC does not match.
	ErrInvalidMessageCRC = errors.New("invalid message CRC")
	// ErrInvalidHeaderType indicates an unsupported header wire type.
	ErrInvalidHeaderType = errors.New("invalid header type")
	// ErrFrameBufferOverflow indicates the reassembly buffer exceeded its cap.
	ErrFrameBufferOverflow = errors.New("event stream buffer overflow")
)

const (
	frameBufferInitial = 8 * 1024
	// 单条消息不会接近 1MB；超过说明流已经错位，宁可报错也不无限吃内存。
	frameBufferMax = 1024 * 1024
)

// FrameParser reassembles AWS event-stream binary frames from arbitrary
// chunk boundaries. Not safe for concurrent use; one per stream.
type FrameParser struct {
	buffer []byte
}

// NewFrameParser creates an empty frame parser.
func NewFrameParser() *FrameParser {
	return &FrameParser{buffer: make([]byte, 0, frameBufferInitial)}
}

// Feed appends data and returns every complete message now available.
// Partial frames stay buffered for the next call.
func (p *FrameParser) Feed(data []byte) ([]*EventMessage, error) {
	if len(p.buffer)+len(data) > frameBufferMax {
		return nil, ErrFrameBufferOverflow
	}
	p.buffer = append(p.buffer, data...)

	var messages []*EventMessage

	for len(p.buffer) >= 12 {
		totalLength := binary.BigEndian.Uint32(p.buffer[0:4])
		headersLength := binary.BigEndian.Uint32(p.buffer[4:8])
		preludeCRC := binary.BigEndian.Uint32(p.buffer[8:12])

		if want := crc32.ChecksumIEEE(p.buffer[0:8]); preludeCRC != want {
			return messages, fmt.Errorf("%w: expected %x, got %x", ErrInvalidPreludeCRC, want, preludeCRC)
		}

		if uint32(len(p.buffer)) < totalLength {
			break
		}

		frame := p.buffer[:totalLength]
		p.buffer = p.buffer[totalLength:]

		messageCRC := binary.BigEndian.Uint32(frame[totalLength-4:])
		if want := crc32.ChecksumIEEE(frame[:totalLength-4]); messageCRC != want {
			return messages, fmt.Errorf("%w: expected %x, got %x", ErrInvalidMessageCRC, want, messageCRC)
		}

		headersEnd := 12 + headersLength
		headers, err := parseFrameHeaders(frame[12:headersEnd])
		if err != nil {
			return messages, fmt.Errorf("failed to parse headers: %w", err)
		}

		payload := frame[headersEnd : totalLength-4]

		messages = append(messages, &EventMessage{
			TotalLength:   totalLength,
			HeadersLength: headersLength,
			PreludeCRC:    preludeCRC,
			Headers:       headers,
			Payload:       payload,
			MessageCRC:    messageCRC,
		})
	}

	return messages, nil
}

// Reset clears buffered data, retaining capacity.
func (p *FrameParser) Reset() {
	if cap(p.buffer) > frameBufferMax {
		p.buffer = make([]byte, 0, frameBufferInitial)
		return
	}
	p.buffer = p.buffer[:0]
}

// parseFrameHeaders decodes the headers section:
// nameLen(1) name type(1) valueLen(2 BE) value, repeated.
func parseFrameHeaders(data []byte) (map[string]HeaderValue, error) {
	headers := make(map[string]HeaderValue)
	reader := bytes.NewReader(data)

	for reader.Len() > 0 {
		nameLen, err := reader.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("failed to read header name length: %w", err)
		}

		name := make([]byte, nameLen)
		if _, err := reader.Read(name); err != nil {
			return nil, fmt.Errorf("failed to read header name: %w", err)
		}

		headerType, err := reader.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("failed to read header type: %w", err)
		}

		if headerType != headerTypeString {
			return nil, fmt.Errorf("%w: %d", ErrInvalidHeaderType, headerType)
		}

		var valueLen uint16
		if err := binary.Read(reader, binary.BigEndian, &valueLen); err != nil {
			return nil, fmt.Errorf("failed to read header value length: %w", err)
		}
		value := make([]byte, valueLen)
		if _, err := reader.Read(value); err != nil {
			return nil, fmt.Errorf("failed to read header value: %w", err)
		}

		headers[string(name)] = HeaderValue{Type: headerType, Value: string(value)}
	}

	return headers, nil
}
