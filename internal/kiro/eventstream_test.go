package kiro

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeFrame builds a valid event-stream frame for tests.
func encodeFrame(headers map[string]string, payload []byte) []byte {
	var headerBytes []byte
	for name, value := range headers {
		headerBytes = append(headerBytes, byte(len(name)))
		headerBytes = append(headerBytes, name...)
		headerBytes = append(headerBytes, headerTypeString)
		lenBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(lenBuf, uint16(len(value)))
		headerBytes = append(headerBytes, lenBuf...)
		headerBytes = append(headerBytes, value...)
	}

	totalLength := 12 + len(headerBytes) + len(payload) + 4
	frame := make([]byte, 0, totalLength)

	prelude := make([]byte, 8)
	binary.BigEndian.PutUint32(prelude[0:4], uint32(totalLength))
	binary.BigEndian.PutUint32(prelude[4:8], uint32(len(headerBytes)))
	frame = append(frame, prelude...)

	preludeCRC := make([]byte, 4)
	binary.BigEndian.PutUint32(preludeCRC, crc32.ChecksumIEEE(prelude))
	frame = append(frame, preludeCRC...)

	frame = append(frame, headerBytes...)
	frame = append(frame, payload...)

	messageCRC := make([]byte, 4)
	binary.BigEndian.PutUint32(messageCRC, crc32.ChecksumIEEE(frame))
	frame = append(frame, messageCRC...)

	return frame
}

func TestFrameParser_SingleFrame(t *testing.T) {
	frame := encodeFrame(map[string]string{
		headerMessageType: messageTypeEvent,
		headerEventType:   "chunk",
	}, []byte(`{"content":"hello"}`))

	parser := NewFrameParser()
	messages, err := parser.Feed(frame)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	msg := messages[0]
	assert.True(t, msg.IsEvent())
	assert.False(t, msg.IsException())
	assert.Equal(t, "chunk", msg.EventType())
	assert.Equal(t, `{"content":"hello"}`, string(msg.Payload))
}

func TestFrameParser_SplitAcrossReads(t *testing.T) {
	frame := encodeFrame(map[string]string{
		headerMessageType: messageTypeEvent,
	}, []byte(`{"content":"split"}`))

	parser := NewFrameParser()

	// Feed byte by byte; only the final byte completes the frame.
	for i := 0; i < len(frame)-1; i++ {
		messages, err := parser.Feed(frame[i : i+1])
		require.NoError(t, err)
		assert.Empty(t, messages)
	}
	messages, err := parser.Feed(frame[len(frame)-1:])
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, `{"content":"split"}`, string(messages[0].Payload))
}

func TestFrameParser_MultipleFramesOneRead(t *testing.T) {
	var data []byte
	data = append(data, encodeFrame(map[string]string{headerMessageType: messageTypeEvent}, []byte("a"))...)
	data = append(data, encodeFrame(map[string]string{headerMessageType: messageTypeEvent}, []byte("b"))...)

	parser := NewFrameParser()
	messages, err := parser.Feed(data)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "a", string(messages[0].Payload))
	assert.Equal(t, "b", string(messages[1].Payload))
}

func TestFrameParser_CorruptPreludeCRC(t *testing.T) {
	frame := encodeFrame(map[string]string{headerMessageType: messageTypeEvent}, []byte("x"))
	frame[8] ^= 0xFF // flip a prelude CRC byte

	parser := NewFrameParser()
	_, err := parser.Feed(frame)
	require.ErrorIs(t, err, ErrInvalidPreludeCRC)
}

func TestFrameParser_CorruptMessageCRC(t *testing.T) {
	frame := encodeFrame(map[string]string{headerMessageType: messageTypeEvent}, []byte("x"))
	frame[len(frame)-1] ^= 0xFF

	parser := NewFrameParser()
	_, err := parser.Feed(frame)
	require.ErrorIs(t, err, ErrInvalidMessageCRC)
}

func TestFrameParser_ExceptionMessage(t *testing.T) {
	frame := encodeFrame(map[string]string{
		headerMessageType: messageTypeException,
		headerEventType:   "throttlingException",
	}, []byte(`{"message":"slow down"}`))

	parser := NewFrameParser()
	messages, err := parser.Feed(frame)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.True(t, messages[0].IsException())
}

func TestFrameParser_BufferOverflow(t *testing.T) {
	parser := NewFrameParser()
	_, err := parser.Feed(make([]byte, frameBufferMax+1))
	require.ErrorIs(t, err, ErrFrameBufferOverflow)
}
