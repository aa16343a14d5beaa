package transport

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := Frame{Opcode: OpHello, CorrelationID: 42, Payload: []byte("nodo3")}
	require.NoError(t, WriteFrame(&buf, want))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	want := Frame{Opcode: OpPeerList, CorrelationID: 1}
	require.NoError(t, WriteFrame(&buf, want))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Empty(t, got.Payload)
}

// partialReader dribbles out bytes a few at a time, exercising io.ReadFull's
// tolerance for partial reads on the reliable channel.
type partialReader struct {
	data []byte
	pos  int
}

func (p *partialReader) Read(buf []byte) (int, error) {
	if p.pos >= len(p.data) {
		return 0, io.EOF
	}
	n := 3
	if n > len(buf) {
		n = len(buf)
	}
	if p.pos+n > len(p.data) {
		n = len(p.data) - p.pos
	}
	copy(buf, p.data[p.pos:p.pos+n])
	p.pos += n
	return n, nil
}

func TestReadFrameTreatsPartialReadsAsNormal(t *testing.T) {
	var buf bytes.Buffer
	want := Frame{Opcode: OpBlockGet, CorrelationID: 7, Payload: []byte("a.txt#0")}
	require.NoError(t, WriteFrame(&buf, want))

	got, err := ReadFrame(&partialReader{data: buf.Bytes()})
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestBlockPutPayloadRoundTrip(t *testing.T) {
	want := BlockPutPayload{FileName: "report.pdf", Index: 3, IsReplica: true, Data: []byte("blockbytes")}
	got, err := DecodeBlockPutPayload(want.Encode())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestBlockRefPayloadRoundTrip(t *testing.T) {
	want := BlockRefPayload{FileName: "report.pdf", Index: 12}
	got, err := DecodeBlockRefPayload(want.Encode())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestBlockGetReplyPayloadRoundTrip(t *testing.T) {
	want := BlockGetReplyPayload{Status: StatusOK, Data: []byte("xyz")}
	got, err := DecodeBlockGetReplyPayload(want.Encode())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestHeartbeatRoundTrip(t *testing.T) {
	want := Heartbeat{Label: "nodo2", Sequence: 99, CapacityBytes: 1 << 20, UsedBytes: 512}
	got, err := DecodeHeartbeat(want.Encode())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDecodeHeartbeatRejectsTruncated(t *testing.T) {
	_, err := DecodeHeartbeat([]byte{0, 5, 'n'})
	require.Error(t, err)
}
