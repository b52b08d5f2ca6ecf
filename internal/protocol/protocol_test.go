package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTripIndexAndDelta(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	require.NoError(t, fw.WriteIndex([]byte("fake-index-bytes")))
	require.NoError(t, fw.WriteDelta([]byte("fake-delta-bytes")))

	fr := NewFrameReader(&buf)

	f1, err := fr.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, TypeIndex, f1.Type)
	require.Equal(t, "fake-index-bytes", string(f1.Payload))

	f2, err := fr.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, TypeDelta, f2.Type)
	require.Equal(t, "fake-delta-bytes", string(f2.Payload))

	_, err = fr.ReadFrame()
	require.ErrorIs(t, err, io.EOF)
}

func TestDeltaChunkStreamRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	sink := fw.DeltaChunkSink()
	_, err := sink.Write([]byte("first-piece-"))
	require.NoError(t, err)
	_, err = sink.Write([]byte("second-piece"))
	require.NoError(t, err)
	require.NoError(t, fw.WriteDeltaEnd())
	require.NoError(t, fw.WriteIndex([]byte("next-message")))

	fr := NewFrameReader(&buf)
	lead, err := fr.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, TypeDeltaChunk, lead.Type)

	src := NewDeltaChunkSource(fr, lead.Payload)
	got, err := io.ReadAll(src)
	require.NoError(t, err)
	require.Equal(t, "first-piece-second-piece", string(got))

	f, err := fr.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, TypeIndex, f.Type)
	require.Equal(t, "next-message", string(f.Payload))
}

func TestFrameRoundTripAck(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	want := Ack{FileID: 7, Outcome: OutcomeFailure, Reason: "unknown block"}
	require.NoError(t, fw.WriteAck(want))

	fr := NewFrameReader(&buf)
	f, err := fr.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, TypeAck, f.Type)

	got, err := DecodeAck(f.Payload)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestFrameReaderRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00})
	fr := NewFrameReader(buf)
	_, err := fr.ReadFrame()
	require.Error(t, err)
}

func TestFrameReaderRejectsTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	require.NoError(t, fw.WriteIndex([]byte("0123456789")))

	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-3])
	fr := NewFrameReader(truncated)
	_, err := fr.ReadFrame()
	require.Error(t, err)
}

func TestMultipleFramesInSequence(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	for i := 0; i < 5; i++ {
		require.NoError(t, fw.WriteAck(Ack{FileID: uint16(i), Outcome: OutcomeSuccess}))
	}

	fr := NewFrameReader(&buf)
	for i := 0; i < 5; i++ {
		f, err := fr.ReadFrame()
		require.NoError(t, err)
		a, err := DecodeAck(f.Payload)
		require.NoError(t, err)
		require.EqualValues(t, i, a.FileID)
	}
	_, err := fr.ReadFrame()
	require.ErrorIs(t, err, io.EOF)
}
