package wireformat

import (
	"bytes"
	"io"
	"testing"

	"github.com/blockdelta/bsync/internal/block"
	"github.com/blockdelta/bsync/internal/delta"
	"github.com/stretchr/testify/require"
)

func TestDeltaRoundTripSingleFile(t *testing.T) {
	var buf bytes.Buffer
	dw, err := NewDeltaWriter(&buf, 8192, 0)
	require.NoError(t, err)
	require.NoError(t, dw.StartFile(""))

	instrs := []delta.Instruction{
		{Tag: delta.TagLiteral, Literal: []byte("hello")},
		{Tag: delta.TagKnown, Weak: 42, Strong: block.StrongHashOf([]byte("xyz"))},
		{Tag: delta.TagBackref, SrcFileID: 0, Offset: 3, Length: 7},
		{Tag: delta.TagEndfile, TotalSize: 15},
	}
	for _, i := range instrs {
		require.NoError(t, dw.Emit(i))
	}
	require.NoError(t, dw.Close())

	dr, err := NewDeltaReader(&buf)
	require.NoError(t, err)
	require.EqualValues(t, 8192, dr.BlockSize)
	require.EqualValues(t, 0, dr.NFiles)

	name, err := dr.NextFile()
	require.NoError(t, err)
	require.Equal(t, "", name)

	var got []delta.Instruction
	for {
		instr, err := dr.NextInstruction()
		require.NoError(t, err)
		got = append(got, instr)
		if instr.Tag == delta.TagEndfile {
			break
		}
	}
	require.Equal(t, instrs, got)

	_, err = dr.NextFile()
	require.ErrorIs(t, err, io.EOF)
}

func TestDeltaRoundTripMultiFile(t *testing.T) {
	var buf bytes.Buffer
	dw, err := NewDeltaWriter(&buf, 4096, 2)
	require.NoError(t, err)

	require.NoError(t, dw.StartFile("a.txt"))
	require.NoError(t, dw.Emit(delta.Instruction{Tag: delta.TagLiteral, Literal: []byte("AAAA")}))
	require.NoError(t, dw.Emit(delta.Instruction{Tag: delta.TagEndfile, TotalSize: 4}))

	require.NoError(t, dw.StartFile("b.txt"))
	require.NoError(t, dw.Emit(delta.Instruction{Tag: delta.TagBackref, SrcFileID: 0, Offset: 0, Length: 4}))
	require.NoError(t, dw.Emit(delta.Instruction{Tag: delta.TagEndfile, TotalSize: 4}))

	require.NoError(t, dw.Close())

	dr, err := NewDeltaReader(&buf)
	require.NoError(t, err)
	require.EqualValues(t, 2, dr.NFiles)

	name1, err := dr.NextFile()
	require.NoError(t, err)
	require.Equal(t, "a.txt", name1)
	for {
		instr, err := dr.NextInstruction()
		require.NoError(t, err)
		if instr.Tag == delta.TagEndfile {
			break
		}
	}

	name2, err := dr.NextFile()
	require.NoError(t, err)
	require.Equal(t, "b.txt", name2)
	var sawBackref bool
	for {
		instr, err := dr.NextInstruction()
		require.NoError(t, err)
		if instr.Tag == delta.TagBackref {
			sawBackref = true
		}
		if instr.Tag == delta.TagEndfile {
			break
		}
	}
	require.True(t, sawBackref)

	_, err = dr.NextFile()
	require.ErrorIs(t, err, io.EOF)
}

func TestDeltaWriterRejectsEmitBeforeStartFile(t *testing.T) {
	var buf bytes.Buffer
	dw, err := NewDeltaWriter(&buf, 8192, 0)
	require.NoError(t, err)
	err = dw.Emit(delta.Instruction{Tag: delta.TagEndfile, TotalSize: 0})
	require.Error(t, err)
}

func TestDeltaWriterRejectsCloseMidFile(t *testing.T) {
	var buf bytes.Buffer
	dw, err := NewDeltaWriter(&buf, 8192, 0)
	require.NoError(t, err)
	require.NoError(t, dw.StartFile(""))
	err = dw.Close()
	require.Error(t, err)
}

func TestDeltaReaderRejectsBadMagic(t *testing.T) {
	_, err := NewDeltaReader(bytes.NewReader([]byte("NOTADELTA-HEADER-TOO")))
	require.Error(t, err)
}

func TestDeltaReaderRejectsOldVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(deltaMagic)
	buf.Write([]byte{0x00, 0x01}) // old, pre-length-field version
	_, err := NewDeltaReader(&buf)
	require.Error(t, err)
}
