package wsitiles

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simpleLevel() fixtureLevel {
	tile := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	return fixtureLevel{
		width: 4, height: 4, tileWidth: 4, tileHeight: 2,
		compression: CompressionJPEG,
		tiles:       [][]byte{tile, tile},
	}
}

func TestParseTiffHeaderClassicLittleEndian(t *testing.T) {
	buf := buildTiff(t, fixtureOpts{order: binary.LittleEndian, levels: []fixtureLevel{simpleLevel()}})
	h, err := parseTiffHeader(context.Background(), NewMemRangeReader("t", buf))
	require.NoError(t, err)
	assert.False(t, h.BigTiff)
	assert.Equal(t, binary.LittleEndian, h.Order)
	assert.Equal(t, uint64(tiffHeaderSize), h.FirstIfdOffset)
}

func TestParseTiffHeaderClassicBigEndian(t *testing.T) {
	buf := buildTiff(t, fixtureOpts{order: binary.BigEndian, levels: []fixtureLevel{simpleLevel()}})
	h, err := parseTiffHeader(context.Background(), NewMemRangeReader("t", buf))
	require.NoError(t, err)
	assert.Equal(t, binary.BigEndian, h.Order)
}

func TestParseTiffHeaderBigTiff(t *testing.T) {
	buf := buildTiff(t, fixtureOpts{order: binary.LittleEndian, bigTiff: true, levels: []fixtureLevel{simpleLevel()}})
	h, err := parseTiffHeader(context.Background(), NewMemRangeReader("t", buf))
	require.NoError(t, err)
	assert.True(t, h.BigTiff)
	assert.Equal(t, uint64(bigTiffHeaderSize), h.FirstIfdOffset)
}

func TestParseTiffHeaderBadMagic(t *testing.T) {
	bad := []byte{0x00, 0x00, 42, 0, 8, 0, 0, 0}
	_, err := parseTiffHeader(context.Background(), NewMemRangeReader("t", bad))
	require.Error(t, err)
	var terr *TiffError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, TiffBadHeader, terr.Kind)
}

func TestParseTiffHeaderTruncated(t *testing.T) {
	_, err := parseTiffHeader(context.Background(), NewMemRangeReader("t", []byte{'I', 'I', 42, 0}))
	require.Error(t, err)
	var terr *TiffError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, TiffBadHeader, terr.Kind)
}

func TestReadAllIfdsWalksChain(t *testing.T) {
	lvl0 := simpleLevel()
	lvl1 := fixtureLevel{
		width: 2, height: 2, tileWidth: 2, tileHeight: 2,
		compression: CompressionJPEG,
		tiles:       [][]byte{{0x01, 0x02}},
	}
	buf := buildTiff(t, fixtureOpts{order: binary.LittleEndian, levels: []fixtureLevel{lvl0, lvl1}})
	h, err := parseTiffHeader(context.Background(), NewMemRangeReader("t", buf))
	require.NoError(t, err)

	ifds, err := readAllIfds(context.Background(), NewMemRangeReader("t", buf), h)
	require.NoError(t, err)
	require.Len(t, ifds, 2)
	assert.Equal(t, uint64(0), ifds[1].NextOffset)
}

func TestReadUint64ArrayInlineAndOffset(t *testing.T) {
	// A value fits inline when count*elemSize <= slot_size; otherwise the
	// slot holds an offset to the array. Here the single-LONG ImageWidth
	// is read from its inline slot and the 2-element LONG TileOffsets
	// array from the offset form used throughout the fixtures.
	lvl := simpleLevel()
	buf := buildTiff(t, fixtureOpts{order: binary.LittleEndian, levels: []fixtureLevel{lvl}})
	h, err := parseTiffHeader(context.Background(), NewMemRangeReader("t", buf))
	require.NoError(t, err)
	r := NewMemRangeReader("t", buf)
	ifds, err := readAllIfds(context.Background(), r, h)
	require.NoError(t, err)

	we, ok := ifds[0].get(TagImageWidth)
	require.True(t, ok)
	widths, err := readUint64Array(context.Background(), r, h, we)
	require.NoError(t, err)
	assert.Equal(t, []uint64{4}, widths)

	e, ok := ifds[0].get(TagTileOffsets)
	require.True(t, ok)
	vals, err := readUint64Array(context.Background(), r, h, e)
	require.NoError(t, err)
	assert.Len(t, vals, 2)
}

func TestReadRational(t *testing.T) {
	order := binary.LittleEndian
	data := make([]byte, 16)
	order.PutUint32(data[8:12], 300000) // numerator
	order.PutUint32(data[12:16], 10000) // denominator
	h := &TiffHeader{Order: order}

	slot := make([]byte, 4)
	order.PutUint32(slot, 8) // classic RATIONAL never fits inline; slot holds the offset
	e := IfdEntry{Tag: TagXResolution, Type: FieldRational, Count: 1, ValueSlot: slot}

	v, err := readRational(context.Background(), NewMemRangeReader("t", data), h, e)
	require.NoError(t, err)
	assert.InDelta(t, 30.0, v, 1e-9)

	e.Type = FieldLong
	_, err = readRational(context.Background(), NewMemRangeReader("t", data), h, e)
	require.Error(t, err)
}

func TestReadASCIIImageDescription(t *testing.T) {
	lvl := simpleLevel()
	buf := buildTiff(t, fixtureOpts{order: binary.LittleEndian, levels: []fixtureLevel{lvl}, imageDescription: "Aperio test|MPP=0.25"})
	h, err := parseTiffHeader(context.Background(), NewMemRangeReader("t", buf))
	require.NoError(t, err)
	r := NewMemRangeReader("t", buf)
	ifds, err := readAllIfds(context.Background(), r, h)
	require.NoError(t, err)
	e, ok := ifds[0].get(TagImageDescription)
	require.True(t, ok)
	desc, err := readASCII(context.Background(), r, h, e)
	require.NoError(t, err)
	assert.Equal(t, "Aperio test|MPP=0.25", desc)
}
