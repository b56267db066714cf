package wsitiles

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/require"
)

// fixtureLevel describes one pyramid level to embed in a synthetic
// TIFF/BigTIFF built by buildTiff. Tiles are supplied pre-encoded
// (real JPEG bytes from encodeFixtureJPEG, or nil for an empty tile).
type fixtureLevel struct {
	width, height, tileWidth, tileHeight uint64
	compression                          uint64
	tiles                                [][]byte // row-major, len == tilesX*tilesY
}

type fixtureOpts struct {
	order            binary.ByteOrder
	bigTiff          bool
	levels           []fixtureLevel
	imageDescription string
	jpegTables       []byte
}

// encodeFixtureJPEG renders a solid-color RGBA image of size w x h and
// JPEG-encodes it, giving tests a real decodable source tile rather
// than a hand-rolled byte literal.
func encodeFixtureJPEG(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

// splitJpegForAbbreviation splits a complete JPEG stream into a shared
// JPEGTables prefix (SOI..last-marker-before-SOS, then EOI) and an
// abbreviated tile stream (SOI + SOS-onward), the same split Aperio
// performs across tiles of one level.
func splitJpegForAbbreviation(t *testing.T, full []byte) (tables, tile []byte) {
	t.Helper()
	sosPos := -1
	for i := 2; i+1 < len(full); i++ {
		if full[i] != 0xFF {
			continue
		}
		m := full[i+1]
		if m == 0x00 || m == 0xFF {
			continue
		}
		if m == markerSOS {
			sosPos = i
			break
		}
	}
	require.Greater(t, sosPos, 0, "no SOS marker found in fixture JPEG")

	tables = append([]byte{}, full[:sosPos]...)
	tables = append(tables, 0xFF, markerEOI)

	tile = append([]byte{0xFF, markerSOI}, full[sosPos:]...)
	return tables, tile
}

func ceilDivInt(a, b uint64) uint64 { return ceilDiv(a, b) }

// buildTiff serializes opts into a standalone TIFF/BigTIFF byte
// buffer: header, one IFD per level, then the out-of-line
// arrays/strings, then tile data.
func buildTiff(t *testing.T, opts fixtureOpts) []byte {
	t.Helper()
	order := opts.order
	bigTiff := opts.bigTiff

	headerSize := int64(tiffHeaderSize)
	countWidth := int64(2)
	entrySize := int64(classicEntrySize)
	nextWidth := int64(4)
	slotSize := int64(4)
	if bigTiff {
		headerSize = bigTiffHeaderSize
		countWidth = 8
		entrySize = bigEntrySize
		nextWidth = 8
		slotSize = 8
	}

	type plannedEntry struct {
		tag       TiffTag
		typ       FieldType
		count     uint64
		inlineVal uint64 // used when inline and numeric
		inline    bool
		dataOff   int64 // resolved later for offset-based entries
		dataLen   int64
	}

	type levelPlan struct {
		entries            []plannedEntry
		tilesX, tilesY     uint64
		descOff, descLen   int64
		tablesOff, tablesL int64
		toOff, tbcOff      int64
		toLen, tbcLen      int64
		tileOffOffsets     []int64 // file offsets assigned to each tile
		tileLens           []int64
	}

	plans := make([]levelPlan, len(opts.levels))
	ifdSizes := make([]int64, len(opts.levels))

	arrayElemSize := int64(4)
	arrayType := FieldLong
	if bigTiff {
		arrayElemSize = 8
		arrayType = FieldLong8
	}

	for i, lvl := range opts.levels {
		tilesX := ceilDivInt(lvl.width, lvl.tileWidth)
		tilesY := ceilDivInt(lvl.height, lvl.tileHeight)
		require.Equal(t, int(tilesX*tilesY), len(lvl.tiles), "level %d: tile count mismatch", i)

		var entries []plannedEntry
		entries = append(entries, plannedEntry{tag: TagImageWidth, typ: FieldLong, count: 1, inlineVal: lvl.width, inline: true})
		entries = append(entries, plannedEntry{tag: TagImageLength, typ: FieldLong, count: 1, inlineVal: lvl.height, inline: true})
		entries = append(entries, plannedEntry{tag: TagCompression, typ: FieldShort, count: 1, inlineVal: lvl.compression, inline: true})
		if i == 0 && opts.imageDescription != "" {
			entries = append(entries, plannedEntry{tag: TagImageDescription, typ: FieldASCII, count: uint64(len(opts.imageDescription) + 1)})
		}
		entries = append(entries, plannedEntry{tag: TagTileWidth, typ: FieldLong, count: 1, inlineVal: lvl.tileWidth, inline: true})
		entries = append(entries, plannedEntry{tag: TagTileLength, typ: FieldLong, count: 1, inlineVal: lvl.tileHeight, inline: true})
		entries = append(entries, plannedEntry{tag: TagTileOffsets, typ: arrayType, count: tilesX * tilesY})
		entries = append(entries, plannedEntry{tag: TagTileByteCounts, typ: arrayType, count: tilesX * tilesY})
		if i == 0 && opts.jpegTables != nil {
			entries = append(entries, plannedEntry{tag: TagJPEGTables, typ: FieldUndefined, count: uint64(len(opts.jpegTables))})
		}

		plans[i] = levelPlan{entries: entries, tilesX: tilesX, tilesY: tilesY}
		ifdSizes[i] = countWidth + int64(len(entries))*entrySize + nextWidth
	}

	ifdOffsets := make([]int64, len(opts.levels))
	cursor := headerSize
	for i := range opts.levels {
		ifdOffsets[i] = cursor
		cursor += ifdSizes[i]
	}

	// Lay out extra (out-of-line) data: description, jpegTables, then
	// tile-offset/byte-count arrays, per level.
	for i, lvl := range opts.levels {
		p := &plans[i]
		if i == 0 && opts.imageDescription != "" {
			p.descOff = cursor
			p.descLen = int64(len(opts.imageDescription) + 1)
			cursor += p.descLen
		}
		if i == 0 && opts.jpegTables != nil {
			p.tablesOff = cursor
			p.tablesL = int64(len(opts.jpegTables))
			cursor += p.tablesL
		}
		n := int64(p.tilesX * p.tilesY)
		p.toOff = cursor
		p.toLen = n * arrayElemSize
		cursor += p.toLen
		p.tbcOff = cursor
		p.tbcLen = n * arrayElemSize
		cursor += p.tbcLen
		_ = lvl
	}

	// Lay out tile data.
	for i, lvl := range opts.levels {
		p := &plans[i]
		p.tileOffOffsets = make([]int64, len(lvl.tiles))
		p.tileLens = make([]int64, len(lvl.tiles))
		for ti, data := range lvl.tiles {
			if len(data) == 0 {
				p.tileOffOffsets[ti] = cursor
				p.tileLens[ti] = 0
				continue
			}
			p.tileOffOffsets[ti] = cursor
			p.tileLens[ti] = int64(len(data))
			cursor += int64(len(data))
		}
	}

	buf := make([]byte, cursor)

	// Header.
	if order == binary.LittleEndian {
		buf[0], buf[1] = 'I', 'I'
	} else {
		buf[0], buf[1] = 'M', 'M'
	}
	if bigTiff {
		order.PutUint16(buf[2:4], tiffVersionBig)
		order.PutUint16(buf[4:6], 8)
		order.PutUint16(buf[6:8], 0)
		order.PutUint64(buf[8:16], uint64(ifdOffsets[0]))
	} else {
		order.PutUint16(buf[2:4], tiffVersionClassic)
		order.PutUint32(buf[4:8], uint32(ifdOffsets[0]))
	}

	putInlineSlot := func(slot []byte, val uint64, typ FieldType) {
		switch typ {
		case FieldShort:
			order.PutUint16(slot[0:2], uint16(val))
		case FieldLong:
			order.PutUint32(slot[0:4], uint32(val))
		default:
			order.PutUint32(slot[0:4], uint32(val))
		}
	}

	writeOffsetOrInline := func(slot []byte, e plannedEntry) {
		if e.inline {
			putInlineSlot(slot, e.inlineVal, e.typ)
			return
		}
		var off int64
		switch e.tag {
		case TagImageDescription:
			off = plans[0].descOff
		case TagJPEGTables:
			off = plans[0].tablesOff
		}
		if bigTiff {
			order.PutUint64(slot, uint64(off))
		} else {
			order.PutUint32(slot, uint32(off))
		}
	}

	for i := range opts.levels {
		p := &plans[i]
		off := ifdOffsets[i]
		if bigTiff {
			order.PutUint64(buf[off:off+8], uint64(len(p.entries)))
		} else {
			order.PutUint16(buf[off:off+2], uint16(len(p.entries)))
		}
		entryBase := off + countWidth

		for ei, e := range p.entries {
			base := entryBase + int64(ei)*entrySize
			order.PutUint16(buf[base:base+2], uint16(e.tag))
			order.PutUint16(buf[base+2:base+4], uint16(e.typ))
			if bigTiff {
				order.PutUint64(buf[base+4:base+12], e.count)
			} else {
				order.PutUint32(buf[base+4:base+8], uint32(e.count))
			}
			slot := buf[base+entrySize-slotSize : base+entrySize]

			switch e.tag {
			case TagTileOffsets:
				if bigTiff {
					order.PutUint64(slot, uint64(p.toOff))
				} else {
					order.PutUint32(slot, uint32(p.toOff))
				}
			case TagTileByteCounts:
				if bigTiff {
					order.PutUint64(slot, uint64(p.tbcOff))
				} else {
					order.PutUint32(slot, uint32(p.tbcOff))
				}
			default:
				writeOffsetOrInline(slot, e)
			}
		}

		nextOff := entryBase + int64(len(p.entries))*entrySize
		var next uint64
		if i+1 < len(opts.levels) {
			next = uint64(ifdOffsets[i+1])
		}
		if bigTiff {
			order.PutUint64(buf[nextOff:nextOff+8], next)
		} else {
			order.PutUint32(buf[nextOff:nextOff+4], uint32(next))
		}
	}

	if opts.imageDescription != "" {
		p := &plans[0]
		copy(buf[p.descOff:p.descOff+p.descLen-1], opts.imageDescription)
		buf[p.descOff+p.descLen-1] = 0
	}
	if opts.jpegTables != nil {
		p := &plans[0]
		copy(buf[p.tablesOff:p.tablesOff+p.tablesL], opts.jpegTables)
	}

	for i, lvl := range opts.levels {
		p := &plans[i]
		for ti := range lvl.tiles {
			elemOff := p.toOff + int64(ti)*arrayElemSize
			lenOff := p.tbcOff + int64(ti)*arrayElemSize
			if bigTiff {
				order.PutUint64(buf[elemOff:elemOff+8], uint64(p.tileOffOffsets[ti]))
				order.PutUint64(buf[lenOff:lenOff+8], uint64(p.tileLens[ti]))
			} else {
				order.PutUint32(buf[elemOff:elemOff+4], uint32(p.tileOffOffsets[ti]))
				order.PutUint32(buf[lenOff:lenOff+4], uint32(p.tileLens[ti]))
			}
		}
		for ti, data := range lvl.tiles {
			if len(data) == 0 {
				continue
			}
			off := p.tileOffOffsets[ti]
			copy(buf[off:off+int64(len(data))], data)
		}
	}

	return buf
}
