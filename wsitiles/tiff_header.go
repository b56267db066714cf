package wsitiles

import (
	"context"
	"encoding/binary"
)

const (
	// tiffHeaderSize is the classic 8-byte header.
	tiffHeaderSize = 8
	// bigTiffHeaderSize is the 16-byte BigTIFF header.
	bigTiffHeaderSize = 16

	tiffMagicLE = 0x4949 // "II"
	tiffMagicBE = 0x4D4D // "MM"

	tiffVersionClassic = 42
	tiffVersionBig     = 43

	classicEntrySize = 12 // tag(2) type(2) count(4) value(4)
	bigEntrySize     = 20 // tag(2) type(2) count(8) value(8)
)

// TiffHeader is the parsed result of reading a TIFF or BigTIFF header:
// byte order, container variant, and the offset of the first IFD.
type TiffHeader struct {
	Order          binary.ByteOrder
	BigTiff        bool
	FirstIfdOffset uint64
}

// parseTiffHeader reads the first 8 (classic) or 16 (BigTIFF) bytes of
// r and classifies byte order and container variant. Any mismatch is a
// TiffBadHeader error.
func parseTiffHeader(ctx context.Context, r RangeReader) (*TiffHeader, error) {
	probe, err := r.ReadExactAt(ctx, 0, bigTiffHeaderSize)
	if err != nil {
		// The file may be shorter than 16 bytes but still a valid
		// classic TIFF; retry with just the classic header size.
		ioErr, ok := err.(*IoError)
		if !ok || ioErr.Kind != IoRangeOutOfBounds {
			return nil, err
		}
		probe, err = r.ReadExactAt(ctx, 0, tiffHeaderSize)
		if err != nil {
			if ioErr, ok := err.(*IoError); ok && ioErr.Kind == IoRangeOutOfBounds {
				return nil, &TiffError{Kind: TiffBadHeader, Msg: "file shorter than TIFF header"}
			}
			return nil, err
		}
	}
	if len(probe) < tiffHeaderSize {
		return nil, &TiffError{Kind: TiffBadHeader, Msg: "file shorter than TIFF header"}
	}

	var order binary.ByteOrder
	switch uint16(probe[0])<<8 | uint16(probe[1]) {
	case tiffMagicLE:
		order = binary.LittleEndian
	case tiffMagicBE:
		order = binary.BigEndian
	default:
		return nil, &TiffError{Kind: TiffBadHeader, Msg: "bad byte-order marker"}
	}

	version := order.Uint16(probe[2:4])
	switch version {
	case tiffVersionClassic:
		firstIfd := uint64(order.Uint32(probe[4:8]))
		return &TiffHeader{Order: order, BigTiff: false, FirstIfdOffset: firstIfd}, nil
	case tiffVersionBig:
		if len(probe) < bigTiffHeaderSize {
			return nil, &TiffError{Kind: TiffBadHeader, Msg: "truncated BigTIFF header"}
		}
		offsetSize := order.Uint16(probe[4:6])
		reserved := order.Uint16(probe[6:8])
		if offsetSize != 8 || reserved != 0 {
			return nil, &TiffError{Kind: TiffBadHeader, Msg: "invalid BigTIFF offset_size/reserved"}
		}
		firstIfd := order.Uint64(probe[8:16])
		return &TiffHeader{Order: order, BigTiff: true, FirstIfdOffset: firstIfd}, nil
	default:
		return nil, &TiffError{Kind: TiffBadHeader, Msg: "unsupported TIFF version"}
	}
}

// IfdEntry is one (tag, type, count, value_or_offset) record from an
// IFD. ValueSlot holds the raw 4 (classic) or 8 (BigTIFF) byte value
// slot, which is either the value itself or a pointer to it.
type IfdEntry struct {
	Tag       TiffTag
	Type      FieldType
	Count     uint64
	ValueSlot []byte
}

func (e IfdEntry) slotSize(bigTiff bool) int64 {
	if bigTiff {
		return 8
	}
	return 4
}

// inline reports whether the entry's value fits entirely in its value
// slot (count x field_type_size <= slot_size).
func (e IfdEntry) inline(bigTiff bool) bool {
	total := int64(e.Count) * e.Type.byteSize()
	return total > 0 && total <= e.slotSize(bigTiff)
}

// Ifd is one parsed Image File Directory: its entries plus the offset
// of the next IFD (0 terminates the chain).
type Ifd struct {
	Entries    []IfdEntry
	NextOffset uint64
	Offset     uint64
}

func (d *Ifd) get(tag TiffTag) (IfdEntry, bool) {
	for _, e := range d.Entries {
		if e.Tag == tag {
			return e, true
		}
	}
	return IfdEntry{}, false
}

// readIfd parses one IFD at offset: entry count, that many fixed-size
// entries, then the next-IFD pointer.
func readIfd(ctx context.Context, r RangeReader, h *TiffHeader, offset uint64) (*Ifd, error) {
	if offset == 0 {
		return nil, &TiffError{Kind: TiffInvalidIfd, Msg: "zero IFD offset"}
	}

	countWidth := int64(2)
	if h.BigTiff {
		countWidth = 8
	}
	countBytes, err := r.ReadExactAt(ctx, int64(offset), countWidth)
	if err != nil {
		return nil, err
	}

	var count uint64
	if h.BigTiff {
		count = h.Order.Uint64(countBytes)
	} else {
		count = uint64(h.Order.Uint16(countBytes))
	}

	entrySize := int64(classicEntrySize)
	if h.BigTiff {
		entrySize = bigEntrySize
	}
	nextWidth := int64(4)
	if h.BigTiff {
		nextWidth = 8
	}

	tableStart := int64(offset) + countWidth
	tableLen := int64(count)*entrySize + nextWidth
	table, err := r.ReadExactAt(ctx, tableStart, tableLen)
	if err != nil {
		return nil, err
	}

	entries := make([]IfdEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		base := int64(i) * entrySize
		tag := TiffTag(h.Order.Uint16(table[base : base+2]))
		typ := FieldType(h.Order.Uint16(table[base+2 : base+4]))

		var entryCount uint64
		var valueSlot []byte
		if h.BigTiff {
			entryCount = h.Order.Uint64(table[base+4 : base+12])
			valueSlot = table[base+12 : base+20]
		} else {
			entryCount = uint64(h.Order.Uint32(table[base+4 : base+8]))
			valueSlot = table[base+8 : base+12]
		}

		entries = append(entries, IfdEntry{Tag: tag, Type: typ, Count: entryCount, ValueSlot: valueSlot})
	}

	var next uint64
	nextBase := int64(count) * entrySize
	if h.BigTiff {
		next = h.Order.Uint64(table[nextBase : nextBase+8])
	} else {
		next = uint64(h.Order.Uint32(table[nextBase : nextBase+4]))
	}

	return &Ifd{Entries: entries, NextOffset: next, Offset: offset}, nil
}

// readAllIfds walks the singly-linked IFD chain from the header's
// first-IFD offset until a zero terminator.
func readAllIfds(ctx context.Context, r RangeReader, h *TiffHeader) ([]*Ifd, error) {
	var ifds []*Ifd
	offset := h.FirstIfdOffset
	for offset != 0 {
		ifd, err := readIfd(ctx, r, h, offset)
		if err != nil {
			return nil, err
		}
		ifds = append(ifds, ifd)
		offset = ifd.NextOffset
	}
	return ifds, nil
}

// entryOffset decodes an entry's value slot as an unsigned offset
// pointer (used when the value doesn't fit inline).
func entryOffset(e IfdEntry, h *TiffHeader) uint64 {
	if h.BigTiff {
		return h.Order.Uint64(e.ValueSlot)
	}
	return uint64(h.Order.Uint32(e.ValueSlot))
}

// readUint64Array reads an entry's values as a []uint64, decoding
// SHORT/LONG/LONG8 per element. Arrays stored at an offset are fetched
// with a single range request over the whole array, never one element
// at a time.
func readUint64Array(ctx context.Context, r RangeReader, h *TiffHeader, e IfdEntry) ([]uint64, error) {
	elemSize := e.Type.byteSize()
	if elemSize == 0 {
		return nil, &TiffError{Kind: TiffInvalidIfd, Msg: "unsupported array field type"}
	}

	var raw []byte
	if e.inline(h.BigTiff) {
		raw = e.ValueSlot
	} else {
		offset := entryOffset(e, h)
		var err error
		raw, err = r.ReadExactAt(ctx, int64(offset), int64(e.Count)*elemSize)
		if err != nil {
			return nil, err
		}
	}

	out := make([]uint64, e.Count)
	for i := uint64(0); i < e.Count; i++ {
		off := int64(i) * elemSize
		chunk := raw[off : off+elemSize]
		switch e.Type {
		case FieldShort, FieldSShort:
			out[i] = uint64(h.Order.Uint16(chunk))
		case FieldLong, FieldSLong:
			out[i] = uint64(h.Order.Uint32(chunk))
		case FieldLong8, FieldSLong8, FieldIFD8:
			out[i] = h.Order.Uint64(chunk)
		default:
			return nil, &TiffError{Kind: TiffInvalidIfd, Msg: "unsupported array field type"}
		}
	}
	return out, nil
}

// readUint determines a single-valued entry's numeric value (used for
// tags like Compression, TileWidth, TileLength).
func readUint(ctx context.Context, r RangeReader, h *TiffHeader, e IfdEntry) (uint64, error) {
	vals, err := readUint64Array(ctx, r, h, e)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return 0, &TiffError{Kind: TiffInvalidIfd, Msg: "empty value"}
	}
	return vals[0], nil
}

// readASCII reads an ASCII-typed entry's value as a (NUL-trimmed) string.
func readASCII(ctx context.Context, r RangeReader, h *TiffHeader, e IfdEntry) (string, error) {
	if e.Type != FieldASCII {
		return "", &TiffError{Kind: TiffInvalidIfd, Msg: "not an ASCII field"}
	}

	var raw []byte
	if e.inline(h.BigTiff) {
		raw = e.ValueSlot[:e.Count]
	} else {
		offset := entryOffset(e, h)
		var err error
		raw, err = r.ReadExactAt(ctx, int64(offset), int64(e.Count))
		if err != nil {
			return "", err
		}
	}
	for i, b := range raw {
		if b == 0 {
			raw = raw[:i]
			break
		}
	}
	return string(raw), nil
}

// readRational reads a RATIONAL-typed entry's first value as a float:
// a numerator/denominator pair of LONGs. Inline only in BigTIFF, where
// the pair fits the 8-byte value slot.
func readRational(ctx context.Context, r RangeReader, h *TiffHeader, e IfdEntry) (float64, error) {
	if e.Type != FieldRational {
		return 0, &TiffError{Kind: TiffInvalidIfd, Msg: "not a RATIONAL field"}
	}

	var raw []byte
	if e.inline(h.BigTiff) {
		raw = e.ValueSlot[:8]
	} else {
		offset := entryOffset(e, h)
		var err error
		raw, err = r.ReadExactAt(ctx, int64(offset), 8)
		if err != nil {
			return 0, err
		}
	}
	num := h.Order.Uint32(raw[0:4])
	den := h.Order.Uint32(raw[4:8])
	if den == 0 {
		return 0, &TiffError{Kind: TiffInvalidIfd, Msg: "zero rational denominator"}
	}
	return float64(num) / float64(den), nil
}

// readRawBytes reads an entry's raw byte payload regardless of field
// type (used for the JPEGTables tag, which is UNDEFINED-typed bytes).
func readRawBytes(ctx context.Context, r RangeReader, h *TiffHeader, e IfdEntry) ([]byte, error) {
	elemSize := e.Type.byteSize()
	if elemSize == 0 {
		elemSize = 1
	}
	total := int64(e.Count) * elemSize

	if e.inline(h.BigTiff) {
		return append([]byte(nil), e.ValueSlot[:total]...), nil
	}
	offset := entryOffset(e, h)
	return r.ReadExactAt(ctx, int64(offset), total)
}
