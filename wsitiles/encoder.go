package wsitiles

import (
	"bytes"
	"image"
	"image/jpeg"
)

// SourceCodec identifies the compression of a source tile.
type SourceCodec int

const (
	CodecUnknown SourceCodec = iota
	CodecJPEG
	CodecJPEG2000
)

var (
	jp2CodestreamMagic = []byte{0xFF, 0x4F, 0xFF, 0x51}
	jp2BoxMagic        = []byte{0x6A, 0x50, 0x20, 0x20} // "jP  " signature box
)

// sniffCodec inspects the first bytes of a source tile to classify
// its compression. JPEG 2000 appears either as a raw codestream or as
// a JP2 box container, whose signature box type sits at offset 4 after
// the box length.
func sniffCodec(data []byte) SourceCodec {
	if len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return CodecJPEG
	}
	if len(data) >= 4 && bytes.Equal(data[:4], jp2CodestreamMagic) {
		return CodecJPEG2000
	}
	if len(data) >= 4 && bytes.Equal(data[:4], jp2BoxMagic) {
		return CodecJPEG2000
	}
	if len(data) >= 8 && bytes.Equal(data[4:8], jp2BoxMagic) {
		return CodecJPEG2000
	}
	return CodecUnknown
}

// decodeSourceTile decodes a source tile to an image.Image, dispatched
// by sniffed codec.
func decodeSourceTile(data []byte) (image.Image, error) {
	switch sniffCodec(data) {
	case CodecJPEG:
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, &TileError{Kind: TileDecode, Msg: err.Error()}
		}
		return img, nil
	case CodecJPEG2000:
		// The retrieval pack carries only a fragment of a JPEG2000
		// codec (a Tier-1 EBCOT entropy decoder with no tag-tree,
		// wavelet, or tile-part stage around it), not enough to
		// assemble a correct decoder. Rather than ship a decoder that
		// silently produces wrong pixels for some inputs, JPEG2000
		// source tiles are reported as an explicit decode failure.
		return nil, &TileError{Kind: TileDecode, Msg: "JPEG2000 source tile decoding is not supported"}
	default:
		return nil, &TileError{Kind: TileUnknownCodec}
	}
}

// clampQuality clamps a requested JPEG quality into [1, 100],
// defaulting to the configured default when q is 0.
func clampQuality(q, def int) int {
	if q == 0 {
		q = def
	}
	if q < 1 {
		return 1
	}
	if q > 100 {
		return 100
	}
	return q
}

// encodeTileJpeg encodes img as a JPEG at the given quality.
func encodeTileJpeg(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, &TileError{Kind: TileEncode, Msg: err.Error()}
	}
	return buf.Bytes(), nil
}
