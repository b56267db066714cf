package wsitiles

import (
	"context"
	"strconv"
	"strings"
)

// LevelInfo is the uniform per-level view exposed by SlideReader.
type LevelInfo struct {
	Width      uint64
	Height     uint64
	TileWidth  uint64
	TileHeight uint64
	TilesX     uint64
	TilesY     uint64
	Downsample float64
}

// SlideReader is the uniform per-format capability the tile service
// drives. Implementations are SvsReader and GenericTiffReader.
type SlideReader interface {
	FormatName() string
	Levels() []LevelInfo
	ReadTile(ctx context.Context, level, x, y int) ([]byte, error)
	Metadata() map[string]string
}

// detectedFormat is the outcome of sniffing a candidate slide object.
type detectedFormat int

const (
	formatUnknown detectedFormat = iota
	formatGenericTiff
	formatSVS
)

// detectFormat reads the TIFF header and the first IFD's
// ImageDescription to classify the object. Non-TIFF magic is a
// FormatError; magic-but-unparseable headers surface as TiffError.
func detectFormat(ctx context.Context, r RangeReader) (detectedFormat, *TiffHeader, error) {
	header, err := parseTiffHeader(ctx, r)
	if err != nil {
		if _, ok := err.(*TiffError); ok {
			if magic, merr := r.ReadExactAt(ctx, 0, 4); merr == nil {
				switch string(magic) {
				case "II*\x00", "MM\x00*", "II+\x00", "MM\x00+":
					return formatUnknown, nil, err
				}
			}
			return formatUnknown, nil, &FormatError{Kind: FormatNotTiff, Name: r.Identifier()}
		}
		return formatUnknown, nil, err
	}

	ifds, err := readAllIfds(ctx, r, header)
	if err != nil {
		return formatUnknown, nil, err
	}
	if len(ifds) == 0 {
		return formatUnknown, nil, &TiffError{Kind: TiffInvalidIfd, Msg: "no IFDs"}
	}

	descE, ok := ifds[0].get(TagImageDescription)
	if ok {
		desc, err := readASCII(ctx, r, header, descE)
		if err != nil {
			return formatUnknown, nil, err
		}
		if strings.Contains(desc, "Aperio") {
			return formatSVS, header, nil
		}
	}
	return formatGenericTiff, header, nil
}

// openSlideReader constructs the appropriate SlideReader for r,
// wrapping its IFD chain into a TiffPyramid first.
func openSlideReader(ctx context.Context, r RangeReader) (SlideReader, error) {
	format, header, err := detectFormat(ctx, r)
	if err != nil {
		return nil, err
	}

	pyramid, err := buildPyramid(ctx, r, header)
	if err != nil {
		return nil, err
	}

	switch format {
	case formatSVS:
		return newSvsReader(ctx, r, header, pyramid)
	case formatGenericTiff:
		return newGenericTiffReader(ctx, r, header, pyramid)
	default:
		return nil, &FormatError{Kind: FormatUnsupported, Name: r.Identifier()}
	}
}

// resolutionFields reads the optional X/YResolution rationals of ifd
// into printable metadata values.
func resolutionFields(ctx context.Context, r RangeReader, h *TiffHeader, ifd *Ifd, out map[string]string) error {
	for _, res := range []struct {
		tag TiffTag
		key string
	}{
		{TagXResolution, "XResolution"},
		{TagYResolution, "YResolution"},
	} {
		e, ok := ifd.get(res.tag)
		if !ok {
			continue
		}
		v, err := readRational(ctx, r, h, e)
		if err != nil {
			return err
		}
		out[res.key] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return nil
}

func levelInfoFromPyramid(p *TiffPyramid) []LevelInfo {
	out := make([]LevelInfo, len(p.Levels))
	for i, l := range p.Levels {
		out[i] = LevelInfo{
			Width:      l.Width,
			Height:     l.Height,
			TileWidth:  l.TileWidth,
			TileHeight: l.TileHeight,
			TilesX:     l.TilesX,
			TilesY:     l.TilesY,
			Downsample: p.Downsample(i),
		}
	}
	return out
}

func fetchTileBytes(ctx context.Context, r RangeReader, p *TiffPyramid, level, x, y int) ([]byte, error) {
	offset, length, err := p.TileRange(level, x, y)
	if err != nil {
		return nil, err
	}
	return r.ReadExactAt(ctx, int64(offset), int64(length))
}
