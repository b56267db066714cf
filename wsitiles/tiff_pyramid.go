package wsitiles

import (
	"context"
	"sort"
)

// aspectRatioTolerance bounds how far a candidate level's aspect ratio
// may diverge from level 0 before it is rejected as a label/macro/
// thumbnail IFD.
const aspectRatioTolerance = 0.10

// PyramidLevel is one accepted resolution level of a tiled, JPEG-
// compressed TIFF IFD.
type PyramidLevel struct {
	Width          uint64
	Height         uint64
	TileWidth      uint64
	TileHeight     uint64
	TilesX         uint64
	TilesY         uint64
	Compression    uint64
	TileOffsets    []uint64
	TileByteCounts []uint64

	ifdOrder int // position in the file's IFD chain, for deterministic tie-break
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// levelFromIfd builds a PyramidLevel candidate from one IFD, returning
// ok=false (not an error) when the IFD lacks the tags a tiled pyramid
// level requires -- such IFDs are simply not candidates. A strip-
// organized IFD (StripOffsets/StripByteCounts instead of tile tags) or
// a tiled IFD whose compression is not JPEG returns a TiffError instead.
func levelFromIfd(ctx context.Context, r RangeReader, h *TiffHeader, ifd *Ifd, order int) (PyramidLevel, bool, error) {
	widthE, ok := ifd.get(TagImageWidth)
	if !ok {
		return PyramidLevel{}, false, nil
	}
	heightE, ok := ifd.get(TagImageLength)
	if !ok {
		return PyramidLevel{}, false, nil
	}
	twE, twOk := ifd.get(TagTileWidth)
	thE, thOk := ifd.get(TagTileLength)
	toE, toOk := ifd.get(TagTileOffsets)
	tbcE, tbcOk := ifd.get(TagTileByteCounts)
	if !twOk || !thOk || !toOk || !tbcOk {
		if _, stripped := ifd.get(TagStripOffsets); stripped {
			return PyramidLevel{}, false, &TiffError{Kind: TiffStripBasedNotSupported}
		}
		if _, stripped := ifd.get(TagStripByteCounts); stripped {
			return PyramidLevel{}, false, &TiffError{Kind: TiffStripBasedNotSupported}
		}
		return PyramidLevel{}, false, nil
	}
	compE, ok := ifd.get(TagCompression)
	if !ok {
		return PyramidLevel{}, false, nil
	}

	compression, err := readUint(ctx, r, h, compE)
	if err != nil {
		return PyramidLevel{}, false, err
	}
	if compression != CompressionJPEG {
		return PyramidLevel{}, false, &TiffError{Kind: TiffUnsupportedCompression, Code: uint16(compression)}
	}

	width, err := readUint(ctx, r, h, widthE)
	if err != nil {
		return PyramidLevel{}, false, err
	}
	height, err := readUint(ctx, r, h, heightE)
	if err != nil {
		return PyramidLevel{}, false, err
	}
	tileWidth, err := readUint(ctx, r, h, twE)
	if err != nil {
		return PyramidLevel{}, false, err
	}
	tileHeight, err := readUint(ctx, r, h, thE)
	if err != nil {
		return PyramidLevel{}, false, err
	}

	tilesX := ceilDiv(width, tileWidth)
	tilesY := ceilDiv(height, tileHeight)
	expected := tilesX * tilesY

	// TileOffsets/TileByteCounts are the largest arrays a pyramid level
	// carries; each is fetched with exactly one range request.
	offsets, err := readUint64Array(ctx, r, h, toE)
	if err != nil {
		return PyramidLevel{}, false, err
	}
	counts, err := readUint64Array(ctx, r, h, tbcE)
	if err != nil {
		return PyramidLevel{}, false, err
	}
	if uint64(len(offsets)) != uint64(len(counts)) || uint64(len(offsets)) != expected {
		return PyramidLevel{}, false, &TiffError{Kind: TiffInvalidIfd, Msg: "tile array length mismatch"}
	}

	return PyramidLevel{
		Width:          width,
		Height:         height,
		TileWidth:      tileWidth,
		TileHeight:     tileHeight,
		TilesX:         tilesX,
		TilesY:         tilesY,
		Compression:    compression,
		TileOffsets:    offsets,
		TileByteCounts: counts,
		ifdOrder:       order,
	}, true, nil
}

func area(l PyramidLevel) uint64 { return l.Width * l.Height }

func aspectRatio(l PyramidLevel) float64 {
	return float64(l.Width) / float64(l.Height)
}

// TiffPyramid is the ordered sequence of accepted pyramid levels for
// one TIFF/BigTIFF/SVS object, level 0 the highest resolution.
type TiffPyramid struct {
	Header *TiffHeader
	Levels []PyramidLevel
}

// buildPyramid scans every IFD in the file, keeps only tiled
// JPEG-compressed candidates, and applies the non-pyramid rejection
// heuristics: strictly-decreasing dimensions, aspect
// ratio tolerance against level 0, and rejection of levels much
// smaller than the smallest retained level. Ties are broken
// deterministically by descending area, then by IFD file order.
func buildPyramid(ctx context.Context, r RangeReader, h *TiffHeader) (*TiffPyramid, error) {
	ifds, err := readAllIfds(ctx, r, h)
	if err != nil {
		return nil, err
	}

	var candidates []PyramidLevel
	var structuralErr error
	for i, ifd := range ifds {
		level, ok, err := levelFromIfd(ctx, r, h, ifd, i)
		if err != nil {
			// A strip-organized or non-JPEG-compressed IFD doesn't
			// necessarily doom the whole file -- Aperio label/macro/
			// thumbnail IFDs are often strip-based alongside a tiled
			// JPEG pyramid. Remember the first such failure and only
			// surface it if no pyramid candidate survives at all.
			if tiffErr, ok := err.(*TiffError); ok &&
				(tiffErr.Kind == TiffStripBasedNotSupported || tiffErr.Kind == TiffUnsupportedCompression) {
				if structuralErr == nil {
					structuralErr = err
				}
				continue
			}
			return nil, err
		}
		if ok {
			candidates = append(candidates, level)
		}
	}
	if len(candidates) == 0 {
		if structuralErr != nil {
			return nil, structuralErr
		}
		return nil, &TiffError{Kind: TiffMissingTag, Msg: "no tiled JPEG-compressed IFD found"}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ai, aj := area(candidates[i]), area(candidates[j])
		if ai != aj {
			return ai > aj
		}
		return candidates[i].ifdOrder < candidates[j].ifdOrder
	})

	base := candidates[0]
	var accepted []PyramidLevel
	accepted = append(accepted, base)

	for _, cand := range candidates[1:] {
		last := accepted[len(accepted)-1]

		if cand.Width >= last.Width || cand.Height >= last.Height {
			continue // breaks strictly-decreasing order
		}

		baseRatio := aspectRatio(base)
		candRatio := aspectRatio(cand)
		diff := candRatio - baseRatio
		if diff < 0 {
			diff = -diff
		}
		if diff > baseRatio*aspectRatioTolerance {
			continue // aspect ratio diverges from level 0
		}

		// A step far beyond the usual 2x-4x downsample between adjacent
		// levels marks a thumbnail rather than a genuine pyramid level.
		if last.Width > 0 && float64(last.Width)/float64(cand.Width) > 8 {
			continue
		}

		accepted = append(accepted, cand)
	}

	return &TiffPyramid{Header: h, Levels: accepted}, nil
}

// Downsample returns width(0)/width(k) as a float.
func (p *TiffPyramid) Downsample(level int) float64 {
	return float64(p.Levels[0].Width) / float64(p.Levels[level].Width)
}

// TileRange returns the byte range of tile (x, y) at level.
func (p *TiffPyramid) TileRange(level, x, y int) (offset, length uint64, err error) {
	if level < 0 || level >= len(p.Levels) {
		return 0, 0, &TiffError{Kind: TiffTileOutOfRange, Msg: "level out of range"}
	}
	lvl := p.Levels[level]
	if x < 0 || y < 0 || uint64(x) >= lvl.TilesX || uint64(y) >= lvl.TilesY {
		return 0, 0, &TiffError{Kind: TiffTileOutOfRange, Msg: "tile coordinates out of range"}
	}
	idx := uint64(y)*lvl.TilesX + uint64(x)
	count := lvl.TileByteCounts[idx]
	if count == 0 {
		return 0, 0, &TiffError{Kind: TiffEmptyTile, Msg: "zero-length tile"}
	}
	return lvl.TileOffsets[idx], count, nil
}
