package wsitiles

import "context"

// GenericTiffReader serves tiles from a plain tiled, JPEG-compressed
// TIFF pyramid with no vendor-specific metadata. Tiles are expected to
// be complete JPEG streams; prepareTileJpeg is still invoked so a
// stream that turns out abbreviated fails with JpegMissingTables
// rather than a confusing downstream decode error.
type GenericTiffReader struct {
	r       RangeReader
	pyramid *TiffPyramid
	meta    map[string]string
}

func newGenericTiffReader(ctx context.Context, r RangeReader, h *TiffHeader, pyramid *TiffPyramid) (*GenericTiffReader, error) {
	meta := map[string]string{}
	ifds, err := readAllIfds(ctx, r, h)
	if err != nil {
		return nil, err
	}
	if len(ifds) > 0 {
		if err := resolutionFields(ctx, r, h, ifds[0], meta); err != nil {
			return nil, err
		}
	}
	return &GenericTiffReader{r: r, pyramid: pyramid, meta: meta}, nil
}

func (g *GenericTiffReader) FormatName() string { return "tiff" }

func (g *GenericTiffReader) Levels() []LevelInfo { return levelInfoFromPyramid(g.pyramid) }

func (g *GenericTiffReader) ReadTile(ctx context.Context, level, x, y int) ([]byte, error) {
	tile, err := fetchTileBytes(ctx, g.r, g.pyramid, level, x, y)
	if err != nil {
		return nil, err
	}
	return prepareTileJpeg(tile, nil)
}

func (g *GenericTiffReader) Metadata() map[string]string {
	return g.meta
}
