package wsitiles

import (
	"context"
	"strings"
)

// SvsMetadata holds the optional shared JPEGTables prefix and the
// key/value pairs parsed out of an Aperio ImageDescription string.
type SvsMetadata struct {
	JpegTables []byte
	Fields     map[string]string
}

// SvsReader serves tiles from an Aperio SVS pyramid, merging the
// shared JPEGTables prefix into each abbreviated tile stream.
type SvsReader struct {
	r       RangeReader
	pyramid *TiffPyramid
	meta    SvsMetadata
}

func newSvsReader(ctx context.Context, r RangeReader, h *TiffHeader, pyramid *TiffPyramid) (*SvsReader, error) {
	ifds, err := readAllIfds(ctx, r, h)
	if err != nil {
		return nil, err
	}

	meta := SvsMetadata{Fields: map[string]string{}}
	if len(ifds) > 0 {
		if descE, ok := ifds[0].get(TagImageDescription); ok {
			desc, err := readASCII(ctx, r, h, descE)
			if err != nil {
				return nil, err
			}
			meta.Fields = parseApeiroDescription(desc)
		}
		if err := resolutionFields(ctx, r, h, ifds[0], meta.Fields); err != nil {
			return nil, err
		}
		if tablesE, ok := ifds[0].get(TagJPEGTables); ok {
			tables, err := readRawBytes(ctx, r, h, tablesE)
			if err != nil {
				return nil, err
			}
			if len(tables) >= 4 && tables[0] == 0xFF && tables[1] == markerSOI &&
				tables[len(tables)-2] == 0xFF && tables[len(tables)-1] == markerEOI {
				meta.JpegTables = tables
			}
		}
	}

	return &SvsReader{r: r, pyramid: pyramid, meta: meta}, nil
}

// parseApeiroDescription extracts the pipe-separated `Key = Value`
// pairs Aperio writes after the free-text label line (MPP, AppMag,
// etc.), tolerating the absence of any.
func parseApeiroDescription(desc string) map[string]string {
	fields := map[string]string{}
	for _, part := range strings.Split(desc, "|") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		fields[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return fields
}

func (s *SvsReader) FormatName() string { return "svs" }

func (s *SvsReader) Levels() []LevelInfo { return levelInfoFromPyramid(s.pyramid) }

func (s *SvsReader) ReadTile(ctx context.Context, level, x, y int) ([]byte, error) {
	tile, err := fetchTileBytes(ctx, s.r, s.pyramid, level, x, y)
	if err != nil {
		return nil, err
	}
	return prepareTileJpeg(tile, s.meta.JpegTables)
}

func (s *SvsReader) Metadata() map[string]string {
	out := make(map[string]string, len(s.meta.Fields)+1)
	for k, v := range s.meta.Fields {
		out[k] = v
	}
	out["vendor"] = "Aperio"
	return out
}
