package wsitiles

import "bytes"

const (
	markerSOI = 0xD8
	markerDQT = 0xDB
	markerSOS = 0xDA
	markerEOI = 0xD9
)

// isCompleteStream reports whether data is a complete JPEG stream:
// starts SOI and carries a DQT marker before the first SOS. SVS tile
// data that relies on an external JPEGTables prefix fails this check.
func isCompleteStream(data []byte) bool {
	if !startsSOI(data) {
		return false
	}
	return markerBefore(data, markerDQT, markerSOS)
}

// isAbbreviatedStream reports whether data starts SOI but lacks DQT
// before the first SOS.
func isAbbreviatedStream(data []byte) bool {
	if !startsSOI(data) {
		return false
	}
	return !markerBefore(data, markerDQT, markerSOS)
}

func startsSOI(data []byte) bool {
	return len(data) >= 2 && data[0] == 0xFF && data[1] == markerSOI
}

// markerBefore scans JPEG markers from the start of data and reports
// whether `want` appears before the first occurrence of `stopAt`.
func markerBefore(data []byte, want, stopAt byte) bool {
	for i := 0; i+1 < len(data); i++ {
		if data[i] != 0xFF {
			continue
		}
		marker := data[i+1]
		if marker == 0x00 || marker == 0xFF {
			continue // byte-stuffing / fill bytes, not a real marker
		}
		if marker == want {
			return true
		}
		if marker == stopAt {
			return false
		}
	}
	return false
}

// mergeJpegTables concatenates a shared JPEGTables prefix with an
// abbreviated tile stream: the tables' trailing EOI is
// stripped, the tile's leading SOI is stripped, and a trailing EOI is
// appended to the tile portion if it's missing one.
func mergeJpegTables(tables, tile []byte) ([]byte, error) {
	if len(tables) < 4 || tables[0] != 0xFF || tables[1] != markerSOI {
		return nil, &JpegError{Kind: JpegMalformedStream, Msg: "tables do not start with SOI"}
	}
	if tables[len(tables)-2] != 0xFF || tables[len(tables)-1] != markerEOI {
		return nil, &JpegError{Kind: JpegMalformedStream, Msg: "tables do not end with EOI"}
	}
	if len(tile) < 2 || tile[0] != 0xFF || tile[1] != markerSOI {
		return nil, &JpegError{Kind: JpegMalformedStream, Msg: "tile does not start with SOI"}
	}

	out := make([]byte, 0, len(tables)+len(tile))
	out = append(out, tables[:len(tables)-2]...)
	out = append(out, tile[2:]...)

	if !bytes.HasSuffix(out, []byte{0xFF, markerEOI}) {
		out = append(out, 0xFF, markerEOI)
	}
	return out, nil
}

// prepareTileJpeg returns tile as a complete JPEG stream, merging the
// optional shared tables when tile is abbreviated.
func prepareTileJpeg(tile, tables []byte) ([]byte, error) {
	if isCompleteStream(tile) {
		return tile, nil
	}
	if tables == nil {
		return nil, &JpegError{Kind: JpegMissingTables}
	}
	return mergeJpegTables(tables, tile)
}
