package wsitiles

import (
	"errors"
	"fmt"
)

// IoErrorKind classifies failures reading bytes from remote storage.
type IoErrorKind int

const (
	IoUnknown IoErrorKind = iota
	IoNotFound
	IoRangeOutOfBounds
	IoConnection
	IoS3
)

// IoError wraps a failure from a RangeReader.
type IoError struct {
	Kind      IoErrorKind
	Offset    uint64
	Requested uint64
	Size      uint64
	Detail    string
	Err       error
}

func (e *IoError) Error() string {
	switch e.Kind {
	case IoNotFound:
		return fmt.Sprintf("object not found: %s", e.Detail)
	case IoRangeOutOfBounds:
		return fmt.Sprintf("range out of bounds: requested %d bytes at offset %d, size is %d", e.Requested, e.Offset, e.Size)
	case IoConnection:
		return fmt.Sprintf("connection error: %s", e.Detail)
	case IoS3:
		return fmt.Sprintf("s3 error: %s", e.Detail)
	default:
		return fmt.Sprintf("io error: %s", e.Detail)
	}
}

func (e *IoError) Unwrap() error { return e.Err }

func newNotFoundError(key string, cause error) *IoError {
	return &IoError{Kind: IoNotFound, Detail: key, Err: cause}
}

func newRangeOutOfBoundsError(offset, requested, size uint64) *IoError {
	return &IoError{Kind: IoRangeOutOfBounds, Offset: offset, Requested: requested, Size: size}
}

func newConnectionError(detail string, cause error) *IoError {
	return &IoError{Kind: IoConnection, Detail: detail, Err: cause}
}

func newS3Error(detail string, cause error) *IoError {
	return &IoError{Kind: IoS3, Detail: detail, Err: cause}
}

// FormatErrorKind classifies slide-container-level failures.
type FormatErrorKind int

const (
	FormatUnsupported FormatErrorKind = iota
	FormatNotTiff
)

// FormatError is returned when a slide's container format can't be served.
type FormatError struct {
	Kind FormatErrorKind
	Name string
}

func (e *FormatError) Error() string {
	switch e.Kind {
	case FormatNotTiff:
		return "not a TIFF file"
	default:
		return fmt.Sprintf("unsupported format: %s", e.Name)
	}
}

// TiffErrorKind classifies TIFF/BigTIFF structural failures.
type TiffErrorKind int

const (
	TiffBadHeader TiffErrorKind = iota
	TiffUnsupportedCompression
	TiffMissingTag
	TiffInvalidIfd
	TiffTileOutOfRange
	TiffEmptyTile
	TiffStripBasedNotSupported
)

// TiffError is returned by the TIFF/BigTIFF parser.
type TiffError struct {
	Kind TiffErrorKind
	Tag  uint16
	Code uint16
	Msg  string
}

func (e *TiffError) Error() string {
	switch e.Kind {
	case TiffBadHeader:
		return fmt.Sprintf("bad TIFF header: %s", e.Msg)
	case TiffUnsupportedCompression:
		return fmt.Sprintf("unsupported compression: %d", e.Code)
	case TiffMissingTag:
		return fmt.Sprintf("missing tag: %d", e.Tag)
	case TiffInvalidIfd:
		return fmt.Sprintf("invalid IFD: %s", e.Msg)
	case TiffTileOutOfRange:
		return "tile out of range"
	case TiffEmptyTile:
		return "empty tile"
	case TiffStripBasedNotSupported:
		return "strip-based TIFF not supported"
	default:
		return e.Msg
	}
}

// JpegErrorKind classifies abbreviated-stream handling failures.
type JpegErrorKind int

const (
	JpegMissingTables JpegErrorKind = iota
	JpegMalformedStream
)

// JpegError is returned by the JPEG stream helpers.
type JpegError struct {
	Kind JpegErrorKind
	Msg  string
}

func (e *JpegError) Error() string {
	switch e.Kind {
	case JpegMissingTables:
		return "abbreviated JPEG stream with no JPEGTables available"
	default:
		return fmt.Sprintf("malformed JPEG stream: %s", e.Msg)
	}
}

// TileErrorKind classifies tile-request-level failures.
type TileErrorKind int

const (
	TileInvalidCoords TileErrorKind = iota
	TileUnknownCodec
	TileDecode
	TileEncode
)

// TileError is returned by TileService and the tile encoder.
type TileError struct {
	Kind TileErrorKind
	Msg  string
}

func (e *TileError) Error() string {
	switch e.Kind {
	case TileInvalidCoords:
		return "invalid tile coordinates"
	case TileUnknownCodec:
		return "unknown tile codec"
	case TileDecode:
		return fmt.Sprintf("tile decode failed: %s", e.Msg)
	case TileEncode:
		return fmt.Sprintf("tile encode failed: %s", e.Msg)
	default:
		return e.Msg
	}
}

// StatusCode maps an error returned anywhere in the core to the HTTP
// status code the server layer should respond with, per the propagation
// policy: NotFound->404, Unsupported family->415, user-input validation
// errors->400, everything else->500.
func StatusCode(err error) int {
	if err == nil {
		return 200
	}

	var ioErr *IoError
	if errors.As(err, &ioErr) {
		switch ioErr.Kind {
		case IoNotFound:
			return 404
		case IoRangeOutOfBounds:
			return 400
		default:
			return 500
		}
	}

	var formatErr *FormatError
	if errors.As(err, &formatErr) {
		return 415
	}

	var tiffErr *TiffError
	if errors.As(err, &tiffErr) {
		switch tiffErr.Kind {
		case TiffUnsupportedCompression, TiffStripBasedNotSupported:
			return 415
		default:
			return 500
		}
	}

	var jpegErr *JpegError
	if errors.As(err, &jpegErr) {
		return 500
	}

	var tileErr *TileError
	if errors.As(err, &tileErr) {
		switch tileErr.Kind {
		case TileInvalidCoords:
			return 400
		case TileUnknownCodec:
			return 415
		default:
			return 500
		}
	}

	return 500
}
