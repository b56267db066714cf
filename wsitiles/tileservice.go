package wsitiles

import (
	"context"

	"go.uber.org/zap"
)

// TileRequest is the validated input to TileService.GetTile.
type TileRequest struct {
	SlideID string
	Level   int
	X       int
	Y       int
	Quality int
}

// TileResult is the output of TileService.GetTile.
type TileResult struct {
	Bytes           []byte
	ContentType     string
	LevelTileWidth  uint64
	LevelTileHeight uint64
}

// TileService orchestrates cache lookup, slide open, source-tile
// fetch, and re-encode for one tile request.
type TileService struct {
	registry *SlideRegistry
	cache    *TileCache
	config   Config
	metrics  *Metrics
	logger   *zap.SugaredLogger
}

// NewTileService wires a SlideRegistry and TileCache into one service.
func NewTileService(registry *SlideRegistry, cache *TileCache, cfg Config, metrics *Metrics, logger *zap.SugaredLogger) *TileService {
	return &TileService{registry: registry, cache: cache, config: cfg, metrics: metrics, logger: logger}
}

// GetTile validates the request, consults the tile cache, and on a
// miss runs the full fetch-decode-encode pipeline before caching the
// result.
//
// TileService deliberately does not singleflight identical tile
// requests: the dominant cost, the source tile fetch, is already
// singleflighted one layer down in BlockCache, and a duplicate encode
// on a cold miss is cheap enough to tolerate.
func (s *TileService) GetTile(ctx context.Context, req TileRequest) (*TileResult, error) {
	tracker := s.metrics.startTileRequest()

	quality := clampQuality(req.Quality, s.config.JpegQuality)
	if req.Quality != 0 && (req.Quality < 1 || req.Quality > 100) {
		tracker.finish("error")
		return nil, &TileError{Kind: TileInvalidCoords, Msg: "quality out of range"}
	}

	key := TileCacheKey{SlideID: req.SlideID, Level: req.Level, X: req.X, Y: req.Y, Quality: quality}
	if cached, ok := s.cache.Get(key); ok {
		tracker.finish("cache_hit")
		width, height := s.tileDimensions(ctx, req)
		return &TileResult{Bytes: cached, ContentType: "image/jpeg", LevelTileWidth: width, LevelTileHeight: height}, nil
	}

	slide, err := s.registry.GetSlide(ctx, req.SlideID)
	if err != nil {
		tracker.finish("error")
		return nil, err
	}

	levels := slide.Levels()
	if req.Level < 0 || req.Level >= len(levels) {
		tracker.finish("error")
		return nil, &TileError{Kind: TileInvalidCoords, Msg: "level out of range"}
	}
	lvl := levels[req.Level]
	if req.X < 0 || req.Y < 0 || uint64(req.X) >= lvl.TilesX || uint64(req.Y) >= lvl.TilesY {
		tracker.finish("error")
		return nil, &TileError{Kind: TileInvalidCoords, Msg: "tile coordinates out of range"}
	}

	sourceBytes, err := slide.ReadTile(ctx, req.Level, req.X, req.Y)
	if err != nil {
		tracker.finish("error")
		return nil, err
	}

	img, err := decodeSourceTile(sourceBytes)
	if err != nil {
		tracker.finish("error")
		return nil, err
	}
	encoded, err := encodeTileJpeg(img, quality)
	if err != nil {
		tracker.finish("error")
		return nil, err
	}

	s.cache.Put(key, encoded)
	tracker.finish("cache_miss")

	bounds := img.Bounds()
	return &TileResult{
		Bytes:           encoded,
		ContentType:     "image/jpeg",
		LevelTileWidth:  uint64(bounds.Dx()),
		LevelTileHeight: uint64(bounds.Dy()),
	}, nil
}

// tileDimensions looks up the nominal tile size for a cache hit, where
// the decoded image is unavailable. A slide evicted from the registry
// since the tile was cached is re-opened by GetSlide; if that open
// fails, or the level is out of range, zero dimensions are returned.
func (s *TileService) tileDimensions(ctx context.Context, req TileRequest) (uint64, uint64) {
	slide, err := s.registry.GetSlide(ctx, req.SlideID)
	if err != nil {
		return 0, 0
	}
	levels := slide.Levels()
	if req.Level < 0 || req.Level >= len(levels) {
		return 0, 0
	}
	return levels[req.Level].TileWidth, levels[req.Level].TileHeight
}
