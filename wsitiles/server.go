package wsitiles

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server is a thin net/http mux in front of a TileService,
// SlideRegistry and SlideSource. Dispatch lives in a pure `get` that
// returns (slideID, handler, status, headers, body) so route handling is
// testable without
// an HTTP listener; ServeHTTP adapts it to the net/http interface.
type Server struct {
	tiles    *TileService
	registry *SlideRegistry
	source   SlideSource
	auth     *SignedURLAuth
	config   Config
	logger   *zap.SugaredLogger
	cors     *cors.Cors
}

// NewServer wires a TileService, SlideRegistry and SlideSource into an
// HTTP handler. auth may be nil to disable signed-URL checking.
func NewServer(tiles *TileService, registry *SlideRegistry, source SlideSource, auth *SignedURLAuth, cfg Config, logger *zap.SugaredLogger) *Server {
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return &Server{tiles: tiles, registry: registry, source: source, auth: auth, config: cfg, logger: logger, cors: c}
}

var (
	tilePattern    = regexp.MustCompile(`^/tiles/([^/]+)/(\d+)/(\d+)/(\d+)\.jpe?g$`)
	dziXMLPattern  = regexp.MustCompile(`^/slides/([^/]+)/dzi\.xml$`)
	dziTilePattern = regexp.MustCompile(`^/slides/([^/]+)/dzi_files/(\d+)/(\d+)_(\d+)\.jpe?g$`)
	metaPattern    = regexp.MustCompile(`^/slides/([^/]+)/metadata$`)
	slidesPattern  = regexp.MustCompile(`^/slides/?$`)
)

// requiresAuth reports whether path needs a valid signed-URL query.
// The health check is public; tile and slide routes are protected.
func requiresAuth(path string) bool {
	return path != "/health"
}

func (s *Server) get(ctx context.Context, path string, query url.Values) (slideID, handler string, status int, headers map[string]string, data []byte) {
	headers = map[string]string{}

	if s.auth != nil && requiresAuth(path) {
		if err := s.auth.Verify(path, query); err != nil {
			return "", "auth", 401, headers, []byte(err.Error())
		}
	}

	switch {
	case path == "/health":
		handler = "health"
		status, data = 200, []byte("ok")
		headers["Content-Type"] = "text/plain"

	case tilePattern.MatchString(path):
		m := tilePattern.FindStringSubmatch(path)
		slideID, handler = m[1], "tile"
		status, headers, data = s.handleTile(ctx, headers, m[1], m[2], m[3], m[4], query)

	case dziXMLPattern.MatchString(path):
		m := dziXMLPattern.FindStringSubmatch(path)
		slideID, handler = m[1], "dzi_xml"
		status, headers, data = s.handleDZIXML(ctx, headers, m[1])

	case dziTilePattern.MatchString(path):
		m := dziTilePattern.FindStringSubmatch(path)
		slideID, handler = m[1], "dzi_tile"
		status, headers, data = s.handleDZITile(ctx, headers, m[1], m[2], m[3], m[4], query)

	case metaPattern.MatchString(path):
		m := metaPattern.FindStringSubmatch(path)
		slideID, handler = m[1], "metadata"
		status, headers, data = s.handleMetadata(ctx, headers, m[1])

	case slidesPattern.MatchString(path):
		handler = "slides"
		status, headers, data = s.handleSlidesList(ctx, headers, query)

	default:
		handler, status, data = "404", 404, []byte("not found")
	}
	return
}

func (s *Server) handleTile(ctx context.Context, headers map[string]string, slideID, levelS, xS, yS string, query url.Values) (int, map[string]string, []byte) {
	level, _ := strconv.Atoi(levelS)
	x, _ := strconv.Atoi(xS)
	y, _ := strconv.Atoi(yS)
	quality := 0
	if q := query.Get("quality"); q != "" {
		quality, _ = strconv.Atoi(q)
	}

	result, err := s.tiles.GetTile(ctx, TileRequest{SlideID: slideID, Level: level, X: x, Y: y, Quality: quality})
	if err != nil {
		return errorResponse(err, headers)
	}
	headers["Content-Type"] = result.ContentType
	headers["Cache-Control"] = cacheControlHeader(s.config.CacheMaxAge)
	return 200, headers, result.Bytes
}

// handleDZITile maps a DZI (inverted) level + tile coordinate onto the
// WSI pyramid level whose downsample best matches. The chosen WSI
// level's native tile grid is served directly; no cross-level
// resampling is performed even when the DZI downsample target falls
// between levels.
func (s *Server) handleDZITile(ctx context.Context, headers map[string]string, slideID, dziLevelS, xS, yS string, query url.Values) (int, map[string]string, []byte) {
	slide, err := s.registry.GetSlide(ctx, slideID)
	if err != nil {
		return errorResponse(err, headers)
	}
	levels := slide.Levels()
	if len(levels) == 0 {
		return errorResponse(&TileError{Kind: TileInvalidCoords, Msg: "slide has no levels"}, headers)
	}

	dziLevel, _ := strconv.Atoi(dziLevelS)
	x, _ := strconv.Atoi(xS)
	y, _ := strconv.Atoi(yS)

	maxDzi := calculateMaxDziLevel(levels[0].Width, levels[0].Height)
	downsample := dziLevelDownsample(dziLevel, maxDzi)
	if downsample == 0 {
		return errorResponse(&TileError{Kind: TileInvalidCoords, Msg: "dzi level out of range"}, headers)
	}

	downsamples := make([]float64, len(levels))
	for i, l := range levels {
		downsamples[i] = l.Downsample
	}
	wsiLevel, _, ok := findBestWsiLevel(downsamples, downsample)
	if !ok {
		return errorResponse(&TileError{Kind: TileInvalidCoords, Msg: "no matching WSI level"}, headers)
	}

	quality := 0
	if q := query.Get("quality"); q != "" {
		quality, _ = strconv.Atoi(q)
	}
	result, err := s.tiles.GetTile(ctx, TileRequest{SlideID: slideID, Level: wsiLevel, X: x, Y: y, Quality: quality})
	if err != nil {
		return errorResponse(err, headers)
	}
	headers["Content-Type"] = result.ContentType
	headers["Cache-Control"] = cacheControlHeader(s.config.CacheMaxAge)
	return 200, headers, result.Bytes
}

func (s *Server) handleDZIXML(ctx context.Context, headers map[string]string, slideID string) (int, map[string]string, []byte) {
	slide, err := s.registry.GetSlide(ctx, slideID)
	if err != nil {
		return errorResponse(err, headers)
	}
	levels := slide.Levels()
	if len(levels) == 0 {
		return errorResponse(&TileError{Kind: TileInvalidCoords, Msg: "slide has no levels"}, headers)
	}
	xml := generateDziXML(levels[0].Width, levels[0].Height, levels[0].TileWidth)
	headers["Content-Type"] = "application/xml"
	return 200, headers, []byte(xml)
}

type metadataLevel struct {
	Level      int     `json:"level"`
	Width      uint64  `json:"width"`
	Height     uint64  `json:"height"`
	TileWidth  uint64  `json:"tile_width"`
	TileHeight uint64  `json:"tile_height"`
	TilesX     uint64  `json:"tiles_x"`
	TilesY     uint64  `json:"tiles_y"`
	Downsample float64 `json:"downsample"`
}

type metadataResponse struct {
	SlideID    string            `json:"slide_id"`
	Format     string            `json:"format"`
	Width      uint64            `json:"width"`
	Height     uint64            `json:"height"`
	LevelCount int               `json:"level_count"`
	Levels     []metadataLevel   `json:"levels"`
	Fields     map[string]string `json:"fields,omitempty"`
}

func (s *Server) handleMetadata(ctx context.Context, headers map[string]string, slideID string) (int, map[string]string, []byte) {
	slide, err := s.registry.GetSlide(ctx, slideID)
	if err != nil {
		return errorResponse(err, headers)
	}
	levels := slide.Levels()
	resp := metadataResponse{
		SlideID:    slideID,
		Format:     slide.FormatName(),
		LevelCount: len(levels),
		Fields:     slide.Metadata(),
	}
	if len(levels) > 0 {
		resp.Width, resp.Height = levels[0].Width, levels[0].Height
	}
	for i, l := range levels {
		resp.Levels = append(resp.Levels, metadataLevel{
			Level: i, Width: l.Width, Height: l.Height,
			TileWidth: l.TileWidth, TileHeight: l.TileHeight,
			TilesX: l.TilesX, TilesY: l.TilesY, Downsample: l.Downsample,
		})
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return 500, headers, []byte(err.Error())
	}
	headers["Content-Type"] = "application/json"
	return 200, headers, body
}

type slidesListResponse struct {
	Slides []SlideInfo `json:"slides"`
	Next   string      `json:"next_token,omitempty"`
}

func (s *Server) handleSlidesList(ctx context.Context, headers map[string]string, query url.Values) (int, map[string]string, []byte) {
	lister, ok := s.source.(SlideLister)
	if !ok {
		return 501, headers, []byte("slide listing not supported by this source")
	}
	limit := 0
	if l := query.Get("limit"); l != "" {
		limit, _ = strconv.Atoi(l)
	}
	slides, next, err := lister.List(ctx, query.Get("prefix"), limit)
	if err != nil {
		return errorResponse(err, headers)
	}
	body, err := json.Marshal(slidesListResponse{Slides: slides, Next: next})
	if err != nil {
		return 500, headers, []byte(err.Error())
	}
	headers["Content-Type"] = "application/json"
	return 200, headers, body
}

func errorResponse(err error, headers map[string]string) (int, map[string]string, []byte) {
	headers["Content-Type"] = "text/plain"
	return StatusCode(err), headers, []byte(err.Error())
}

func cacheControlHeader(maxAge int) string {
	if maxAge <= 0 {
		maxAge = DefaultCacheMaxAge
	}
	return "public, max-age=" + strconv.Itoa(maxAge)
}

// ServeHTTP adapts Server.get to net/http, applying CORS via rs/cors
// so preflight requests for the signed-URL query params work.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.cors.Handler(http.HandlerFunc(s.serveHTTP)).ServeHTTP(w, r)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(405)
		return
	}

	start := time.Now()
	slideID, handler, status, headers, body := s.get(r.Context(), r.URL.Path, r.URL.Query())
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if r.Method == http.MethodGet {
		w.Write(body)
	}
	if s.logger != nil {
		s.logger.Debugw("served request",
			"path", r.URL.Path, "slide", slideID, "handler", handler,
			"status", status, "bytes", len(body), "duration", time.Since(start))
	}
}

// Addr returns the host:port the server should listen on.
func (s *Server) Addr() string {
	return strings.TrimSuffix(s.config.Host, "/") + ":" + strconv.Itoa(s.config.Port)
}
