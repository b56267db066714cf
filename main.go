// Command wsitiles serves JPEG tiles cut from remote pyramidal
// TIFF/SVS whole-slide images stored in S3-compatible object storage.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/wsitiles/wsitiles/wsitiles"
)

// CLI is the top-level flag/subcommand set, bound with the WSI_* env
// prefix. `serve` is the default subcommand.
type CLI struct {
	Serve ServeCmd `cmd:"" default:"1" help:"Start the tile server."`
	Sign  SignCmd  `cmd:"" help:"Print a signed URL for a path."`
	Check CheckCmd `cmd:"" help:"Validate configuration and test S3 connectivity."`

	S3Bucket   string `help:"S3 bucket containing slide objects." env:"WSI_S3_BUCKET" required:""`
	S3Region   string `help:"AWS region." default:"us-east-1" env:"WSI_S3_REGION"`
	S3Endpoint string `help:"Custom S3-compatible endpoint (forces path-style addressing)." env:"WSI_S3_ENDPOINT"`

	BlockSize       int64 `help:"BlockCache block size in bytes." default:"262144" env:"WSI_BLOCK_SIZE"`
	CacheBlocks     int   `help:"Blocks kept per slide." default:"100" env:"WSI_CACHE_BLOCKS"`
	CacheSlides     int   `help:"Opened slides kept." default:"100" env:"WSI_CACHE_SLIDES"`
	CacheTilesBytes int64 `help:"TileCache byte capacity." default:"104857600" env:"WSI_CACHE_TILES"`
	JpegQuality     int   `help:"Default encode quality." default:"80" env:"WSI_JPEG_QUALITY"`

	Host        string `help:"Server bind address." default:"0.0.0.0" env:"WSI_HOST"`
	Port        int    `help:"Server port." default:"3000" env:"WSI_PORT"`
	AuthSecret  string `help:"HMAC secret for signed URLs." env:"WSI_AUTH_SECRET"`
	AuthEnabled bool   `help:"Require a valid signed URL on every non-health request." env:"WSI_AUTH_ENABLED"`
	CacheMaxAge int    `help:"HTTP Cache-Control max-age in seconds." default:"3600" env:"WSI_CACHE_MAX_AGE"`
}

func (c *CLI) config() wsitiles.Config {
	cfg := wsitiles.NewConfig()
	cfg.S3Bucket = c.S3Bucket
	cfg.S3Region = c.S3Region
	cfg.S3Endpoint = c.S3Endpoint
	cfg.BlockSize = c.BlockSize
	cfg.CacheBlocks = c.CacheBlocks
	cfg.CacheSlides = c.CacheSlides
	cfg.CacheTilesBytes = c.CacheTilesBytes
	cfg.JpegQuality = c.JpegQuality
	cfg.Host = c.Host
	cfg.Port = c.Port
	cfg.AuthSecret = c.AuthSecret
	cfg.AuthEnabled = c.AuthEnabled
	cfg.CacheMaxAge = c.CacheMaxAge
	return cfg
}

// ServeCmd starts the HTTP tile server. This is the default subcommand.
type ServeCmd struct{}

func (s *ServeCmd) Run(cli *CLI) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	cfg := cli.config()
	metrics := wsitiles.NewMetrics(sugar)

	source := &wsitiles.S3SlideSource{Bucket: cfg.S3Bucket, Region: cfg.S3Region, Endpoint: cfg.S3Endpoint}
	registry, err := wsitiles.NewSlideRegistry(source, cfg, metrics, sugar)
	if err != nil {
		return fmt.Errorf("creating slide registry: %w", err)
	}
	cache := wsitiles.NewTileCache(cfg.CacheTilesBytes, 10000)
	service := wsitiles.NewTileService(registry, cache, cfg, metrics, sugar)

	var auth *wsitiles.SignedURLAuth
	if cfg.AuthEnabled {
		if cfg.AuthSecret == "" {
			return fmt.Errorf("WSI_AUTH_ENABLED is set but WSI_AUTH_SECRET is empty")
		}
		auth = wsitiles.NewSignedURLAuth(cfg.AuthSecret)
	}

	server := wsitiles.NewServer(service, registry, source, auth, cfg, sugar)
	sugar.Infow("starting wsitiles server", "addr", server.Addr(), "bucket", cfg.S3Bucket)
	return http.ListenAndServe(server.Addr(), server)
}

// SignCmd prints a signed URL for path, valid for ttl.
type SignCmd struct {
	Path    string        `arg:"" help:"Request path to sign, e.g. /tiles/slide.svs/0/1/2.jpg"`
	TTL     time.Duration `help:"Signature validity duration." default:"1h"`
	Quality int           `help:"Optional quality query parameter to bind into the signature."`
}

func (s *SignCmd) Run(cli *CLI) error {
	if cli.AuthSecret == "" {
		return fmt.Errorf("WSI_AUTH_SECRET must be set to sign URLs")
	}
	auth := wsitiles.NewSignedURLAuth(cli.AuthSecret)

	query := url.Values{}
	if s.Quality != 0 {
		query.Set("quality", fmt.Sprintf("%d", s.Quality))
	}
	sig, expiry := auth.Sign(s.Path, query, s.TTL)
	query.Set("exp", fmt.Sprintf("%d", expiry))
	query.Set("sig", sig)

	fmt.Printf("%s?%s\n", s.Path, query.Encode())
	return nil
}

// CheckCmd validates configuration by listing up to 1000 objects of the
// configured bucket and reporting reachability plus their count and
// total size.
type CheckCmd struct {
	Prefix string `help:"Prefix to count objects under."`
}

func (c *CheckCmd) Run(cli *CLI) error {
	cfg := cli.config()
	source := &wsitiles.S3SlideSource{Bucket: cfg.S3Bucket, Region: cfg.S3Region, Endpoint: cfg.S3Endpoint}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slides, _, err := source.List(ctx, c.Prefix, 1000)
	if err != nil {
		return fmt.Errorf("listing bucket %s: %w", cfg.S3Bucket, err)
	}

	var total int64
	for _, s := range slides {
		total += s.Size
	}
	fmt.Printf("bucket %q reachable: %d object(s), %s total\n", cfg.S3Bucket, len(slides), humanize.Bytes(uint64(total)))
	return nil
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("WSI_LOG_DEV") != "" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("wsitiles"),
		kong.Description("Tile server for pyramidal whole-slide images backed by S3-compatible storage."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
