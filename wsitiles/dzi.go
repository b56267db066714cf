package wsitiles

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// dziXMLTemplate mirrors the Deep Zoom descriptor OpenSeadragon expects.
const dziXMLTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<Image xmlns="http://schemas.microsoft.com/deepzoom/2008"
       TileSize="%d"
       Overlap="0"
       Format="jpg">
  <Size Width="%d" Height="%d" />
</Image>`

// generateDziXML renders the DZI descriptor for a slide of the given
// dimensions and tile size.
func generateDziXML(width, height, tileSize uint64) string {
	return fmt.Sprintf(dziXMLTemplate, tileSize, width, height)
}

// calculateMaxDziLevel computes the top (full-resolution) DZI level
// for an image of the given dimensions: ceil(log2(max(W,H))), with the
// degenerate 1x1 case mapped to level 0.
func calculateMaxDziLevel(width, height uint64) int {
	maxDim := width
	if height > maxDim {
		maxDim = height
	}
	if maxDim <= 1 {
		return 0
	}
	return int(math.Ceil(math.Log2(float64(maxDim))))
}

// dziLevelDimensions computes the (width, height) of DZI level dziLevel
// given the full-resolution dimensions and the image's max DZI level.
// Levels past max are reported as (0, 0); dimensions are never reported
// below 1x1.
func dziLevelDimensions(width, height uint64, dziLevel, maxDziLevel int) (uint64, uint64) {
	if dziLevel > maxDziLevel {
		return 0, 0
	}
	scale := uint64(1) << uint(maxDziLevel-dziLevel)
	w := ceilDiv(width, scale)
	h := ceilDiv(height, scale)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}

// dziLevelDownsample returns the downsample factor of DZI level
// dziLevel relative to full resolution; 0 when dziLevel exceeds
// maxDziLevel.
func dziLevelDownsample(dziLevel, maxDziLevel int) float64 {
	if dziLevel > maxDziLevel {
		return 0
	}
	return float64(uint64(1) << uint(maxDziLevel-dziLevel))
}

// findBestWsiLevel picks the WSI pyramid level whose downsample is the
// largest one not exceeding target, returning that level and the extra
// scale still needed on top of it. When no level's downsample is at or
// below target, level 0 is returned. Callers are expected
// to pass downsamples with level 0 == 1.0 (no downsampling).
func findBestWsiLevel(downsamples []float64, target float64) (level int, additionalScale float64, ok bool) {
	if len(downsamples) == 0 {
		return 0, 0, false
	}

	bestLevel := 0
	bestDownsample := downsamples[0]
	for i, d := range downsamples {
		if d <= target && d >= bestDownsample {
			bestLevel = i
			bestDownsample = d
		}
	}
	return bestLevel, target / bestDownsample, true
}

// parseDziTileCoords parses a DZI tile filename like "3_5.jpg" or
// "3_5" into (x, y), requiring a strict two-component numeric split.
func parseDziTileCoords(filename string) (x, y uint64, ok bool) {
	name := filename
	name = strings.TrimSuffix(name, ".jpeg")
	name = strings.TrimSuffix(name, ".jpg")

	parts := strings.Split(name, "_")
	if len(parts) != 2 {
		return 0, 0, false
	}

	xv, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	yv, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return xv, yv, true
}

// dziTileCount returns the tile grid dimensions at a DZI level,
// rounded up, never below 1x1.
func dziTileCount(levelWidth, levelHeight, tileSize uint64) (tilesX, tilesY uint64) {
	tilesX = ceilDiv(levelWidth, tileSize)
	tilesY = ceilDiv(levelHeight, tileSize)
	if tilesX < 1 {
		tilesX = 1
	}
	if tilesY < 1 {
		tilesY = 1
	}
	return tilesX, tilesY
}
