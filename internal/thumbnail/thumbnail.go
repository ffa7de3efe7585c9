// Package thumbnail renders JPEG previews of uploaded media. The
// spec treats thumbnail rendering as an opaque image utility; this is
// a minimal concrete implementation so the ingestion pipeline has
// something to call. Nothing in the example pack carries a
// third-party image-resize dependency, so this is stdlib `image`/
// `image/draw`, which is the correct tool for a feature explicitly
// out of scope for deeper investment.
package thumbnail

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	_ "image/gif"
	_ "image/png"

	"github.com/fyrsmithlabs/mediavault/internal/apperr"
)

const (
	maxEdge    = 512
	jpegQuality = 85
)

// Generate renders a JPEG thumbnail from photo bytes. HEIC/WebP
// sources are not decodable by the standard library; callers should
// fall back to Placeholder for those, as encoding a full HEIC/WebP
// decoder is outside this system's scope.
func Generate(content []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding image: %v", apperr.ErrInvalidInput, err)
	}
	return encodeJPEG(resize(src, maxEdge))
}

// Placeholder renders a flat-gray JPEG thumbnail for sources this
// system cannot decode directly (HEIC/WebP photos, all videos).
// Real frame extraction/codec support is out of scope.
func Placeholder() ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, maxEdge, maxEdge))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Gray{Y: 200}), image.Point{}, draw.Src)
	return encodeJPEG(img)
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encoding thumbnail jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// resize performs a nearest-neighbour downsample (one source pixel per
// output pixel) so the longer edge is at most maxEdge pixels,
// preserving aspect ratio. Images already smaller
// than maxEdge are returned unchanged.
func resize(src image.Image, maxEdge int) image.Image {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= maxEdge && h <= maxEdge {
		return src
	}

	var newW, newH int
	if w >= h {
		newW = maxEdge
		newH = h * maxEdge / w
	} else {
		newH = maxEdge
		newW = w * maxEdge / h
	}
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	for y := 0; y < newH; y++ {
		for x := 0; x < newW; x++ {
			srcX := bounds.Min.X + x*w/newW
			srcY := bounds.Min.Y + y*h/newH
			dst.Set(x, y, src.At(srcX, srcY))
		}
	}
	return dst
}
