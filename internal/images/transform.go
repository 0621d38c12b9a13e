package images

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // register GIF decoder
	"image/jpeg"
	_ "image/png" // register PNG decoder

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register WebP decoder

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// ContentType is the MIME type of every transformed image.
const ContentType = "image/jpeg"

// Transformer converts arbitrary image bytes into the stored format.
type Transformer interface {
	Transform(data []byte) ([]byte, error)
}

// JPEGTransformer bounds the longest side to MaxDimension without upscaling,
// flattens transparency onto white, and encodes JPEG at Quality.
type JPEGTransformer struct {
	MaxDimension int
	Quality      int
}

// Transform implements Transformer. All failures are ErrTransform.
func (t JPEGTransformer) Transform(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, crawler.TransformFailure(fmt.Errorf("decode image: %w", err))
	}
	sb := src.Bounds()
	w, h := fitWithin(sb.Dx(), sb.Dy(), t.MaxDimension)
	if w <= 0 || h <= 0 {
		return nil, crawler.TransformFailure(fmt.Errorf("image has empty bounds %v", sb))
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	if w == sb.Dx() && h == sb.Dy() {
		draw.Draw(dst, dst.Bounds(), src, sb.Min, draw.Over)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, sb, draw.Over, nil)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: t.Quality}); err != nil {
		return nil, crawler.TransformFailure(fmt.Errorf("encode jpeg: %w", err))
	}
	return buf.Bytes(), nil
}

func fitWithin(w, h, maxDim int) (int, int) {
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return w, h
	}
	if w >= h {
		nh := int(float64(h)*float64(maxDim)/float64(w) + 0.5)
		return maxDim, max(nh, 1)
	}
	nw := int(float64(w)*float64(maxDim)/float64(h) + 0.5)
	return max(nw, 1), maxDim
}
