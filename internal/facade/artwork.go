package facade

import (
	"bytes"
	"image"
	"image/jpeg"
	_ "image/png" // artwork arrives as PNG or JPEG

	"log/slog"

	"github.com/airtv-go/airtv/internal/core"
	"golang.org/x/image/draw"
)

// scaleArtwork fits artwork into the requested bounds. Protocols that
// honor the requested size server-side pass through untouched; oversized
// images are downscaled and re-encoded as JPEG. Undecodable artwork is
// returned as-is.
func scaleArtwork(art *core.Artwork, width, height int) *core.Artwork {
	if art == nil || width <= 0 || height <= 0 {
		return art
	}
	src, _, err := image.Decode(bytes.NewReader(art.Bytes))
	if err != nil {
		return art
	}
	bounds := src.Bounds()
	if bounds.Dx() <= width && bounds.Dy() <= height {
		art.Width, art.Height = bounds.Dx(), bounds.Dy()
		return art
	}

	scaleX := float64(width) / float64(bounds.Dx())
	scaleY := float64(height) / float64(bounds.Dy())
	scale := scaleX
	if scaleY < scale {
		scale = scaleY
	}
	dstW := int(float64(bounds.Dx()) * scale)
	dstH := int(float64(bounds.Dy()) * scale)
	if dstW < 1 {
		dstW = 1
	}
	if dstH < 1 {
		dstH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 90}); err != nil {
		slog.Debug("facade: artwork re-encode failed", "err", err)
		return art
	}
	return &core.Artwork{
		Bytes:       buf.Bytes(),
		ContentType: "image/jpeg",
		Width:       dstW,
		Height:      dstH,
	}
}
