package service

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"strings"

	_ "github.com/gen2brain/avif"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
)

// ReadLines returns the lines of path in order, keeping blank lines so that
// the line index stays meaningful.
func ReadLines(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return lines, nil
}

// DefaultMaxPixels bounds the decoded size of an image, same as PIL's
// decompression bomb limit.
const DefaultMaxPixels int64 = 178956970

var ErrImageTooLarge = errors.New("image too large")

// DecodeImage decodes any format registered with the image package
// (jpeg, png, webp, avif). The header is checked first so that images over
// maxPixels are rejected before their pixels are allocated. maxPixels <= 0
// disables the check.
func DecodeImage(r io.Reader, maxPixels int64) (image.Image, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image config: %w", err)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, format, fmt.Errorf("%w: %dx%d %s exceeds %d pixels", ErrImageTooLarge, cfg.Width, cfg.Height, format, maxPixels)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// prepare image for model input
func Preprocess(img image.Image, cfg ImageConfig) ([]float32, error) {
	if nilImage(img) {
		return nil, errors.New("nil image")
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("empty image %v", b)
	}
	size := cfg.Size

	// convert to RGB, dropping alpha without compositing
	rgb := imaging.Clone(img)
	for i := 3; i < len(rgb.Pix); i += 4 {
		rgb.Pix[i] = 0xff
	}
	resized := imaging.Resize(rgb, size, size, imaging.CatmullRom)

	out := make([]float32, 3*size*size)
	rBase := 0
	gBase := size * size
	bBase := 2 * size * size

	for y := 0; y < size; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+3]
			fr := float32(px[0]) * cfg.RescaleFactor
			fg := float32(px[1]) * cfg.RescaleFactor
			fb := float32(px[2]) * cfg.RescaleFactor

			out[rBase] = (fr - cfg.Mean[0]) / cfg.Std[0]
			out[gBase] = (fg - cfg.Mean[1]) / cfg.Std[1]
			out[bBase] = (fb - cfg.Mean[2]) / cfg.Std[2]

			rBase++
			gBase++
			bBase++
		}
	}
	return out, nil
}
