package service

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"reflect"
)

var (
	ErrShapeMismatch       = errors.New("pixel data does not match shape")
	ErrUnsupportedChannels = errors.New("unsupported channel count")
)

// IsEmpty reports whether in carries no image.
func IsEmpty(in Input) bool {
	switch v := in.(type) {
	case nil:
		return true
	case RawPixels:
		return len(v.Data) == 0
	case *RawPixels:
		return v == nil || len(v.Data) == 0
	case Decoded:
		return nilImage(v.Image)
	case *Decoded:
		return v == nil || nilImage(v.Image)
	}
	return false
}

// nilImage also catches a nil pointer stored in the interface, e.g.
// (*image.RGBA)(nil), whose Bounds method would panic.
func nilImage(img image.Image) bool {
	if img == nil {
		return true
	}
	v := reflect.ValueOf(img)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// Normalize converts in to the canonical image.Image. Decoded images are
// returned unchanged.
func Normalize(in Input) (image.Image, error) {
	switch v := in.(type) {
	case RawPixels:
		return v.ToImage()
	case *RawPixels:
		return v.ToImage()
	case Decoded:
		return v.Image, nil
	case *Decoded:
		return v.Image, nil
	}
	return nil, fmt.Errorf("unknown input type %T", in)
}

func (p RawPixels) channels() int {
	if p.Channels == 0 {
		return 1
	}
	return p.Channels
}

// ToImage copies the pixel array into an *image.Gray (one channel) or an
// *image.NRGBA (three or four channels).
func (p RawPixels) ToImage() (image.Image, error) {
	c := p.channels()
	if p.Height <= 0 || p.Width <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrShapeMismatch, p.Height, p.Width)
	}
	if len(p.Data) != p.Height*p.Width*c {
		return nil, fmt.Errorf("%w: %dx%dx%d needs %d values, got %d",
			ErrShapeMismatch, p.Height, p.Width, c, p.Height*p.Width*c, len(p.Data))
	}
	rect := image.Rect(0, 0, p.Width, p.Height)

	switch c {
	case 1:
		img := image.NewGray(rect)
		copy(img.Pix, p.Data)
		return img, nil
	case 3:
		img := image.NewNRGBA(rect)
		for i, j := 0, 0; i < len(p.Data); i, j = i+3, j+4 {
			img.Pix[j] = p.Data[i]
			img.Pix[j+1] = p.Data[i+1]
			img.Pix[j+2] = p.Data[i+2]
			img.Pix[j+3] = 0xff
		}
		return img, nil
	case 4:
		img := image.NewNRGBA(rect)
		copy(img.Pix, p.Data)
		return img, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnsupportedChannels, c)
}

// PixelsFromImage is the inverse of RawPixels.ToImage for 8-bit images.
func PixelsFromImage(img image.Image, channels int) (RawPixels, error) {
	if channels == 0 {
		channels = 1
	}
	if channels != 1 && channels != 3 && channels != 4 {
		return RawPixels{}, fmt.Errorf("%w: %d", ErrUnsupportedChannels, channels)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := RawPixels{Height: h, Width: w, Channels: channels, Data: make([]uint8, 0, w*h*channels)}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if channels == 1 {
				g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
				out.Data = append(out.Data, g.Y)
				continue
			}
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			out.Data = append(out.Data, c.R, c.G, c.B)
			if channels == 4 {
				out.Data = append(out.Data, c.A)
			}
		}
	}
	return out, nil
}
