// Package preprocess turns uploaded image bytes into the float tensor the model expects.
package preprocess

import (
	"bytes"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// MaxPixels bounds the decoded size of an upload.
const MaxPixels = 40_000_000

var (
	// ErrUnsupportedImage is returned for bytes no registered decoder accepts.
	ErrUnsupportedImage = errors.New("unsupported image")
	// ErrImageTooLarge is returned when the declared dimensions exceed MaxPixels.
	ErrImageTooLarge = errors.New("image too large")
)

// Layout is the memory order of the model's input tensor.
type Layout string

const (
	// NHWC is batch, height, width, channel (Keras/TensorFlow exports).
	NHWC Layout = "nhwc"
	// NCHW is batch, channel, height, width (PyTorch exports).
	NCHW Layout = "nchw"
)

// ParseLayout maps a config value onto a Layout.
func ParseLayout(s string) (Layout, error) {
	switch Layout(strings.ToLower(s)) {
	case "", NHWC:
		return NHWC, nil
	case NCHW:
		return NCHW, nil
	}
	return "", errors.Errorf("unknown tensor layout %q", s)
}

// Decode decodes data with any registered format (jpeg, png, gif, webp, bmp, tiff)
// and returns the format name.
func Decode(data []byte) (image.Image, string, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", errors.Wrap(ErrUnsupportedImage, err.Error())
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", errors.Wrapf(ErrUnsupportedImage, "empty image %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Width*cfg.Height > MaxPixels {
		return nil, "", errors.Wrapf(ErrImageTooLarge, "%dx%d", cfg.Width, cfg.Height)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", errors.Wrap(ErrUnsupportedImage, err.Error())
	}
	return img, format, nil
}

// ToRGB copies img into an opaque NRGBA image. Alpha is dropped, not composited
// onto a background, so a transparent red pixel stays red.
func ToRGB(img image.Image) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if src, ok := img.(*image.NRGBA); ok {
		for y := 0; y < b.Dy(); y++ {
			i := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(out.Pix[y*out.Stride:y*out.Stride+4*b.Dx()], src.Pix[i:i+4*b.Dx()])
		}
	} else {
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				out.SetNRGBA(x, y, color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA))
			}
		}
	}
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xff
	}
	return out
}

// ToTensor converts img to RGB, resizes it to size x size with bicubic
// interpolation and returns the pixels scaled to [0, 1] as a single-image batch
// in the given layout.
func ToTensor(img image.Image, size int, layout Layout) []float32 {
	resized := resize.Resize(uint(size), uint(size), ToRGB(img), resize.Bicubic)

	b := resized.Bounds()
	width, height := b.Dx(), b.Dy()
	plane := width * height
	data := make([]float32, 3*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, bl, _ := resized.At(b.Min.X+x, b.Min.Y+y).RGBA()
			rNorm := float32(r) / 65535.0
			gNorm := float32(g) / 65535.0
			bNorm := float32(bl) / 65535.0

			pixelIndex := y*width + x
			switch layout {
			case NCHW:
				data[pixelIndex] = rNorm
				data[plane+pixelIndex] = gNorm
				data[2*plane+pixelIndex] = bNorm
			default:
				data[3*pixelIndex] = rNorm
				data[3*pixelIndex+1] = gNorm
				data[3*pixelIndex+2] = bNorm
			}
		}
	}
	return data
}
