package imageutil

import (
	"bytes"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/knights-analytics/mixtex/util/fileutil"
)

// Default canvas the recognizer encoder expects.
const (
	DefaultCanvasWidth  = 448
	DefaultCanvasHeight = 448
)

// Lanczos3 is a windowed sinc resampling kernel with a support of three pixels.
var Lanczos3 = &draw.Kernel{
	Support: 3,
	At: func(t float64) float64 {
		if t == 0 {
			return 1
		}
		if t < 0 {
			t = -t
		}
		if t >= 3 {
			return 0
		}
		pt := math.Pi * t
		return 3 * math.Sin(pt) * math.Sin(pt/3) / (pt * pt)
	},
}

func LoadImagesFromPaths(paths []string) ([]image.Image, error) {
	images := make([]image.Image, 0, len(paths))

	for _, path := range paths {
		b, err := fileutil.ReadFileBytes(path)
		if err != nil {
			return nil, err
		}
		img, err := DecodeImage(b)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

func DecodeImage(b []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(b))
	return img, err
}

type PreprocessStep interface {
	Apply(img image.Image) (image.Image, error)
}

// PadPreprocessor fits an image onto a fixed white canvas.
type PadPreprocessor struct {
	width  int
	height int
}

func PadStep(width, height int) *PadPreprocessor {
	return &PadPreprocessor{width: width, height: height}
}

func (s *PadPreprocessor) Apply(img image.Image) (image.Image, error) {
	return Pad(img, s.width, s.height), nil
}

// Pad returns a width x height white canvas holding img centered. Images strictly
// smaller than the canvas on both axes are placed unscaled; anything else is scaled
// down by min(width/w, height/h) with Lanczos resampling first. Transparent pixels are
// composited over the white background.
func Pad(img image.Image, width, height int) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return canvas
	}

	src := img
	srcRect := bounds
	if w >= width || h >= height {
		scale := math.Min(float64(width)/float64(w), float64(height)/float64(h))
		w = max(int(float64(w)*scale), 1)
		h = max(int(float64(h)*scale), 1)
		resized := image.NewRGBA(image.Rect(0, 0, w, h))
		Lanczos3.Scale(resized, resized.Bounds(), img, bounds, draw.Src, nil)
		src = resized
		srcRect = resized.Bounds()
	}

	offset := image.Pt((width-w)/2, (height-h)/2)
	draw.Draw(canvas, image.Rectangle{Min: offset, Max: offset.Add(image.Pt(w, h))}, src, srcRect.Min, draw.Over)
	return canvas
}

// ResizePreprocessor stretches an image to an exact size.
type ResizePreprocessor struct {
	width  int
	height int
}

func ResizeStep(width, height int) *ResizePreprocessor {
	return &ResizePreprocessor{width: width, height: height}
}

func (s *ResizePreprocessor) Apply(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	if bounds.Dx() == s.width && bounds.Dy() == s.height {
		return img, nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	Lanczos3.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
	return dst, nil
}

type NormalizationStep interface {
	Apply(r, g, b float32) (float32, float32, float32)
}

type PixelNormalizationPreprocessor struct {
	mean [3]float32
	std  [3]float32
}

func (s *PixelNormalizationPreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	r = (r - s.mean[0]) / s.std[0]
	g = (g - s.mean[1]) / s.std[1]
	b = (b - s.mean[2]) / s.std[2]
	return r, g, b
}

func PixelNormalizationStep(mean, std [3]float32) *PixelNormalizationPreprocessor {
	return &PixelNormalizationPreprocessor{mean: mean, std: std}
}

type RescalePreprocessor struct {
	factor float32
}

func (s *RescalePreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	return r * s.factor, g * s.factor, b * s.factor
}

// RescaleStep maps 8-bit channel values by factor, 1/255 when factor is zero.
func RescaleStep(factor float32) *RescalePreprocessor {
	if factor == 0 {
		factor = 1.0 / 255.0
	}
	return &RescalePreprocessor{factor: factor}
}

// PixelValues flattens img into a channel-major [3, H, W] float32 backing, applying
// the normalization steps in order to every pixel. Channel values start in [0, 255].
func PixelValues(img image.Image, steps ...NormalizationStep) []float32 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	plane := w * h
	out := make([]float32, 3*plane)
	for y := range h {
		for x := range w {
			r16, g16, b16, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			r, g, b := float32(r16>>8), float32(g16>>8), float32(b16>>8)
			for _, step := range steps {
				r, g, b = step.Apply(r, g, b)
			}
			i := y*w + x
			out[i] = r
			out[plane+i] = g
			out[2*plane+i] = b
		}
	}
	return out
}
