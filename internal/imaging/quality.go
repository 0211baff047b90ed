package imaging

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/stat"

	"github.com/anime-shed/avalanche-inspector-go/pkg/models"
)

// inspectDimension bounds the working copy used for quality metrics.
const inspectDimension = 512

// QualityThresholds decide when a photo is flagged as hard to read.
type QualityThresholds struct {
	// Laplacian variance at or below this is considered blurry.
	BlurThreshold float64
	// Mean HSV value (0..1) above this is considered overexposed.
	OverexposureThreshold float64
	// Mean gray level (0..255) below this is considered too dark.
	DarknessThreshold float64
}

func DefaultThresholds() QualityThresholds {
	return QualityThresholds{
		BlurThreshold:         100.0,
		OverexposureThreshold: 0.95,
		DarknessThreshold:     80,
	}
}

// QualityReport holds photo metrics and the warnings derived from them.
type QualityReport struct {
	Luminance    float64          `json:"luminance"`
	Saturation   float64          `json:"saturation"`
	Brightness   float64          `json:"brightness"`
	LaplacianVar float64          `json:"laplacian_variance"`
	Blurry       bool             `json:"blurry"`
	Overexposed  bool             `json:"overexposed"`
	TooDark      bool             `json:"too_dark"`
	Warnings     []models.Warning `json:"-"`
}

// Inspect measures exposure and sharpness. It never fails; an empty bitmap
// yields an empty report.
func Inspect(bm *Bitmap, t QualityThresholds) QualityReport {
	if bm == nil || bm.Image == nil || bm.Width == 0 || bm.Height == 0 {
		return QualityReport{}
	}

	gray := grayscaleCopy(bm.Image, inspectDimension)
	lum, sat := meanLuminanceSaturation(gray.rgba)

	report := QualityReport{
		Luminance:    lum,
		Saturation:   sat,
		Brightness:   brightness(gray.gray),
		LaplacianVar: laplacianVariance(gray.gray),
	}
	report.Blurry = report.LaplacianVar <= t.BlurThreshold
	report.Overexposed = report.Luminance > t.OverexposureThreshold
	report.TooDark = report.Brightness < t.DarknessThreshold

	if report.Blurry {
		report.Warnings = append(report.Warnings, qualityWarning("sharpness",
			fmt.Sprintf("photo looks blurry (laplacian variance %.1f)", report.LaplacianVar)))
	}
	if report.Overexposed {
		report.Warnings = append(report.Warnings, qualityWarning("exposure",
			fmt.Sprintf("photo looks overexposed (mean luminance %.2f)", report.Luminance)))
	}
	if report.TooDark {
		report.Warnings = append(report.Warnings, qualityWarning("exposure",
			fmt.Sprintf("photo looks too dark (mean brightness %.0f)", report.Brightness)))
	}
	return report
}

func qualityWarning(field, msg string) models.Warning {
	return models.Warning{Kind: models.WarningImageQuality, Field: field, Message: msg}
}

type workingCopy struct {
	rgba *image.RGBA
	gray *image.Gray
}

func grayscaleCopy(src image.Image, limit int) workingCopy {
	b := src.Bounds()
	w, h := FitWithin(b.Dx(), b.Dy(), limit)

	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(rgba, rgba.Bounds(), src, b, draw.Src, nil)

	gray := image.NewGray(rgba.Bounds())
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gray.Set(x, y, color.GrayModel.Convert(rgba.RGBAAt(x, y)))
		}
	}
	return workingCopy{rgba: rgba, gray: gray}
}

func meanLuminanceSaturation(img *image.RGBA) (lum, sat float64) {
	b := img.Bounds()
	n := b.Dx() * b.Dy()
	if n == 0 {
		return 0, 0
	}

	values := make([]float64, 0, n)
	sats := make([]float64, 0, n)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.RGBAAt(x, y)
			_, s, v := rgbToHSV(float64(c.R)/255, float64(c.G)/255, float64(c.B)/255)
			values = append(values, v)
			sats = append(sats, s)
		}
	}
	return stat.Mean(values, nil), stat.Mean(sats, nil)
}

func brightness(gray *image.Gray) float64 {
	if len(gray.Pix) == 0 {
		return 0
	}
	var total float64
	for _, p := range gray.Pix {
		total += float64(p)
	}
	return total / float64(len(gray.Pix))
}

// laplacianVariance applies the [0 1 0; 1 -4 1; 0 1 0] kernel.
func laplacianVariance(gray *image.Gray) float64 {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 3 || h < 3 {
		return 0
	}

	data := make([]float64, 0, (w-2)*(h-2))
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			center := float64(gray.GrayAt(x, y).Y)
			top := float64(gray.GrayAt(x, y-1).Y)
			bottom := float64(gray.GrayAt(x, y+1).Y)
			left := float64(gray.GrayAt(x-1, y).Y)
			right := float64(gray.GrayAt(x+1, y).Y)
			data = append(data, -4*center+top+bottom+left+right)
		}
	}

	v := stat.Variance(data, nil)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func rgbToHSV(r, g, b float64) (h, s, v float64) {
	max := math.Max(r, math.Max(g, b))
	min := math.Min(r, math.Min(g, b))
	delta := max - min

	v = max
	if max != 0 {
		s = delta / max
	}

	switch {
	case delta == 0:
		h = 0
	case max == r:
		h = 60 * ((g - b) / delta)
	case max == g:
		h = 60 * (((b - r) / delta) + 2)
	default:
		h = 60 * (((r - g) / delta) + 4)
	}
	if h < 0 {
		h += 360
	}
	return h, s, v
}
