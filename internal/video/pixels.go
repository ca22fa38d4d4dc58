package video

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/corona10/goimagehash"
)

const (
	phashHashSize   = 16
	repFrameQuality = 85
)

// rgb24Image adapts a raw RGB24 frame buffer to image.Image without copying,
// for hashing and JPEG encoding of scan frames.
type rgb24Image struct {
	pix    []byte
	width  int
	height int
}

func (im *rgb24Image) ColorModel() color.Model { return color.RGBAModel }

func (im *rgb24Image) Bounds() image.Rectangle { return image.Rect(0, 0, im.width, im.height) }

func (im *rgb24Image) At(x, y int) color.Color {
	i := (y*im.width + x) * 3
	return color.RGBA{R: im.pix[i], G: im.pix[i+1], B: im.pix[i+2], A: 0xff}
}

func newRGB24Image(pix []byte, width, height int) (*rgb24Image, error) {
	if len(pix) < width*height*3 {
		return nil, fmt.Errorf("rgb24 buffer too short: have %d bytes, need %d", len(pix), width*height*3)
	}
	return &rgb24Image{pix: pix, width: width, height: height}, nil
}

// phashRGB24 computes the 256-bit extended perceptual hash of a raw frame.
func phashRGB24(pix []byte, width, height int) (*goimagehash.ExtImageHash, error) {
	img, err := newRGB24Image(pix, width, height)
	if err != nil {
		return nil, err
	}
	return goimagehash.ExtPerceptionHash(img, phashHashSize, phashHashSize)
}

// encodeFrameJPEG writes a raw RGB24 frame as a quality-85 JPEG.
func encodeFrameJPEG(pix []byte, width, height int) ([]byte, error) {
	if len(pix) < width*height*3 {
		return nil, fmt.Errorf("rgb24 buffer too short: have %d bytes, need %d", len(pix), width*height*3)
	}
	rgba := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		src := y * width * 3
		dst := y * rgba.Stride
		for x := 0; x < width; x++ {
			rgba.Pix[dst] = pix[src]
			rgba.Pix[dst+1] = pix[src+1]
			rgba.Pix[dst+2] = pix[src+2]
			rgba.Pix[dst+3] = 0xff
			src += 3
			dst += 4
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: repFrameQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// laplacianVariance scores frame sharpness as the variance of a 3x3 Laplacian
// over the luma plane. Blurry frames produce weak edge responses and score
// near zero; borders are excluded. Scores only compete against each other
// within one video, so absolute calibration does not matter.
func laplacianVariance(pix []byte, width, height int) float64 {
	if width < 3 || height < 3 || len(pix) < width*height*3 {
		return 0
	}
	luma := make([]float64, width*height)
	for i, j := 0, 0; i < width*height; i, j = i+1, j+3 {
		luma[i] = 0.299*float64(pix[j]) + 0.587*float64(pix[j+1]) + 0.114*float64(pix[j+2])
	}

	n := (width - 2) * (height - 2)
	lap := make([]float64, 0, n)
	var sum float64
	for y := 1; y < height-1; y++ {
		row := y * width
		for x := 1; x < width-1; x++ {
			i := row + x
			v := luma[i-width] + luma[i+width] + luma[i-1] + luma[i+1] - 4*luma[i]
			lap = append(lap, v)
			sum += v
		}
	}
	mean := sum / float64(n)
	var variance float64
	for _, v := range lap {
		d := v - mean
		variance += d * d
	}
	return variance / float64(n)
}
