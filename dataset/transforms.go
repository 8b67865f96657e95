// Copyright 2026 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dataset

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"github.com/chewxy/math32"
	"golang.org/x/image/draw"
)

// ImageTransform maps an image to another image. Random transforms draw
// from rng only.
type ImageTransform interface {
	Apply(img image.Image, rng *rand.Rand) *image.RGBA
}

// RandomResizedCrop crops a random region with a random area and aspect ratio
// and resizes it to a square.
type RandomResizedCrop struct {
	Size     int
	MinScale float64
	MaxScale float64
	MinRatio float64
	MaxRatio float64
}

func NewRandomResizedCrop(size int) *RandomResizedCrop {
	return &RandomResizedCrop{
		Size:     size,
		MinScale: 0.08,
		MaxScale: 1,
		MinRatio: 3.0 / 4.0,
		MaxRatio: 4.0 / 3.0,
	}
}

func (t *RandomResizedCrop) Apply(img image.Image, rng *rand.Rand) *image.RGBA {
	return resize(img, t.region(img.Bounds(), rng), t.Size, t.Size)
}

// region samples the crop rectangle. After ten rejected draws it falls back to
// a central crop with the aspect ratio clamped into range.
func (t *RandomResizedCrop) region(bounds image.Rectangle, rng *rand.Rand) image.Rectangle {
	width, height := bounds.Dx(), bounds.Dy()
	area := float64(width * height)
	logMin, logMax := math.Log(t.MinRatio), math.Log(t.MaxRatio)
	for attempt := 0; attempt < 10; attempt++ {
		targetArea := area * (t.MinScale + rng.Float64()*(t.MaxScale-t.MinScale))
		aspectRatio := math.Exp(logMin + rng.Float64()*(logMax-logMin))
		w := int(math.Round(math.Sqrt(targetArea * aspectRatio)))
		h := int(math.Round(math.Sqrt(targetArea / aspectRatio)))
		if w > 0 && h > 0 && w <= width && h <= height {
			top := rng.Intn(height - h + 1)
			left := rng.Intn(width - w + 1)
			return image.Rect(left, top, left+w, top+h).Add(bounds.Min)
		}
	}
	w, h := width, height
	inRatio := float64(width) / float64(height)
	if inRatio < t.MinRatio {
		h = int(math.Round(float64(w) / t.MinRatio))
	} else if inRatio > t.MaxRatio {
		w = int(math.Round(float64(h) * t.MaxRatio))
	}
	top, left := (height-h)/2, (width-w)/2
	return image.Rect(left, top, left+w, top+h).Add(bounds.Min)
}

// RandomHorizontalFlip mirrors the image with probability P.
type RandomHorizontalFlip struct {
	P float64
}

func (t *RandomHorizontalFlip) Apply(img image.Image, rng *rand.Rand) *image.RGBA {
	src := toRGBA(img)
	if rng.Float64() >= t.P {
		return src
	}
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewRGBA(src.Rect)
	for y := 0; y < h; y++ {
		from := src.Pix[y*src.Stride:]
		to := dst.Pix[y*dst.Stride:]
		for x := 0; x < w; x++ {
			copy(to[4*x:4*x+4], from[4*(w-1-x):4*(w-1-x)+4])
		}
	}
	return dst
}

// Resize scales the image so that its shorter side equals Size.
type Resize struct {
	Size int
}

func (t *Resize) Apply(img image.Image, _ *rand.Rand) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= h {
		return resize(img, b, t.Size, t.Size*h/w)
	}
	return resize(img, b, t.Size*w/h, t.Size)
}

// CenterCrop takes the central square of side Size, padding with black when
// the image is smaller.
type CenterCrop struct {
	Size int
}

func (t *CenterCrop) Apply(img image.Image, _ *rand.Rand) *image.RGBA {
	b := img.Bounds()
	top := int(math.Round(float64(b.Dy()-t.Size) / 2))
	left := int(math.Round(float64(b.Dx()-t.Size) / 2))
	dst := image.NewRGBA(image.Rect(0, 0, t.Size, t.Size))
	draw.Draw(dst, dst.Rect, &image.Uniform{C: color.Black}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Rect, img, b.Min.Add(image.Pt(left, top)), draw.Src)
	return dst
}

func resize(img image.Image, src image.Rectangle, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Rect, img, src, draw.Src, nil)
	return dst
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Rect, img, b.Min, draw.Src)
	return dst
}

// Pipeline applies image transforms, converts the result to a CHW tensor in
// [0, 1] and normalizes each channel.
type Pipeline struct {
	Transforms []ImageTransform
	Mean       [3]float32
	Std        [3]float32
}

// NewTrainPipeline augments with a random resized crop and a horizontal flip.
func NewTrainPipeline(cropSize int, mean, std [3]float32) *Pipeline {
	return &Pipeline{
		Transforms: []ImageTransform{NewRandomResizedCrop(cropSize), &RandomHorizontalFlip{P: 0.5}},
		Mean:       mean,
		Std:        std,
	}
}

// NewValPipeline resizes and center crops deterministically.
func NewValPipeline(resizeSize, cropSize int, mean, std [3]float32) *Pipeline {
	return &Pipeline{
		Transforms: []ImageTransform{&Resize{Size: resizeSize}, &CenterCrop{Size: cropSize}},
		Mean:       mean,
		Std:        std,
	}
}

// Apply returns the normalized CHW data and the spatial size of the result.
func (p *Pipeline) Apply(img image.Image, rng *rand.Rand) ([]float32, int, int) {
	for _, t := range p.Transforms {
		img = t.Apply(img, rng)
	}
	data, h, w := ToTensor(toRGBA(img))
	p.Normalize(data, h*w)
	return data, h, w
}

// ToTensor converts an image into CHW data in [0, 1].
func ToTensor(img *image.RGBA) ([]float32, int, int) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	plane := w * h
	data := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		row := img.Pix[img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y):]
		for x := 0; x < w; x++ {
			for c := 0; c < 3; c++ {
				data[c*plane+y*w+x] = float32(row[4*x+c]) / 255
			}
		}
	}
	return data, h, w
}

// Normalize standardizes CHW data in place.
func (p *Pipeline) Normalize(data []float32, plane int) {
	for c := 0; c < 3; c++ {
		for i := c * plane; i < (c+1)*plane; i++ {
			data[i] = (data[i] - p.Mean[c]) / p.Std[c]
		}
	}
}

// Denormalize inverts Normalize and renders CHW data as an image. Values are
// clipped to [0, 1].
func (p *Pipeline) Denormalize(data []float32, height, width int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	plane := height * width
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			offset := img.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				v := data[c*plane+y*width+x]*p.Std[c] + p.Mean[c]
				v = math32.Max(0, math32.Min(1, v))
				img.Pix[offset+c] = uint8(math32.Round(v * 255))
			}
			img.Pix[offset+3] = 255
		}
	}
	return img
}
