// Package software implements engine.ResizeEngine on the CPU
package software

import (
	"fmt"

	"github.com/bmharper/cimg/v2"
)

type ResizeQuality int

const (
	ResizeQualityLow ResizeQuality = iota
	ResizeQualityHigh
)

// Resizer letterboxes pictures with cimg
type Resizer struct {
	Quality ResizeQuality
}

func NewResizer(quality ResizeQuality) *Resizer {
	return &Resizer{Quality: quality}
}

// FitRect returns the size and offset of src when it is fitted, centered, into dst
func FitRect(srcWidth, srcHeight, dstWidth, dstHeight int) (width, height, offsetX, offsetY int, scale float32) {
	scaleX := float32(dstWidth) / float32(srcWidth)
	scaleY := float32(dstHeight) / float32(srcHeight)
	scale = min(scaleX, scaleY)
	width = min(int(float32(srcWidth)*scale+0.5), dstWidth)
	height = min(int(float32(srcHeight)*scale+0.5), dstHeight)
	offsetX = (dstWidth - width) / 2
	offsetY = (dstHeight - height) / 2
	return
}

func (r *Resizer) Resize(src, dst *cimg.Image) error {
	if src.Width <= 0 || src.Height <= 0 || dst.Width <= 0 || dst.Height <= 0 {
		return fmt.Errorf("Invalid resize %vx%v -> %vx%v", src.Width, src.Height, dst.Width, dst.Height)
	}
	if src.Format != dst.Format {
		return fmt.Errorf("Resize pixel format mismatch (%v -> %v)", src.Format, dst.Format)
	}
	nchan := dst.NChan()
	width, height, offsetX, offsetY, scale := FitRect(src.Width, src.Height, dst.Width, dst.Height)

	// Black bars on both sides of the picture
	for y := 0; y < dst.Height; y++ {
		clear(dst.Pixels[y*dst.Stride : y*dst.Stride+nchan*dst.Width])
	}

	inner := cimg.WrapImageStrided(width, height, dst.Format, dst.Pixels[offsetY*dst.Stride+offsetX*nchan:], dst.Stride)
	if width == src.Width && height == src.Height {
		inner.CopyImageRect(src, 0, 0, width, height, 0, 0)
		return nil
	}
	params := cimg.ResizeParams{CheapSRGBFilter: true}
	if r.Quality == ResizeQualityHigh {
		params.Filter = cimg.ResizeFilterCatmullRom
	} else if scale < 1 {
		// Box filter for downsampling, in case we have a massive ratio
		params.Filter = cimg.ResizeFilterBox
	} else {
		// Triangle is bilinear on upsampling
		params.Filter = cimg.ResizeFilterTriangle
	}
	cimg.Resize(src, inner, &params)
	return nil
}
