package api

import (
	"fmt"
	"io"

	"github.com/cyclopcam/inferpipe/pkg/nn"
	"github.com/fogleman/gg"
)

// Images wider than this are scaled down
const MaxImageWidth = 640

// Size of the canvas when a result has no image dimensions
const defaultImageWidth = 640
const defaultImageHeight = 480

var boxColors = []string{"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231", "#911eb4", "#46f0f0", "#f032e6"}

// RenderDetections draws the boxes of a result onto a blank canvas of the source image size, and writes a PNG
func RenderDetections(w io.Writer, res *nn.DetectionResult, maxWidth int) error {
	imgW, imgH := res.ImageWidth, res.ImageHeight
	if imgW <= 0 || imgH <= 0 {
		imgW, imgH = defaultImageWidth, defaultImageHeight
	}
	scale := 1.0
	if maxWidth > 0 && imgW > maxWidth {
		scale = float64(maxWidth) / float64(imgW)
	}
	outW := max(int(float64(imgW)*scale+0.5), 1)
	outH := max(int(float64(imgH)*scale+0.5), 1)

	dc := gg.NewContext(outW, outH)
	dc.SetRGB(0.1, 0.1, 0.1)
	dc.Clear()
	dc.SetLineWidth(2)
	for _, obj := range res.Objects {
		b := obj.Box
		x := float64(b.X1) * scale
		y := float64(b.Y1) * scale
		bw := float64(b.Width()) * scale
		bh := float64(b.Height()) * scale
		dc.SetHexColor(boxColors[obj.Class%len(boxColors)])
		dc.DrawRectangle(x, y, bw, bh)
		dc.Stroke()
		label := obj.Label
		if label == "" {
			label = fmt.Sprintf("class %v", obj.Class)
		}
		dc.DrawStringAnchored(fmt.Sprintf("%v %.2f", label, obj.Confidence), x+2, y+2, 0, 1)
	}
	dc.SetRGB(1, 1, 1)
	dc.DrawString(fmt.Sprintf("Channel %v  Frame %v  Objects %v", res.ChannelID, res.FrameID, len(res.Objects)), 4, float64(outH)-6)
	return dc.EncodePNG(w)
}
