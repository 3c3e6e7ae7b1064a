package service

import (
	"fmt"
	"image"
	"image/color"

	"WeaponDetServer/schema"

	"gocv.io/x/gocv"
)

var (
	boxColor   = color.RGBA{R: 220, G: 30, B: 30, A: 0}
	labelColor = color.RGBA{R: 255, G: 255, B: 255, A: 0}
)

// renderAnnotated draws boxes and class labels onto a clone of frame and
// returns it JPEG-encoded. The caller's frame is never mutated and the
// output keeps the input's pixel dimensions.
func renderAnnotated(frame gocv.Mat, detections schema.DetectionSet) ([]byte, error) {
	canvas := frame.Clone()
	defer func() { _ = canvas.Close() }()

	for _, det := range detections {
		b := det.BoundingBox
		rect := image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
		gocv.Rectangle(&canvas, rect, boxColor, 2)

		label := fmt.Sprintf("%s %.2f", det.ClassName, det.Confidence)
		origin := image.Pt(int(b.X1), int(b.Y1)-6)
		if origin.Y < 12 {
			origin.Y = int(b.Y1) + 16
		}
		size := gocv.GetTextSize(label, gocv.FontHersheySimplex, 0.5, 1)
		bg := image.Rect(origin.X, origin.Y-size.Y-2, origin.X+size.X+2, origin.Y+2)
		gocv.Rectangle(&canvas, bg, boxColor, -1)
		gocv.PutText(&canvas, label, origin, gocv.FontHersheySimplex, 0.5, labelColor, 1)
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, canvas)
	if err != nil {
		return nil, fmt.Errorf("encode annotated image: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}
