package engine

import (
	"fmt"
	"image"
	"strings"

	"WeaponDetServer/schema"

	"gocv.io/x/gocv"
)

// Detect runs one forward pass and returns detections scoring at least
// confidence, with boxes in pixel coordinates of img. Calls are serialized:
// the underlying net is the one shared mutation-sensitive resource and a
// forward pass is not reentrant.
func (d *Detector) Detect(img gocv.Mat, confidence float64) (schema.DetectionSet, error) {
	if img.Empty() {
		return nil, fmt.Errorf("%w: empty frame", schema.ErrInvalidImage)
	}
	if confidence <= 0 || confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v not in (0,1]", schema.ErrInvalidParameter, confidence)
	}

	origW := img.Cols()
	origH := img.Rows()

	out, err := d.forward(img)
	if err != nil {
		return nil, err
	}
	defer func() { _ = out.Close() }()

	return d.decode(&out, confidence, origW, origH)
}

// forward owns the mutex-guarded part of the call. Accelerator
// out-of-memory conditions surface as C++ exceptions turned into panics by
// the cv bindings, so the pass runs under recover.
func (d *Detector) forward(img gocv.Mat) (out gocv.Mat, err error) {
	d.infMu.Lock()
	defer d.infMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprint(r)
			if strings.Contains(strings.ToLower(msg), "memory") {
				err = fmt.Errorf("%w: %s", schema.ErrAcceleratorExhausted, msg)
			} else {
				err = fmt.Errorf("inference failed: %s", msg)
			}
		}
	}()

	blob := gocv.BlobFromImage(img, 1.0/255.0,
		image.Pt(d.inputSize, d.inputSize),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer func() { _ = blob.Close() }()

	d.net.SetInput(blob, "")
	out = d.net.Forward("")
	if out.Empty() {
		_ = out.Close()
		return out, fmt.Errorf("inference produced no output")
	}
	return out, nil
}

// decode parses a YOLO-style [1, 4+numClasses, N] output tensor into
// detections, applies the confidence threshold, non-maximum suppression and
// clamps boxes to the original image.
func (d *Detector) decode(out *gocv.Mat, confidence float64, origW, origH int) (schema.DetectionSet, error) {
	sz := out.Size()
	if len(sz) != 3 || sz[1] < 5 {
		return nil, fmt.Errorf("unexpected model output shape %v", sz)
	}
	channels := sz[1]
	candidates := sz[2]
	numClasses := channels - 4
	if numClasses > len(d.names) {
		numClasses = len(d.names)
	}

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read model output: %w", err)
	}

	sx := float64(origW) / float64(d.inputSize)
	sy := float64(origH) / float64(d.inputSize)

	var rects []image.Rectangle
	var scores []float32
	var classIDs []int
	var boxes []schema.BoundingBox

	for j := 0; j < candidates; j++ {
		bestClass := -1
		bestScore := float32(0)
		for c := 0; c < numClasses; c++ {
			if s := data[(4+c)*candidates+j]; s > bestScore {
				bestScore = s
				bestClass = c
			}
		}
		if bestClass < 0 || float64(bestScore) < confidence {
			continue
		}

		cx := float64(data[0*candidates+j])
		cy := float64(data[1*candidates+j])
		w := float64(data[2*candidates+j])
		h := float64(data[3*candidates+j])

		box := schema.BoundingBox{
			X1: clamp((cx-w/2)*sx, 0, float64(origW)),
			Y1: clamp((cy-h/2)*sy, 0, float64(origH)),
			X2: clamp((cx+w/2)*sx, 0, float64(origW)),
			Y2: clamp((cy+h/2)*sy, 0, float64(origH)),
		}
		if !box.Valid() {
			continue
		}

		rects = append(rects, image.Rect(int(box.X1), int(box.Y1), int(box.X2), int(box.Y2)))
		scores = append(scores, bestScore)
		classIDs = append(classIDs, bestClass)
		boxes = append(boxes, box)
	}

	if len(rects) == 0 {
		return schema.DetectionSet{}, nil
	}

	keep := gocv.NMSBoxes(rects, scores, float32(confidence), float32(d.iou))
	detections := make(schema.DetectionSet, 0, len(keep))
	for _, idx := range keep {
		if idx < 0 || idx >= len(boxes) {
			continue
		}
		detections = append(detections, schema.Detection{
			ClassName:   d.className(classIDs[idx]),
			Confidence:  float64(scores[idx]),
			BoundingBox: boxes[idx],
			ClassID:     classIDs[idx],
		})
	}
	return detections, nil
}

func (d *Detector) className(id int) string {
	if id >= 0 && id < len(d.names) {
		return d.names[id]
	}
	return fmt.Sprintf("class_%d", id)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
