package vision

import (
	"fmt"
	"image"
	"sort"

	"gocv.io/x/gocv"

	"anpr-toll-service/internal/domain/anpr"
)

// ContourLocalizer finds plate-shaped regions with edge detection and
// morphology. It needs no model file.
type ContourLocalizer struct {
	MinArea, MaxArea     float64
	MinAspect, MaxAspect float64
	MinWidth, MinHeight  int
	Padding              int
}

func NewContourLocalizer() *ContourLocalizer {
	return &ContourLocalizer{
		MinArea:   1000,
		MaxArea:   50000,
		MinAspect: 2.0,
		MaxAspect: 6.0,
		MinWidth:  80,
		MinHeight: 20,
		Padding:   5,
	}
}

func (l *ContourLocalizer) Predict(frame anpr.Frame) ([]image.Rectangle, error) {
	src, err := MatFromFrame(frame)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	if err := toGray(src, &gray); err != nil {
		return nil, fmt.Errorf("grayscale: %w", err)
	}

	blurred := gocv.NewMat()
	defer blurred.Close()
	if err := gocv.GaussianBlur(gray, &blurred, image.Pt(5, 5), 0, 0, gocv.BorderDefault); err != nil {
		return nil, fmt.Errorf("blur: %w", err)
	}

	edges := gocv.NewMat()
	defer edges.Close()
	if err := gocv.Canny(blurred, &edges, 30, 200); err != nil {
		return nil, fmt.Errorf("canny: %w", err)
	}

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(17, 3))
	defer kernel.Close()

	morphed := gocv.NewMat()
	defer morphed.Close()
	if err := gocv.MorphologyEx(edges, &morphed, gocv.MorphClose, kernel); err != nil {
		return nil, fmt.Errorf("morphology: %w", err)
	}

	contours := gocv.FindContours(morphed, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	type scored struct {
		rect image.Rectangle
		area float64
	}
	var found []scored
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		area := gocv.ContourArea(c)
		rect := gocv.BoundingRect(c)
		if !l.plausible(rect, area) {
			continue
		}
		found = append(found, scored{rect: padRect(rect, l.Padding, frame.Bounds()), area: area})
	}

	// Larger regions first: a plate close to the camera is the likeliest read.
	sort.SliceStable(found, func(i, j int) bool { return found[i].area > found[j].area })

	boxes := make([]image.Rectangle, 0, len(found))
	for _, f := range found {
		boxes = append(boxes, f.rect)
	}
	return boxes, nil
}

func (l *ContourLocalizer) plausible(rect image.Rectangle, area float64) bool {
	if area < l.MinArea || area > l.MaxArea {
		return false
	}
	if rect.Dx() < l.MinWidth || rect.Dy() < l.MinHeight {
		return false
	}
	aspect := float64(rect.Dx()) / float64(rect.Dy())
	return aspect >= l.MinAspect && aspect <= l.MaxAspect
}

func (l *ContourLocalizer) Close() error {
	return nil
}

// DNNLocalizer runs a single-class YOLO-style plate model through OpenCV's
// dnn module. Rows of the output are (cx, cy, w, h, score) normalized to the
// input size.
type DNNLocalizer struct {
	net           gocv.Net
	inputSize     image.Point
	confThreshold float32
	nmsThreshold  float32
}

func NewDNNLocalizer(modelPath string, confThreshold float32) (*DNNLocalizer, error) {
	net := gocv.ReadNet(modelPath, "")
	if net.Empty() {
		return nil, fmt.Errorf("load plate model %s", modelPath)
	}
	return &DNNLocalizer{
		net:           net,
		inputSize:     image.Pt(640, 640),
		confThreshold: confThreshold,
		nmsThreshold:  0.45,
	}, nil
}

func (l *DNNLocalizer) Predict(frame anpr.Frame) ([]image.Rectangle, error) {
	src, err := MatFromFrame(frame)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	blob := gocv.BlobFromImage(src, 1.0/255.0, l.inputSize, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	l.net.SetInput(blob, "")
	output := l.net.Forward("")
	defer output.Close()

	sizes := output.Size()
	if len(sizes) < 3 || sizes[2] < 5 {
		return nil, fmt.Errorf("unexpected model output shape %v", sizes)
	}
	rows := output.Reshape(1, sizes[1])
	defer rows.Close()

	var (
		boxes  []image.Rectangle
		scores []float32
	)
	for i := 0; i < rows.Rows(); i++ {
		score := rows.GetFloatAt(i, 4)
		if score < l.confThreshold {
			continue
		}
		cx, cy := rows.GetFloatAt(i, 0), rows.GetFloatAt(i, 1)
		w, h := rows.GetFloatAt(i, 2), rows.GetFloatAt(i, 3)

		left := int((cx - w/2) * float32(frame.Width))
		top := int((cy - h/2) * float32(frame.Height))
		rect := image.Rect(left, top, left+int(w*float32(frame.Width)), top+int(h*float32(frame.Height)))
		boxes = append(boxes, rect.Intersect(frame.Bounds()))
		scores = append(scores, score)
	}
	if len(boxes) == 0 {
		return nil, nil
	}

	indices := gocv.NMSBoxes(boxes, scores, l.confThreshold, l.nmsThreshold)
	sort.SliceStable(indices, func(i, j int) bool { return scores[indices[i]] > scores[indices[j]] })

	out := make([]image.Rectangle, 0, len(indices))
	for _, idx := range indices {
		if !boxes[idx].Empty() {
			out = append(out, boxes[idx])
		}
	}
	return out, nil
}

func (l *DNNLocalizer) Close() error {
	return l.net.Close()
}

func padRect(r image.Rectangle, pad int, bounds image.Rectangle) image.Rectangle {
	return image.Rect(r.Min.X-pad, r.Min.Y-pad, r.Max.X+pad, r.Max.Y+pad).Intersect(bounds)
}
