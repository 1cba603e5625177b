package ocr

import (
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"
	"gocv.io/x/gocv"

	"anpr-toll-service/internal/detector"
	"anpr-toll-service/internal/domain/anpr"
	"anpr-toll-service/internal/vision"
)

const plateWhitelist = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// TesseractRecognizer reads plate text with Tesseract. A gosseract client is
// not safe for concurrent use, so calls are serialized.
type TesseractRecognizer struct {
	mu     sync.Mutex
	client *gosseract.Client
}

func NewTesseractRecognizer(language string) (*TesseractRecognizer, error) {
	client := gosseract.NewClient()
	if err := client.SetLanguage(language); err != nil {
		client.Close()
		return nil, fmt.Errorf("set OCR language: %w", err)
	}
	if err := client.SetWhitelist(plateWhitelist); err != nil {
		client.Close()
		return nil, fmt.Errorf("set OCR whitelist: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		client.Close()
		return nil, fmt.Errorf("set page segmentation mode: %w", err)
	}
	return &TesseractRecognizer{client: client}, nil
}

// ReadText crops region, binarizes it and returns one read per recognized
// line. Confidence is Tesseract's word confidence averaged over the line and
// scaled to [0, 1].
func (r *TesseractRecognizer) ReadText(frame anpr.Frame, region image.Rectangle) ([]detector.TextRead, error) {
	png, err := preprocess(frame, region)
	if err != nil || png == nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.client.SetImageFromBytes(png); err != nil {
		return nil, fmt.Errorf("set OCR image: %w", err)
	}
	lines, err := r.client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, fmt.Errorf("recognize text: %w", err)
	}

	reads := make([]detector.TextRead, 0, len(lines))
	for _, line := range lines {
		text := strings.Join(strings.Fields(line.Word), "")
		if text == "" {
			continue
		}
		reads = append(reads, detector.TextRead{Text: text, Confidence: line.Confidence / 100})
	}
	return reads, nil
}

func (r *TesseractRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client.Close()
}

// preprocess returns a PNG of the region scaled to a fixed height and
// adaptively thresholded, or nil when the region is too small to read.
func preprocess(frame anpr.Frame, region image.Rectangle) ([]byte, error) {
	region = region.Intersect(frame.Bounds())
	if region.Dx() < 20 || region.Dy() < 10 {
		return nil, nil
	}

	src, err := vision.MatFromFrame(frame)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	roi := src.Region(region)
	defer roi.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	if roi.Channels() == 1 {
		roi.CopyTo(&gray)
	} else if err := gocv.CvtColor(roi, &gray, gocv.ColorBGRToGray); err != nil {
		return nil, fmt.Errorf("grayscale: %w", err)
	}

	const targetHeight = 100
	targetWidth := region.Dx() * targetHeight / region.Dy()
	resized := gocv.NewMat()
	defer resized.Close()
	if err := gocv.Resize(gray, &resized, image.Pt(targetWidth, targetHeight), 0, 0, gocv.InterpolationLinear); err != nil {
		return nil, fmt.Errorf("resize: %w", err)
	}

	thresh := gocv.NewMat()
	defer thresh.Close()
	if err := gocv.AdaptiveThreshold(resized, &thresh, 255, gocv.AdaptiveThresholdGaussian, gocv.ThresholdBinary, 11, 2); err != nil {
		return nil, fmt.Errorf("threshold: %w", err)
	}

	buf, err := gocv.IMEncode(gocv.PNGFileExt, thresh)
	if err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	defer buf.Close()

	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, nil
}
