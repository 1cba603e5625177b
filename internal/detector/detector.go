package detector

import (
	"fmt"
	"image"

	"github.com/rs/zerolog"

	"anpr-toll-service/internal/domain/anpr"
)

// Localizer finds candidate plate regions in a frame, in detection order.
type Localizer interface {
	Predict(frame anpr.Frame) ([]image.Rectangle, error)
}

type TextRead struct {
	Text       string
	Confidence float64
}

// Recognizer reads text inside one region of a frame.
type Recognizer interface {
	ReadText(frame anpr.Frame, region image.Rectangle) ([]TextRead, error)
}

type Options struct {
	Threshold float64
	// WholeFrameFallback runs recognition on the full frame when the
	// localizer finds no region.
	WholeFrameFallback bool
}

type Detector struct {
	localizer  Localizer
	recognizer Recognizer
	opts       Options
	log        zerolog.Logger
}

func New(localizer Localizer, recognizer Recognizer, opts Options, log zerolog.Logger) *Detector {
	if opts.Threshold <= 0 || opts.Threshold >= 1 {
		opts.Threshold = DefaultConfidenceThreshold
	}
	return &Detector{
		localizer:  localizer,
		recognizer: recognizer,
		opts:       opts,
		log:        log.With().Str("component", "detector").Logger(),
	}
}

func (d *Detector) regions(frame anpr.Frame) ([]image.Rectangle, error) {
	boxes, err := d.localizer.Predict(frame)
	if err != nil {
		return nil, fmt.Errorf("localize plates: %w", err)
	}
	if len(boxes) == 0 && d.opts.WholeFrameFallback {
		boxes = []image.Rectangle{frame.Bounds()}
	}
	return boxes, nil
}

// Detect returns the first candidate that passes validation. Regions after
// the first accepted one are not read. ok is false when nothing was accepted.
//
// First-wins rather than highest-confidence keeps detection latency bounded.
func (d *Detector) Detect(frame anpr.Frame) (plate anpr.AcceptedPlate, ok bool, err error) {
	if frame.Empty() {
		return anpr.AcceptedPlate{}, false, nil
	}

	boxes, err := d.regions(frame)
	if err != nil {
		return anpr.AcceptedPlate{}, false, err
	}

	for _, box := range boxes {
		reads, err := d.recognizer.ReadText(frame, box)
		if err != nil {
			return anpr.AcceptedPlate{}, false, fmt.Errorf("read text in %v: %w", box, err)
		}
		for _, r := range reads {
			c := anpr.Candidate{Box: box, Text: r.Text, Confidence: r.Confidence}
			if plate, ok := d.accept(frame, c); ok {
				return plate, true, nil
			}
		}
	}

	return anpr.AcceptedPlate{}, false, nil
}

func (d *Detector) accept(frame anpr.Frame, c anpr.Candidate) (anpr.AcceptedPlate, bool) {
	normalized, ok := AcceptAbove(c.Text, c.Confidence, d.opts.Threshold)
	if !ok {
		d.log.Debug().
			Str("text", c.Text).
			Float64("confidence", c.Confidence).
			Uint64("frame_seq", frame.Seq).
			Msg("candidate rejected")
		return anpr.AcceptedPlate{}, false
	}
	return anpr.AcceptedPlate{
		Plate:      normalized,
		Raw:        c.Text,
		Confidence: c.Confidence,
		Box:        c.Box,
		FrameSeq:   frame.Seq,
		DetectedAt: frame.CapturedAt,
	}, true
}
