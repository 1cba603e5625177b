package detector

import (
	"errors"
	"image"
	"testing"

	"github.com/rs/zerolog"

	"anpr-toll-service/internal/domain/anpr"
)

func TestAccept(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		confidence float64
		want       string
		ok         bool
	}{
		{"valid ten chars", "MH12AB1234", 0.85, "MH12AB1234", true},
		{"valid with separators", "mh-12 ab 1234", 0.9, "MH12AB1234", true},
		{"single digit district single series letter", "DL3C4567", 0.8, "DL3C4567", true},
		{"three series letters three digits", "KA01ABC123", 0.99, "KA01ABC123", true},
		{"confidence at threshold", "MH12AB1234", 0.7, "", false},
		{"confidence below threshold", "MH12AB1234", 0.5, "", false},
		{"missing series", "MH121234", 0.95, "", false},
		{"too many digits", "MH12AB12345", 0.95, "", false},
		{"too few trailing digits", "MH12AB12", 0.95, "", false},
		{"starts with digit", "1H12AB1234", 0.95, "", false},
		{"four series letters", "MH12ABCD1234", 0.95, "", false},
		{"three district digits", "MH123AB1234", 0.95, "", false},
		{"empty", "", 0.95, "", false},
		{"unrelated sign text", "TOLL PLAZA", 0.95, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Accept(tt.text, tt.confidence)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Accept(%q, %v) = (%q, %v), want (%q, %v)", tt.text, tt.confidence, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestAccept_ConfidenceGate(t *testing.T) {
	for _, c := range []float64{0, 0.1, 0.5, 0.69, 0.7} {
		if _, ok := Accept("MH12AB1234", c); ok {
			t.Errorf("Accept accepted confidence %v", c)
		}
	}
	for _, c := range []float64{0.71, 0.8, 1} {
		if _, ok := Accept("MH12AB1234", c); !ok {
			t.Errorf("Accept rejected confidence %v", c)
		}
	}
}

func TestAccept_GrammarGateIgnoresConfidence(t *testing.T) {
	for _, text := range []string{"AB", "1234", "ABCDEFGHIJ", "MH12", "12MH34AB"} {
		if _, ok := Accept(text, 1.0); ok {
			t.Errorf("Accept(%q, 1.0) accepted non-plate text", text)
		}
	}
}

type fakeLocalizer struct {
	boxes []image.Rectangle
	err   error
}

func (f *fakeLocalizer) Predict(anpr.Frame) ([]image.Rectangle, error) {
	return f.boxes, f.err
}

type fakeRecognizer struct {
	reads map[image.Rectangle][]TextRead
	err   error
	calls []image.Rectangle
}

func (f *fakeRecognizer) ReadText(_ anpr.Frame, region image.Rectangle) ([]TextRead, error) {
	f.calls = append(f.calls, region)
	if f.err != nil {
		return nil, f.err
	}
	return f.reads[region], nil
}

var (
	boxA = image.Rect(0, 0, 10, 5)
	boxB = image.Rect(20, 0, 30, 5)
	boxC = image.Rect(40, 0, 50, 5)
)

func frame() anpr.Frame {
	return anpr.Frame{Seq: 42, Width: 64, Height: 32, Channels: 3, Pix: make([]byte, 64*32*3)}
}

func TestDetector_FirstAcceptedWins(t *testing.T) {
	rec := &fakeRecognizer{reads: map[image.Rectangle][]TextRead{
		boxA: {{Text: "NOISE", Confidence: 0.99}},
		boxB: {{Text: "MH12AB1234", Confidence: 0.75}},
		boxC: {{Text: "KA01ABC123", Confidence: 0.99}},
	}}
	d := New(&fakeLocalizer{boxes: []image.Rectangle{boxA, boxB, boxC}}, rec, Options{}, zerolog.Nop())

	plate, ok, err := d.Detect(frame())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if !ok {
		t.Fatal("Detect() found nothing")
	}
	if plate.Plate != "MH12AB1234" {
		t.Errorf("plate = %q, want MH12AB1234", plate.Plate)
	}
	if plate.Box != boxB || plate.FrameSeq != 42 {
		t.Errorf("unexpected metadata %+v", plate)
	}
	if len(rec.calls) != 2 {
		t.Errorf("recognizer called %d times, want 2 (short circuit)", len(rec.calls))
	}
}

func TestDetector_NoDetection(t *testing.T) {
	rec := &fakeRecognizer{reads: map[image.Rectangle][]TextRead{
		boxA: {{Text: "MH12AB1234", Confidence: 0.4}},
	}}
	d := New(&fakeLocalizer{boxes: []image.Rectangle{boxA}}, rec, Options{}, zerolog.Nop())

	_, ok, err := d.Detect(frame())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if ok {
		t.Error("expected no detection")
	}
}

func TestDetector_EmptyFrame(t *testing.T) {
	loc := &fakeLocalizer{err: errors.New("must not be called")}
	d := New(loc, &fakeRecognizer{}, Options{}, zerolog.Nop())

	_, ok, err := d.Detect(anpr.Frame{})
	if err != nil || ok {
		t.Errorf("Detect(empty) = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestDetector_PropagatesErrors(t *testing.T) {
	boom := errors.New("boom")

	d := New(&fakeLocalizer{err: boom}, &fakeRecognizer{}, Options{}, zerolog.Nop())
	if _, _, err := d.Detect(frame()); !errors.Is(err, boom) {
		t.Errorf("localizer error = %v, want boom", err)
	}

	d = New(&fakeLocalizer{boxes: []image.Rectangle{boxA}}, &fakeRecognizer{err: boom}, Options{}, zerolog.Nop())
	if _, _, err := d.Detect(frame()); !errors.Is(err, boom) {
		t.Errorf("recognizer error = %v, want boom", err)
	}
}

func TestDetector_WholeFrameFallback(t *testing.T) {
	f := frame()
	rec := &fakeRecognizer{reads: map[image.Rectangle][]TextRead{
		f.Bounds(): {{Text: "DL3C4567", Confidence: 0.9}},
	}}

	d := New(&fakeLocalizer{}, rec, Options{}, zerolog.Nop())
	if _, ok, _ := d.Detect(f); ok {
		t.Error("detected without fallback enabled")
	}

	d = New(&fakeLocalizer{}, rec, Options{WholeFrameFallback: true}, zerolog.Nop())
	plate, ok, err := d.Detect(f)
	if err != nil || !ok {
		t.Fatalf("Detect() = (%v, %v), want accepted", ok, err)
	}
	if plate.Plate != "DL3C4567" {
		t.Errorf("plate = %q, want DL3C4567", plate.Plate)
	}
}

func TestDetector_CustomThreshold(t *testing.T) {
	rec := &fakeRecognizer{reads: map[image.Rectangle][]TextRead{
		boxA: {{Text: "MH12AB1234", Confidence: 0.8}},
	}}
	d := New(&fakeLocalizer{boxes: []image.Rectangle{boxA}}, rec, Options{Threshold: 0.9}, zerolog.Nop())
	if _, ok, _ := d.Detect(frame()); ok {
		t.Error("accepted read below configured threshold")
	}
}
