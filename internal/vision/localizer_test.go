//go:build cgo

package vision

import (
	"bytes"
	"image"
	"image/color"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"anpr-toll-service/internal/domain/anpr"
)

func TestPadRect(t *testing.T) {
	bounds := image.Rect(0, 0, 640, 480)

	tests := []struct {
		name string
		rect image.Rectangle
		pad  int
		want image.Rectangle
	}{
		{"inside", image.Rect(100, 100, 200, 140), 5, image.Rect(95, 95, 205, 145)},
		{"clipped at origin", image.Rect(2, 3, 100, 40), 5, image.Rect(0, 0, 105, 45)},
		{"clipped at far edge", image.Rect(600, 450, 638, 478), 5, image.Rect(595, 445, 640, 480)},
		{"no padding", image.Rect(10, 10, 90, 30), 0, image.Rect(10, 10, 90, 30)},
		{"outside bounds", image.Rect(700, 500, 800, 540), 5, image.Rectangle{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := padRect(tt.rect, tt.pad, bounds)
			if !got.Eq(tt.want) {
				t.Errorf("padRect() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatType(t *testing.T) {
	tests := []struct {
		channels int
		want     gocv.MatType
		wantErr  bool
	}{
		{1, gocv.MatTypeCV8UC1, false},
		{3, gocv.MatTypeCV8UC3, false},
		{4, gocv.MatTypeCV8UC4, false},
		{0, 0, true},
		{2, 0, true},
	}

	for _, tt := range tests {
		got, err := matType(tt.channels)
		if (err != nil) != tt.wantErr {
			t.Errorf("matType(%d) error = %v, wantErr %v", tt.channels, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("matType(%d) = %v, want %v", tt.channels, got, tt.want)
		}
	}
}

func TestContourLocalizer_Plausible(t *testing.T) {
	l := NewContourLocalizer()

	tests := []struct {
		name string
		rect image.Rectangle
		area float64
		want bool
	}{
		{"typical plate", image.Rect(0, 0, 200, 50), 9000, true},
		{"area too small", image.Rect(0, 0, 200, 50), 500, false},
		{"area too large", image.Rect(0, 0, 400, 100), 60000, false},
		{"too narrow", image.Rect(0, 0, 70, 25), 1500, false},
		{"too short", image.Rect(0, 0, 100, 15), 1400, false},
		{"square", image.Rect(0, 0, 100, 100), 9000, false},
		{"too elongated", image.Rect(0, 0, 350, 50), 15000, false},
		{"aspect at lower limit", image.Rect(0, 0, 100, 50), 4500, true},
		{"aspect at upper limit", image.Rect(0, 0, 300, 50), 14000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := l.plausible(tt.rect, tt.area); got != tt.want {
				t.Errorf("plausible(%v, %v) = %v, want %v", tt.rect, tt.area, got, tt.want)
			}
		})
	}
}

func TestFrameMatRoundTrip(t *testing.T) {
	frame := anpr.Frame{Seq: 7, Width: 4, Height: 2, Channels: 3, Pix: make([]byte, 4*2*3)}
	for i := range frame.Pix {
		frame.Pix[i] = byte(i)
	}

	mat, err := MatFromFrame(frame)
	if err != nil {
		t.Fatalf("MatFromFrame() error = %v", err)
	}
	defer mat.Close()

	at := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	got := FrameFromMat(mat, 8, at)
	if got.Width != 4 || got.Height != 2 || got.Channels != 3 {
		t.Fatalf("FrameFromMat() dims = %dx%dx%d, want 4x2x3", got.Width, got.Height, got.Channels)
	}
	if got.Seq != 8 || !got.CapturedAt.Equal(at) {
		t.Errorf("FrameFromMat() seq/time = %d/%v", got.Seq, got.CapturedAt)
	}
	if !bytes.Equal(got.Pix, frame.Pix) {
		t.Error("pixels changed in round trip")
	}

	if _, err := MatFromFrame(anpr.Frame{}); err == nil {
		t.Error("MatFromFrame(empty) error = nil, want error")
	}
	if _, err := MatFromFrame(anpr.Frame{Width: 1, Height: 1, Channels: 2, Pix: []byte{0, 0}}); err == nil {
		t.Error("MatFromFrame(2 channels) error = nil, want error")
	}
}

func blankFrame(t *testing.T, draw func(m *gocv.Mat)) anpr.Frame {
	t.Helper()
	m := gocv.Zeros(480, 640, gocv.MatTypeCV8UC3)
	defer m.Close()
	if draw != nil {
		draw(&m)
	}
	return FrameFromMat(m, 1, time.Now())
}

func TestContourLocalizer_Predict(t *testing.T) {
	l := NewContourLocalizer()

	t.Run("blank frame", func(t *testing.T) {
		boxes, err := l.Predict(blankFrame(t, nil))
		if err != nil {
			t.Fatalf("Predict() error = %v", err)
		}
		if len(boxes) != 0 {
			t.Errorf("Predict() = %v, want no regions", boxes)
		}
	})

	t.Run("plate shaped block", func(t *testing.T) {
		plate := image.Rect(200, 200, 400, 250)
		frame := blankFrame(t, func(m *gocv.Mat) {
			_ = gocv.Rectangle(m, plate, color.RGBA{R: 255, G: 255, B: 255, A: 0}, -1)
		})

		boxes, err := l.Predict(frame)
		if err != nil {
			t.Fatalf("Predict() error = %v", err)
		}
		if len(boxes) == 0 {
			t.Fatal("Predict() found no regions")
		}
		center := image.Pt(300, 225)
		if !center.In(boxes[0]) {
			t.Errorf("Predict()[0] = %v, want a region around %v", boxes[0], plate)
		}
		if !boxes[0].In(frame.Bounds()) {
			t.Errorf("Predict()[0] = %v outside frame", boxes[0])
		}
	})

	t.Run("empty frame", func(t *testing.T) {
		if _, err := l.Predict(anpr.Frame{}); err == nil {
			t.Error("Predict(empty) error = nil, want error")
		}
	})
}

func TestJPEGEncoder_Encode(t *testing.T) {
	frame := blankFrame(t, nil)

	for _, plate := range []string{"", "ABC123"} {
		out, err := JPEGEncoder{Quality: 70}.Encode(frame, plate)
		if err != nil {
			t.Fatalf("Encode(%q) error = %v", plate, err)
		}
		if len(out) < 2 || out[0] != 0xFF || out[1] != 0xD8 {
			t.Errorf("Encode(%q) did not produce a JPEG", plate)
		}
	}

	if _, err := (JPEGEncoder{}).Encode(anpr.Frame{}, "X"); err == nil {
		t.Error("Encode(empty) error = nil, want error")
	}
}
