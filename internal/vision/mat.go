package vision

import (
	"fmt"
	"time"

	"gocv.io/x/gocv"

	"anpr-toll-service/internal/domain/anpr"
)

// FrameFromMat copies the pixels of m into a Frame. The Mat stays owned by
// the caller.
func FrameFromMat(m gocv.Mat, seq uint64, at time.Time) anpr.Frame {
	return anpr.Frame{
		Seq:        seq,
		CapturedAt: at,
		Width:      m.Cols(),
		Height:     m.Rows(),
		Channels:   m.Channels(),
		Pix:        m.ToBytes(),
	}
}

// MatFromFrame builds a Mat over a copy of the frame's pixels. Callers must Close it.
func MatFromFrame(f anpr.Frame) (gocv.Mat, error) {
	if f.Empty() {
		return gocv.NewMat(), fmt.Errorf("empty frame")
	}
	mt, err := matType(f.Channels)
	if err != nil {
		return gocv.NewMat(), err
	}
	return gocv.NewMatFromBytes(f.Height, f.Width, mt, append([]byte(nil), f.Pix...))
}

func matType(channels int) (gocv.MatType, error) {
	switch channels {
	case 1:
		return gocv.MatTypeCV8UC1, nil
	case 3:
		return gocv.MatTypeCV8UC3, nil
	case 4:
		return gocv.MatTypeCV8UC4, nil
	}
	return 0, fmt.Errorf("unsupported channel count %d", channels)
}

func toGray(src gocv.Mat, dst *gocv.Mat) error {
	switch src.Channels() {
	case 1:
		src.CopyTo(dst)
		return nil
	case 4:
		return gocv.CvtColor(src, dst, gocv.ColorBGRAToGray)
	default:
		return gocv.CvtColor(src, dst, gocv.ColorBGRToGray)
	}
}
