package vision

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"anpr-toll-service/internal/domain/anpr"
)

var overlayColor = color.RGBA{R: 0, G: 255, B: 0, A: 0}

// JPEGEncoder renders frames for the live view, drawing the most recent
// plate as "Plate: <text>" in the top-left corner.
type JPEGEncoder struct {
	Quality int
}

func (e JPEGEncoder) Encode(frame anpr.Frame, plate string) ([]byte, error) {
	mat, err := MatFromFrame(frame)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	if plate != "" {
		if err := gocv.PutText(&mat, "Plate: "+plate, image.Pt(10, 30), gocv.FontHersheySimplex, 1.0, overlayColor, 2); err != nil {
			return nil, fmt.Errorf("draw plate label: %w", err)
		}
	}

	quality := e.Quality
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()

	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, nil
}
