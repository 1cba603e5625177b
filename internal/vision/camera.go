package vision

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"anpr-toll-service/internal/capture"
	"anpr-toll-service/internal/domain/anpr"
)

// DefaultMaxReadFailures is how many consecutive empty reads end a stream.
const DefaultMaxReadFailures = 30

// CameraSource opens a local capture device or a network stream with OpenCV.
type CameraSource struct {
	spec            capture.Spec
	maxReadFailures int
	log             zerolog.Logger
}

func NewCameraSource(spec capture.Spec, log zerolog.Logger) *CameraSource {
	return &CameraSource{
		spec:            spec,
		maxReadFailures: DefaultMaxReadFailures,
		log:             log.With().Str("component", "camera").Str("source", spec.String()).Logger(),
	}
}

func (s *CameraSource) String() string {
	return s.spec.String()
}

func (s *CameraSource) Open() (capture.Stream, error) {
	var target interface{} = s.spec.Address
	if s.spec.Kind == capture.KindDevice {
		target = s.spec.Device
	}

	vc, err := gocv.OpenVideoCapture(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", capture.ErrSourceUnavailable, s.spec, err)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, fmt.Errorf("%w: %s is not opened", capture.ErrSourceUnavailable, s.spec)
	}
	// Keep latency low on network streams; ignored by backends that lack it.
	vc.Set(gocv.VideoCaptureBufferSize, 1)

	s.log.Info().
		Float64("fps", vc.Get(gocv.VideoCaptureFPS)).
		Float64("width", vc.Get(gocv.VideoCaptureFrameWidth)).
		Float64("height", vc.Get(gocv.VideoCaptureFrameHeight)).
		Msg("video capture opened")

	return &cameraStream{
		vc:          vc,
		img:         gocv.NewMat(),
		maxFailures: s.maxReadFailures,
		log:         s.log,
	}, nil
}

type cameraStream struct {
	mu          sync.Mutex
	vc          *gocv.VideoCapture
	img         gocv.Mat
	seq         uint64
	failures    int
	maxFailures int
	closed      atomic.Bool
	log         zerolog.Logger
}

func (s *cameraStream) Next() (anpr.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.closed.Load() {
			return anpr.Frame{}, capture.ErrEndOfStream
		}
		if ok := s.vc.Read(&s.img); ok && !s.img.Empty() {
			s.failures = 0
			s.seq++
			return FrameFromMat(s.img, s.seq, time.Now()), nil
		}

		s.failures++
		if s.failures >= s.maxFailures {
			s.log.Warn().Int("failures", s.failures).Msg("video capture stopped delivering frames")
			if s.closed.CompareAndSwap(false, true) {
				_ = s.release()
			}
			return anpr.Frame{}, capture.ErrEndOfStream
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Close marks the stream closed so a pending Next returns after its current
// read, then releases the capture once that read is done.
func (s *cameraStream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.release()
}

// release frees the capture and frame buffer. Callers hold mu.
func (s *cameraStream) release() error {
	_ = s.img.Close()
	return s.vc.Close()
}
