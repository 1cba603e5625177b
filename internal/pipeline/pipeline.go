package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"anpr-toll-service/internal/buffer"
	"anpr-toll-service/internal/capture"
	"anpr-toll-service/internal/domain/anpr"
	"anpr-toll-service/internal/service"
)

type PlateDetector interface {
	Detect(frame anpr.Frame) (anpr.AcceptedPlate, bool, error)
}

type TollProcessor interface {
	Process(ctx context.Context, plate anpr.AcceptedPlate, now time.Time) (anpr.BillingOutcome, error)
}

// LiveSink receives every captured frame and every accepted plate.
type LiveSink interface {
	Publish(frame anpr.Frame)
	SetPlate(plate anpr.AcceptedPlate)
	Close()
}

type SnapshotEncoder interface {
	Encode(frame anpr.Frame, plate string) ([]byte, error)
}

type SnapshotUploader interface {
	UploadSnapshot(ctx context.Context, plate string, seenAt time.Time, jpeg []byte) (string, error)
}

type SnapshotRecorder interface {
	SetUnauthorizedSnapshot(ctx context.Context, plate, url string) error
}

// Snapshots stores the frame an unregistered plate was first seen in.
type Snapshots struct {
	Encoder  SnapshotEncoder
	Uploader SnapshotUploader
	Recorder SnapshotRecorder
}

type Config struct {
	CameraID       string
	BufferCapacity int
	// CommitRetries is how many extra attempts a failed toll commit gets.
	CommitRetries int
	RetryBackoff  time.Duration
}

type Pipeline struct {
	source    capture.Source
	detector  PlateDetector
	processor TollProcessor
	live      LiveSink
	snapshots *Snapshots
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time

	mu        sync.Mutex
	started   bool
	stream    capture.Stream
	buf       *buffer.FrameBuffer
	group     *errgroup.Group
	cancel    context.CancelFunc
	startedAt time.Time
	endedAt   time.Time
	lastPlate *anpr.AcceptedPlate

	framesRead     atomic.Uint64
	framesDetected atomic.Uint64
	platesAccepted atomic.Uint64
	detectErrors   atomic.Uint64
	commitFailures atomic.Uint64
	running        atomic.Bool
}

// New builds a pipeline. snapshots may be nil.
func New(source capture.Source, detector PlateDetector, processor TollProcessor, live LiveSink, snapshots *Snapshots, cfg Config, log zerolog.Logger) *Pipeline {
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = buffer.DefaultCapacity
	}
	if cfg.CommitRetries < 0 {
		cfg.CommitRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	return &Pipeline{
		source:    source,
		detector:  detector,
		processor: processor,
		live:      live,
		snapshots: snapshots,
		cfg:       cfg,
		log:       log.With().Str("component", "pipeline").Str("camera_id", cfg.CameraID).Logger(),
		now:       time.Now,
	}
}

// Start opens the source and launches acquisition and detection. When the
// source cannot be opened the error wraps capture.ErrSourceUnavailable and
// nothing is started. A pipeline runs once.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pipeline already started")
	}

	stream, err := p.source.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", p.source, err)
	}
	p.started = true
	p.stream = stream
	p.buf = buffer.New(p.cfg.BufferCapacity)
	p.startedAt = p.now()
	p.running.Store(true)

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	p.group = g

	g.Go(func() error { return p.acquire(gctx) })
	g.Go(func() error { return p.detect(gctx) })

	p.log.Info().Str("source", p.source.String()).Int("buffer_capacity", p.cfg.BufferCapacity).Msg("pipeline started")
	return nil
}

// Wait blocks until both loops have ended.
func (p *Pipeline) Wait() error {
	p.mu.Lock()
	g := p.group
	p.mu.Unlock()
	if g == nil {
		return nil
	}

	err := g.Wait()

	p.mu.Lock()
	p.cancel()
	p.endedAt = p.now()
	p.mu.Unlock()
	p.running.Store(false)

	p.log.Info().
		Uint64("frames_read", p.framesRead.Load()).
		Uint64("frames_detected", p.framesDetected.Load()).
		Uint64("plates_accepted", p.platesAccepted.Load()).
		Msg("pipeline stopped")
	return err
}

// Run is Start followed by Wait.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	return p.Wait()
}

// Stop closes the source. Frames already buffered are still detected and
// billed before Wait returns.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	stream := p.stream
	p.mu.Unlock()
	if stream != nil {
		_ = stream.Close()
	}
}

// acquire reads frames until the stream ends, feeding the live view directly
// and the buffer without blocking. The stream is closed on every exit.
func (p *Pipeline) acquire(ctx context.Context) error {
	defer func() {
		_ = p.stream.Close()
		p.buf.Close()
		if p.live != nil {
			p.live.Close()
		}
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = p.stream.Close()
		case <-stop:
		}
	}()

	for {
		frame, err := p.stream.Next()
		if errors.Is(err, capture.ErrEndOfStream) {
			p.log.Info().Msg("frame source ended")
			return nil
		}
		if err != nil {
			p.log.Error().Err(err).Msg("frame source failed")
			return nil
		}
		p.framesRead.Add(1)

		if p.live != nil {
			p.live.Publish(frame)
		}
		if !p.buf.TryPush(frame) {
			p.log.Debug().Uint64("frame_seq", frame.Seq).Msg("frame buffer full, frame dropped")
		}
	}
}

// detect pops until the buffer is closed and drained or ctx ends.
func (p *Pipeline) detect(ctx context.Context) error {
	for {
		frame, err := p.buf.Pop(ctx)
		if err != nil {
			return nil
		}
		p.handleFrame(ctx, frame)
	}
}

func (p *Pipeline) handleFrame(ctx context.Context, frame anpr.Frame) {
	plate, ok, err := p.safeDetect(frame)
	p.framesDetected.Add(1)
	if err != nil {
		p.detectErrors.Add(1)
		p.log.Warn().Err(err).Uint64("frame_seq", frame.Seq).Msg("detection failed on frame")
		return
	}
	if !ok {
		return
	}

	plate.CameraID = p.cfg.CameraID
	p.platesAccepted.Add(1)
	p.mu.Lock()
	p.lastPlate = &plate
	p.mu.Unlock()
	if p.live != nil {
		p.live.SetPlate(plate)
	}

	// An evaluation that has started is allowed to finish its commit.
	billCtx := context.WithoutCancel(ctx)
	outcome, err := p.bill(billCtx, plate)
	if err != nil {
		p.commitFailures.Add(1)
		p.log.Error().Err(err).Str("plate", plate.Plate).Msg("toll not recorded")
		return
	}

	if outcome.FirstSighting && p.snapshots != nil {
		p.storeSnapshot(billCtx, frame, plate)
	}
}

func (p *Pipeline) safeDetect(frame anpr.Frame) (plate anpr.AcceptedPlate, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()
	return p.detector.Detect(frame)
}

func (p *Pipeline) bill(ctx context.Context, plate anpr.AcceptedPlate) (anpr.BillingOutcome, error) {
	var (
		outcome anpr.BillingOutcome
		err     error
	)
	for attempt := 0; ; attempt++ {
		outcome, err = p.processor.Process(ctx, plate, p.now())
		if err == nil || !errors.Is(err, service.ErrCommitFailed) || attempt >= p.cfg.CommitRetries {
			return outcome, err
		}
		p.log.Warn().Err(err).Str("plate", plate.Plate).Int("attempt", attempt+1).Msg("retrying toll commit")
		time.Sleep(p.cfg.RetryBackoff)
	}
}

func (p *Pipeline) storeSnapshot(ctx context.Context, frame anpr.Frame, plate anpr.AcceptedPlate) {
	img, err := p.snapshots.Encoder.Encode(frame, plate.Plate)
	if err != nil {
		p.log.Warn().Err(err).Str("plate", plate.Plate).Msg("failed to encode snapshot")
		return
	}
	url, err := p.snapshots.Uploader.UploadSnapshot(ctx, plate.Plate, plate.DetectedAt, img)
	if err != nil {
		p.log.Warn().Err(err).Str("plate", plate.Plate).Msg("failed to upload snapshot")
		return
	}
	if err := p.snapshots.Recorder.SetUnauthorizedSnapshot(ctx, plate.Plate, url); err != nil {
		p.log.Warn().Err(err).Str("plate", plate.Plate).Msg("failed to record snapshot url")
		return
	}
	p.log.Info().Str("plate", plate.Plate).Str("url", url).Msg("unauthorized vehicle snapshot stored")
}

type Stats struct {
	Running        bool                `json:"running"`
	Source         string              `json:"source"`
	CameraID       string              `json:"camera_id"`
	StartedAt      *time.Time          `json:"started_at,omitempty"`
	EndedAt        *time.Time          `json:"ended_at,omitempty"`
	FramesRead     uint64              `json:"frames_read"`
	FramesDropped  uint64              `json:"frames_dropped"`
	FramesBuffered int                 `json:"frames_buffered"`
	FramesDetected uint64              `json:"frames_detected"`
	PlatesAccepted uint64              `json:"plates_accepted"`
	DetectErrors   uint64              `json:"detect_errors"`
	CommitFailures uint64              `json:"commit_failures"`
	LastPlate      *anpr.AcceptedPlate `json:"last_plate,omitempty"`
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{
		Running:        p.running.Load(),
		Source:         p.source.String(),
		CameraID:       p.cfg.CameraID,
		FramesRead:     p.framesRead.Load(),
		FramesDetected: p.framesDetected.Load(),
		PlatesAccepted: p.platesAccepted.Load(),
		DetectErrors:   p.detectErrors.Load(),
		CommitFailures: p.commitFailures.Load(),
	}
	if p.buf != nil {
		bs := p.buf.Stats()
		st.FramesDropped = bs.Dropped
		st.FramesBuffered = bs.Len
	}
	if !p.startedAt.IsZero() {
		t := p.startedAt
		st.StartedAt = &t
	}
	if !p.endedAt.IsZero() {
		t := p.endedAt
		st.EndedAt = &t
	}
	if p.lastPlate != nil {
		lp := *p.lastPlate
		st.LastPlate = &lp
	}
	return st
}
