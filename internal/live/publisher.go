package live

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"anpr-toll-service/internal/domain/anpr"
)

// Encoder renders a frame for the live view, overlaying plate when it is not empty.
type Encoder interface {
	Encode(frame anpr.Frame, plate string) ([]byte, error)
}

// Publisher fans encoded frames out to live-view subscribers and remembers
// the most recent accepted plate. Each subscriber only ever holds the newest
// frame; a slow consumer skips frames instead of stalling acquisition.
type Publisher struct {
	encoder Encoder
	log     zerolog.Logger

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool

	plateMu sync.RWMutex
	plate   *anpr.AcceptedPlate

	published    atomic.Uint64
	encodeErrors atomic.Uint64
}

func NewPublisher(encoder Encoder, log zerolog.Logger) *Publisher {
	return &Publisher{
		encoder: encoder,
		log:     log.With().Str("component", "live_publisher").Logger(),
		subs:    make(map[*Subscription]struct{}),
	}
}

func (p *Publisher) SetPlate(plate anpr.AcceptedPlate) {
	p.plateMu.Lock()
	p.plate = &plate
	p.plateMu.Unlock()
}

func (p *Publisher) LatestPlate() (anpr.AcceptedPlate, bool) {
	p.plateMu.RLock()
	defer p.plateMu.RUnlock()
	if p.plate == nil {
		return anpr.AcceptedPlate{}, false
	}
	return *p.plate, true
}

// Publish encodes frame with the current plate overlay and hands it to every
// subscriber. Frames are not encoded while nobody is watching.
func (p *Publisher) Publish(frame anpr.Frame) {
	p.mu.Lock()
	if p.closed || len(p.subs) == 0 {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	label := ""
	if plate, ok := p.LatestPlate(); ok {
		label = plate.Plate
	}
	img, err := p.encoder.Encode(frame, label)
	if err != nil {
		if p.encodeErrors.Add(1) == 1 {
			p.log.Warn().Err(err).Uint64("frame_seq", frame.Seq).Msg("failed to encode live frame")
		}
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for sub := range p.subs {
		sub.offer(img)
	}
	p.published.Add(1)
}

// Subscribe returns a stream of encoded frames. It ends when the publisher is
// closed or the subscription is cancelled. Subscribing after Close yields an
// already-ended stream.
func (p *Publisher) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan []byte, 1), pub: p}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		close(sub.ch)
		sub.done = true
		return sub
	}
	p.subs[sub] = struct{}{}
	return sub
}

// Close ends every subscription. Called when the frame source ends.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for sub := range p.subs {
		sub.finish()
	}
	p.subs = nil
}

func (p *Publisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

type PublisherStats struct {
	Published    uint64 `json:"frames_published"`
	EncodeErrors uint64 `json:"encode_errors"`
	Subscribers  int    `json:"subscribers"`
}

func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Published:    p.published.Load(),
		EncodeErrors: p.encodeErrors.Load(),
		Subscribers:  p.Subscribers(),
	}
}

// Subscription is one consumer of the live feed. Fields are guarded by the
// publisher's mutex.
type Subscription struct {
	ch   chan []byte
	pub  *Publisher
	done bool
}

func (s *Subscription) Frames() <-chan []byte {
	return s.ch
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.pub.mu.Lock()
	defer s.pub.mu.Unlock()
	if s.done {
		return
	}
	delete(s.pub.subs, s)
	s.finish()
}

func (s *Subscription) offer(img []byte) {
	select {
	case s.ch <- img:
		return
	default:
	}
	// Replace the stale frame.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- img:
	default:
	}
}

func (s *Subscription) finish() {
	s.done = true
	close(s.ch)
}
