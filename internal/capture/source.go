package capture

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"anpr-toll-service/internal/domain/anpr"
)

var (
	// ErrSourceUnavailable is returned by Open when the device or stream cannot be reached.
	ErrSourceUnavailable = errors.New("frame source unavailable")
	// ErrEndOfStream is the normal termination signal of Stream.Next.
	ErrEndOfStream = errors.New("end of stream")
)

// Source opens a live video feed. Open fails fast and does not retry.
type Source interface {
	Open() (Stream, error)
	String() string
}

// Stream yields frames at the feed's native rate. Next may block until a
// frame is available. Close releases the underlying handle and unblocks a
// pending Next, which then reports ErrEndOfStream. Close may be called more
// than once, including after Next has reported the end of the stream.
type Stream interface {
	Next() (anpr.Frame, error)
	Close() error
}

type Kind string

const (
	KindDevice  Kind = "device"
	KindNetwork Kind = "network"
)

// Spec identifies a feed: a local device index or a network stream address
// with protocol and credentials embedded.
type Spec struct {
	Kind    Kind
	Device  int
	Address string
}

func ParseSpec(raw string) (Spec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Spec{}, fmt.Errorf("%w: empty source", ErrSourceUnavailable)
	}

	if idx, err := strconv.Atoi(raw); err == nil {
		if idx < 0 {
			return Spec{}, fmt.Errorf("%w: negative device index %d", ErrSourceUnavailable, idx)
		}
		return Spec{Kind: KindDevice, Device: idx}, nil
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Spec{}, fmt.Errorf("%w: invalid stream address %q", ErrSourceUnavailable, MaskAddress(raw))
	}
	return Spec{Kind: KindNetwork, Address: raw}, nil
}

func (s Spec) String() string {
	if s.Kind == KindDevice {
		return fmt.Sprintf("device:%d", s.Device)
	}
	return MaskAddress(s.Address)
}

// MaskAddress hides the password part of a stream address.
func MaskAddress(address string) string {
	u, err := url.Parse(address)
	if err != nil || u.User == nil {
		return address
	}
	if _, ok := u.User.Password(); !ok {
		return address
	}
	user := u.User.Username()
	u.User = nil
	rest := strings.TrimPrefix(u.String(), u.Scheme+"://")
	return u.Scheme + "://" + user + ":****@" + rest
}
