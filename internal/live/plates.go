package live

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"anpr-toll-service/internal/domain/anpr"
)

const writeWait = 5 * time.Second

// Conn is the part of a websocket connection the broadcaster writes to.
type Conn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// PlateSource yields the latest accepted plate.
type PlateSource interface {
	LatestPlate() (anpr.AcceptedPlate, bool)
}

// PlateBroadcaster sends {"plate": ...} to every connected client once per
// interval. Clients get the current value only; nothing is replayed.
type PlateBroadcaster struct {
	source   PlateSource
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	clients map[Conn]struct{}
}

func NewPlateBroadcaster(source PlateSource, interval time.Duration, log zerolog.Logger) *PlateBroadcaster {
	if interval <= 0 {
		interval = time.Second
	}
	return &PlateBroadcaster{
		source:   source,
		interval: interval,
		log:      log.With().Str("component", "plate_broadcaster").Logger(),
		clients:  make(map[Conn]struct{}),
	}
}

func (b *PlateBroadcaster) Register(conn Conn) {
	b.mu.Lock()
	b.clients[conn] = struct{}{}
	n := len(b.clients)
	b.mu.Unlock()
	b.log.Debug().Int("clients", n).Msg("plate subscriber connected")
}

func (b *PlateBroadcaster) Unregister(conn Conn) {
	b.mu.Lock()
	_, ok := b.clients[conn]
	delete(b.clients, conn)
	n := len(b.clients)
	b.mu.Unlock()
	if ok {
		_ = conn.Close()
		b.log.Debug().Int("clients", n).Msg("plate subscriber disconnected")
	}
}

func (b *PlateBroadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Run ticks until ctx ends, then closes every client.
func (b *PlateBroadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return
		case <-ticker.C:
			b.Broadcast()
		}
	}
}

// Broadcast sends the latest plate to all clients now. Clients that fail a
// write are dropped.
func (b *PlateBroadcaster) Broadcast() {
	plate, ok := b.source.LatestPlate()
	if !ok {
		return
	}
	msg, err := json.Marshal(anpr.PlateEvent{Plate: plate.Plate})
	if err != nil {
		b.log.Error().Err(err).Msg("failed to marshal plate event")
		return
	}

	b.mu.Lock()
	clients := make([]Conn, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		_ = c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
			b.log.Debug().Err(err).Msg("dropping plate subscriber after failed write")
			b.Unregister(c)
		}
	}
}

func (b *PlateBroadcaster) closeAll() {
	b.mu.Lock()
	clients := b.clients
	b.clients = make(map[Conn]struct{})
	b.mu.Unlock()

	for c := range clients {
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = c.Close()
	}
}
