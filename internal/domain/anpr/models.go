package anpr

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/google/uuid"
)

// Frame is one raw BGR image taken from a video feed. Pix is owned by whoever
// holds the frame; hand-offs between stages go through Clone.
type Frame struct {
	Seq        uint64
	CapturedAt time.Time
	Width      int
	Height     int
	Channels   int
	Pix        []byte
}

func (f Frame) Empty() bool {
	return f.Width == 0 || f.Height == 0 || len(f.Pix) == 0
}

func (f Frame) Clone() Frame {
	c := f
	if f.Pix != nil {
		c.Pix = make([]byte, len(f.Pix))
		copy(c.Pix, f.Pix)
	}
	return c
}

func (f Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// Candidate is a located plate region plus the text read from it.
type Candidate struct {
	Box        image.Rectangle
	Text       string
	Confidence float64
}

// AcceptedPlate is the only detector output that leaves the detection stage.
type AcceptedPlate struct {
	Plate      string          `json:"plate"`
	CameraID   string          `json:"camera_id,omitempty"`
	Raw        string          `json:"raw"`
	Confidence float64         `json:"confidence"`
	Box        image.Rectangle `json:"-"`
	FrameSeq   uint64          `json:"frame_seq"`
	DetectedAt time.Time       `json:"detected_at"`
}

type OutcomeKind string

const (
	OutcomeCharged             OutcomeKind = "CHARGED"
	OutcomeSkippedDuplicate    OutcomeKind = "SKIPPED_DUPLICATE"
	OutcomeInsufficientBalance OutcomeKind = "INSUFFICIENT_BALANCE"
	OutcomeVehicleUnregistered OutcomeKind = "VEHICLE_UNREGISTERED"
	OutcomeWalletMissing       OutcomeKind = "WALLET_MISSING"
)

// BillingOutcome is the result of evaluating one accepted plate.
// Amount and Balance are only meaningful for OutcomeCharged and
// OutcomeInsufficientBalance.
type BillingOutcome struct {
	Kind      OutcomeKind `json:"kind"`
	Plate     string      `json:"plate"`
	Amount    int64       `json:"amount,omitempty"`
	Balance   int64       `json:"balance"`
	TollID    uuid.UUID   `json:"toll_id,omitempty"`
	VehicleID uuid.UUID   `json:"vehicle_id,omitempty"`

	// FirstSighting is set on OutcomeVehicleUnregistered when this evaluation
	// created the unauthorized-vehicle record.
	FirstSighting bool `json:"first_sighting,omitempty"`
}

func (o BillingOutcome) Charged() bool {
	return o.Kind == OutcomeCharged
}

// PlateEvent is pushed to live subscribers.
type PlateEvent struct {
	Plate string `json:"plate"`
}

type Vehicle struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	VehicleNumber string
}

type Wallet struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Balance      int64
	WalletNumber string
}

type TollCharge struct {
	UserID     uuid.UUID
	VehicleID  uuid.UUID
	Plate      string
	CameraID   string
	Amount     int64
	Confidence float64
	ChargedAt  time.Time
}

type Sighting struct {
	Plate       string
	CameraID    string
	Confidence  float64
	SnapshotURL string
	SeenAt      time.Time
}

// ErrInsufficientFunds is returned by a store when a conditional debit finds
// the balance already below the amount.
var ErrInsufficientFunds = errors.New("insufficient funds")

// TollTx is the set of store operations available inside one transaction.
// Lookups return nil, nil when the row does not exist.
type TollTx interface {
	FindVehicleByPlate(ctx context.Context, plate string) (*Vehicle, error)
	FindWalletByUser(ctx context.Context, userID uuid.UUID) (*Wallet, error)
	// DebitWallet subtracts amount only while balance >= amount and returns the
	// new balance, or ErrInsufficientFunds.
	DebitWallet(ctx context.Context, walletID uuid.UUID, amount int64) (int64, error)
	InsertToll(ctx context.Context, charge TollCharge) (uuid.UUID, error)
	// RecordUnauthorized inserts the plate if absent and reports whether a row was created.
	RecordUnauthorized(ctx context.Context, sighting Sighting) (bool, error)
}

// TollStore runs fn in a transaction, committing when fn returns nil and
// rolling back otherwise.
type TollStore interface {
	WithinTx(ctx context.Context, fn func(tx TollTx) error) error
}
