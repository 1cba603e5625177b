package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"anpr-toll-service/internal/domain/anpr"
)

const (
	DefaultTollAmount  int64 = 50
	DefaultDedupWindow       = 300 * time.Second
)

var ErrCommitFailed = errors.New("toll commit failed")

type TollProcessorConfig struct {
	Amount      int64
	DedupWindow time.Duration
}

type TollProcessor struct {
	store    anpr.TollStore
	registry *LastSeenRegistry
	locks    *plateLocks
	cfg      TollProcessorConfig
	log      zerolog.Logger

	statsMu  sync.Mutex
	outcomes map[anpr.OutcomeKind]uint64
	failures uint64
}

func NewTollProcessor(store anpr.TollStore, registry *LastSeenRegistry, cfg TollProcessorConfig, log zerolog.Logger) *TollProcessor {
	if cfg.Amount <= 0 {
		cfg.Amount = DefaultTollAmount
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if registry == nil {
		registry = NewLastSeenRegistry()
	}
	return &TollProcessor{
		store:    store,
		registry: registry,
		locks:    newPlateLocks(),
		cfg:      cfg,
		log:      log.With().Str("component", "toll_processor").Logger(),
		outcomes: make(map[anpr.OutcomeKind]uint64),
	}
}

// errRollback aborts a transaction that must leave no trace while still
// producing a business outcome.
var errRollback = errors.New("rollback")

// Process evaluates one accepted plate at now. The per-plate lock is held from
// the dedup check through the registry update, so two detections of the same
// plate can never both be charged inside one window.
func (p *TollProcessor) Process(ctx context.Context, plate anpr.AcceptedPlate, now time.Time) (anpr.BillingOutcome, error) {
	unlock := p.locks.lock(plate.Plate)
	defer unlock()

	outcome := anpr.BillingOutcome{Plate: plate.Plate}

	err := p.store.WithinTx(ctx, func(tx anpr.TollTx) error {
		vehicle, err := tx.FindVehicleByPlate(ctx, plate.Plate)
		if err != nil {
			return fmt.Errorf("find vehicle: %w", err)
		}
		if vehicle == nil {
			created, err := tx.RecordUnauthorized(ctx, anpr.Sighting{
				Plate:      plate.Plate,
				CameraID:   plate.CameraID,
				Confidence: plate.Confidence,
				SeenAt:     now,
			})
			if err != nil {
				return fmt.Errorf("record unauthorized vehicle: %w", err)
			}
			outcome.Kind = anpr.OutcomeVehicleUnregistered
			outcome.FirstSighting = created
			return nil
		}
		outcome.VehicleID = vehicle.ID

		if p.registry.Within(plate.Plate, now, p.cfg.DedupWindow) {
			outcome.Kind = anpr.OutcomeSkippedDuplicate
			return errRollback
		}

		wallet, err := tx.FindWalletByUser(ctx, vehicle.UserID)
		if err != nil {
			return fmt.Errorf("find wallet: %w", err)
		}
		if wallet == nil {
			outcome.Kind = anpr.OutcomeWalletMissing
			return errRollback
		}
		outcome.Balance = wallet.Balance

		if wallet.Balance < p.cfg.Amount {
			outcome.Kind = anpr.OutcomeInsufficientBalance
			return errRollback
		}

		tollID, err := tx.InsertToll(ctx, anpr.TollCharge{
			UserID:     vehicle.UserID,
			VehicleID:  vehicle.ID,
			Plate:      plate.Plate,
			CameraID:   plate.CameraID,
			Amount:     p.cfg.Amount,
			Confidence: plate.Confidence,
			ChargedAt:  now,
		})
		if err != nil {
			return fmt.Errorf("insert toll: %w", err)
		}

		balance, err := tx.DebitWallet(ctx, wallet.ID, p.cfg.Amount)
		if errors.Is(err, anpr.ErrInsufficientFunds) {
			// Balance changed under us since the read above.
			outcome.Kind = anpr.OutcomeInsufficientBalance
			return errRollback
		}
		if err != nil {
			return fmt.Errorf("debit wallet: %w", err)
		}

		outcome.Kind = anpr.OutcomeCharged
		outcome.Amount = p.cfg.Amount
		outcome.Balance = balance
		outcome.TollID = tollID
		return nil
	})

	if err != nil && !errors.Is(err, errRollback) {
		p.recordFailure()
		p.log.Error().
			Err(err).
			Str("plate", plate.Plate).
			Str("camera_id", plate.CameraID).
			Msg("toll evaluation failed, rolled back")
		return anpr.BillingOutcome{Plate: plate.Plate}, fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}

	if outcome.Kind == anpr.OutcomeCharged {
		p.registry.Set(plate.Plate, now)
	}
	p.recordOutcome(outcome.Kind)

	evt := p.log.Info()
	if outcome.Kind != anpr.OutcomeCharged {
		evt = p.log.Debug()
	}
	evt.Str("plate", plate.Plate).
		Str("camera_id", plate.CameraID).
		Str("outcome", string(outcome.Kind)).
		Int64("amount", outcome.Amount).
		Int64("balance", outcome.Balance).
		Msg("toll evaluated")

	return outcome, nil
}

// RunPruner drops registry entries older than the dedup window every interval
// until ctx ends. Pruned entries could no longer suppress a charge anyway.
func (p *TollProcessor) RunPruner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if removed := p.Prune(now); removed > 0 {
				p.log.Debug().Int("removed", removed).Int("remaining", p.registry.Len()).Msg("pruned last-seen registry")
			}
		}
	}
}

func (p *TollProcessor) Prune(now time.Time) int {
	return p.registry.Prune(now.Add(-p.cfg.DedupWindow))
}

type ProcessorStats struct {
	Outcomes        map[anpr.OutcomeKind]uint64 `json:"outcomes"`
	Failures        uint64                      `json:"failures"`
	TrackedPlates   int                         `json:"tracked_plates"`
	DedupWindowSecs float64                     `json:"dedup_window_seconds"`
	TollAmount      int64                       `json:"toll_amount"`
}

func (p *TollProcessor) Stats() ProcessorStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	outcomes := make(map[anpr.OutcomeKind]uint64, len(p.outcomes))
	for k, v := range p.outcomes {
		outcomes[k] = v
	}
	return ProcessorStats{
		Outcomes:        outcomes,
		Failures:        p.failures,
		TrackedPlates:   p.registry.Len(),
		DedupWindowSecs: p.cfg.DedupWindow.Seconds(),
		TollAmount:      p.cfg.Amount,
	}
}

func (p *TollProcessor) recordOutcome(kind anpr.OutcomeKind) {
	p.statsMu.Lock()
	p.outcomes[kind]++
	p.statsMu.Unlock()
}

func (p *TollProcessor) recordFailure() {
	p.statsMu.Lock()
	p.failures++
	p.statsMu.Unlock()
}
