package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/costing/internal/observability"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRollup(ctx context.Context, variantID string) (Rollup, error)
	MaxSequence(ctx context.Context, variantID string) (int64, error)
	ListEvents(ctx context.Context, variantID string, afterSequence int64, limit int) ([]CostEvent, error)
	ListVariantIDs(ctx context.Context) ([]string, error)
}

// StateCache caches variant states between ledger writes.
type StateCache interface {
	Get(ctx context.Context, variantID string) (State, bool, error)
	Set(ctx context.Context, state State) error
	Invalidate(ctx context.Context, variantIDs ...string) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	Scale int32
}

// Service exposes the ledger and the WAC aggregator.
type Service struct {
	repo    RepositoryPort
	ledger  *Ledger
	cache   StateCache
	scale   int32
	logger  *slog.Logger
	metrics *observability.CostingMetrics
	folds   singleflight.Group
}

const replayPageSize = 500

// NewService builds Service. cache may be nil.
func NewService(repo RepositoryPort, ledger *Ledger, cache StateCache, cfg ServiceConfig, logger *slog.Logger, metrics *observability.CostingMetrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if ledger == nil {
		ledger = NewLedger(LedgerConfig{Logger: logger, Metrics: metrics})
	}
	return &Service{repo: repo, ledger: ledger, cache: cache, scale: cfg.Scale, logger: logger, metrics: metrics}
}

// Ledger returns the ledger used to append inside other modules' transactions.
func (s *Service) Ledger() *Ledger {
	return s.ledger
}

// Scale returns the number of fractional digits used when exposing costs.
func (s *Service) Scale() int32 {
	return s.scale
}

// AppendEvent appends one event in its own transaction.
func (s *Service) AppendEvent(ctx context.Context, input AppendInput) (CostEvent, error) {
	var evt CostEvent
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		evt, _, err = s.ledger.Append(ctx, tx, input)
		return err
	})
	if err != nil {
		return CostEvent{}, err
	}
	s.InvalidateState(ctx, input.VariantID)
	return evt, nil
}

// CurrentState returns on-hand and WAC from the rollup row (hot path). When the rollup disagrees with the
// ledger it falls back to the fold, repairs the rollup and logs the breach.
func (s *Service) CurrentState(ctx context.Context, variantID string) (State, error) {
	if variantID == "" {
		return State{}, fmt.Errorf("%w: variant required", ErrInvalidEvent)
	}
	maxSeq, err := s.repo.MaxSequence(ctx, variantID)
	if err != nil {
		return State{}, err
	}
	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, variantID)
		if err != nil {
			s.logger.Warn("state cache get", slog.String("variant_id", variantID), slog.Any("error", err))
		} else if ok && cached.LastSequence == maxSeq {
			cached.Source = SourceCache
			return cached, nil
		}
	}

	rollup, err := s.repo.GetRollup(ctx, variantID)
	if errors.Is(err, ErrRollupNotFound) {
		rollup = Rollup{VariantID: variantID}
	} else if err != nil {
		return State{}, err
	}
	if rollup.LastSequence != maxSeq || !rollup.Consistent() {
		s.logger.Debug("rollup out of step with ledger, verifying",
			slog.String("variant_id", variantID),
			slog.Int64("rollup_sequence", rollup.LastSequence),
			slog.Int64("ledger_sequence", maxSeq),
		)
		result, err := s.VerifyRollup(ctx, variantID)
		if err != nil {
			return State{}, err
		}
		return stateFromRollup(result.Fold, SourceFold), nil
	}

	state := stateFromRollup(rollup, SourceRollup)
	if s.cache != nil {
		if err := s.cache.Set(ctx, state); err != nil {
			s.logger.Warn("state cache set", slog.String("variant_id", variantID), slog.Any("error", err))
		}
	}
	return state, nil
}

// ReplayState folds every event of the variant (cold path). Concurrent replays of one variant share a fold.
func (s *Service) ReplayState(ctx context.Context, variantID string) (State, error) {
	v, err, _ := s.folds.Do(variantID, func() (interface{}, error) {
		events, err := s.allEvents(ctx, variantID)
		if err != nil {
			return nil, err
		}
		return Fold(variantID, events)
	})
	if err != nil {
		return State{}, err
	}
	return stateFromRollup(v.(Rollup), SourceFold), nil
}

// VerifyRollup folds the ledger under the variant lock and rewrites the rollup when it disagrees.
func (s *Service) VerifyRollup(ctx context.Context, variantID string) (VerifyResult, error) {
	var result VerifyResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rollup, err := tx.LockRollup(ctx, variantID)
		if err != nil {
			return err
		}
		events, err := tx.EventsForVariant(ctx, variantID)
		if err != nil {
			return err
		}
		fold, err := Fold(variantID, events)
		if err != nil {
			return err
		}
		rollup.VariantID = variantID
		result = VerifyResult{VariantID: variantID, Rollup: rollup, Fold: fold}
		if rollup.Matches(fold) {
			return nil
		}
		result.Repaired = true
		return tx.SaveRollup(ctx, fold)
	})
	if err != nil {
		return VerifyResult{}, err
	}
	if result.Repaired {
		s.metrics.RollupMismatch()
		s.logger.Error("rollup rebuilt from ledger",
			slog.String("variant_id", variantID),
			slog.Int64("rollup_on_hand", result.Rollup.OnHand),
			slog.Int64("fold_on_hand", result.Fold.OnHand),
			slog.String("rollup_total_cost", result.Rollup.TotalCost.String()),
			slog.String("fold_total_cost", result.Fold.TotalCost.String()),
		)
		s.InvalidateState(ctx, variantID)
	}
	return result, nil
}

// VariantIDs lists every variant with ledger history.
func (s *Service) VariantIDs(ctx context.Context) ([]string, error) {
	return s.repo.ListVariantIDs(ctx)
}

// History lists the variant's events with the running position after each, oldest first.
func (s *Service) History(ctx context.Context, variantID string, limit int) ([]HistoryEntry, error) {
	events, err := s.allEvents(ctx, variantID)
	if err != nil {
		return nil, err
	}
	entries := make([]HistoryEntry, 0, len(events))
	running := Rollup{VariantID: variantID}
	for _, evt := range events {
		running = running.Apply(evt.QtyDelta, evt.CostDelta)
		entries = append(entries, HistoryEntry{
			Event:      evt,
			BalanceQty: running.OnHand,
			TotalCost:  running.TotalCost,
			WAC:        running.WAC.Round(s.scale),
		})
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// InvalidateState drops cached states after a committed write.
func (s *Service) InvalidateState(ctx context.Context, variantIDs ...string) {
	if s.cache == nil || len(variantIDs) == 0 {
		return
	}
	if err := s.cache.Invalidate(ctx, variantIDs...); err != nil {
		s.logger.Warn("state cache invalidate", slog.Any("variant_ids", variantIDs), slog.Any("error", err))
	}
}

func (s *Service) allEvents(ctx context.Context, variantID string) ([]CostEvent, error) {
	var all []CostEvent
	after := int64(0)
	for {
		page, err := s.repo.ListEvents(ctx, variantID, after, replayPageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < replayPageSize {
			return all, nil
		}
		after = page[len(page)-1].Sequence
	}
}
