// Package activations reserves quoted transfers for payers and reconciles
// observed incoming payments against those reservations. A reservation pins
// one (rail, asset, amount) from a live quote; reconciliation matches funds
// back to the oldest reservation and settles it exactly once.
package activations

import (
	"context"
	"time"

	"paylink/internal/apperr"
	"paylink/internal/models"
	"paylink/internal/payments"
	"paylink/internal/quotes"
	"paylink/internal/rails"
	"paylink/internal/store"
	"paylink/pkg/logging"
)

// TxVerifier checks observed on-chain transactions before they may settle.
type TxVerifier interface {
	VerifyTransaction(ctx context.Context, rail models.Rail, txHash string) error
}

type Engine struct {
	store       *store.Store
	quotes      *quotes.Engine
	registry    *rails.Registry
	gateways    *rails.GatewaySet
	verifier    TxVerifier
	coordinator *payments.Coordinator
	logger      logging.Logger
}

func NewEngine(
	s *store.Store,
	quoteEngine *quotes.Engine,
	registry *rails.Registry,
	gateways *rails.GatewaySet,
	verifier TxVerifier,
	coordinator *payments.Coordinator,
	logger logging.Logger,
) *Engine {
	return &Engine{
		store:       s,
		quotes:      quoteEngine,
		registry:    registry,
		gateways:    gateways,
		verifier:    verifier,
		coordinator: coordinator,
		logger:      logger,
	}
}

// Reserve commits the payer to one quoted transfer and returns the payable
// request. Re-requesting the same (rail, asset, amount) on the same payment
// reuses the open reservation; the same triple open on another payment is a
// conflict because settlement could not be attributed.
func (e *Engine) Reserve(ctx context.Context, link *models.Link, payment *models.Payment, quoteIDHint string, rail models.Rail, asset string, amount float64) (*models.Activation, error) {
	now := time.Now()
	if payment.Status != models.PaymentStatusPending {
		return nil, apperr.Expired("payment %s is %s", payment.ID, payment.Status)
	}
	if !payment.ExpiryDate.After(now) {
		return nil, apperr.Expired("payment %s expired", payment.ID)
	}
	if !link.HasRail(rail) {
		return nil, apperr.Validation("rail %s is not configured on link %s", rail, link.ID)
	}

	quote, err := e.quotes.Resolve(ctx, payment, quoteIDHint, rail, asset, amount)
	if err != nil {
		return nil, err
	}

	existing, err := e.store.FindReusableActivation(ctx, payment.ID, rail, asset, amount)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.ExpiryDate.After(now) {
		return existing, nil
	}

	foreign, err := e.store.CountForeignPendingActivations(ctx, payment.ID, rail, asset, amount)
	if err != nil {
		return nil, err
	}
	if foreign > 0 {
		return nil, apperr.Conflict("transfer %s %f on %s is already reserved by another payment", asset, amount, rail)
	}

	payable, err := e.gateways.CreatePayable(ctx, rails.Payable{
		PaymentID: payment.ID,
		Rail:      rail,
		Asset:     asset,
		Amount:    amount,
		Memo:      payment.Memo,
		Link:      link,
	})
	if err != nil {
		return nil, err
	}

	expiry := quote.ExpiryDate
	if !payable.Expiry.IsZero() && payable.Expiry.Before(expiry) {
		expiry = payable.Expiry
	}

	activation := &models.Activation{
		ID:             models.NewID(models.PrefixActivation),
		PaymentID:      payment.ID,
		QuoteID:        quote.ID,
		Status:         models.ActivationStatusPending,
		Rail:           rail,
		Asset:          asset,
		Amount:         amount,
		PayableRequest: payable.Request,
		CorrelationID:  payable.CorrelationID,
		ExpiryDate:     expiry,
		CreatedAt:      now,
	}
	if err := e.store.CreateActivation(ctx, activation); err != nil {
		return nil, err
	}

	e.logger.WithFields(logging.Fields{
		"activation_id": activation.ID,
		"payment_id":    payment.ID,
		"rail":          rail,
		"asset":         asset,
		"amount":        amount,
	}).Info("Reserved transfer")
	return activation, nil
}

// Reconcile matches an observed incoming payment to a pending reservation.
// The oldest matching reservation wins, later ones are marked duplicate.
// Redelivery of an already settled observation is a no-op. Unmatched funds
// are logged and left for manual resolution.
func (e *Engine) Reconcile(ctx context.Context, observed models.ObservedPayment) error {
	if observed.ExternalTxID != "" && e.verifier != nil {
		if err := e.verifier.VerifyTransaction(ctx, observed.Rail, observed.ExternalTxID); err != nil {
			return err
		}
	}

	candidates, err := e.store.FindPendingActivations(ctx, observed.Rail, observed.Asset, observed.Amount)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		e.logger.WithFields(logging.Fields{
			"rail":   observed.Rail,
			"asset":  observed.Asset,
			"amount": observed.Amount,
			"tx_id":  observed.ExternalTxID,
		}).Warn("Observed payment matched no reservation")
		return nil
	}

	// Only the oldest candidate may settle. A lost CAS means a concurrent
	// delivery of the same observation already settled it and owns the
	// duplicate marking; settling the next candidate instead would credit
	// one external transaction twice.
	winner := candidates[0]
	won, err := e.store.TransitionActivation(ctx, winner.ID, models.ActivationStatusCompleted)
	if err != nil {
		return err
	}
	if !won {
		e.logger.WithFields(logging.Fields{
			"activation_id": winner.ID,
			"rail":          observed.Rail,
			"asset":         observed.Asset,
			"amount":        observed.Amount,
		}).Info("Reservation settled concurrently, ignoring replayed observation")
		return nil
	}

	for _, candidate := range candidates[1:] {
		if _, err := e.store.TransitionActivation(ctx, candidate.ID, models.ActivationStatusDuplicate); err != nil {
			e.logger.WithFields(logging.Fields{
				"activation_id": candidate.ID,
				"error":         err.Error(),
			}).Error("Failed to mark duplicate reservation")
		}
	}

	if len(candidates) > 1 {
		e.logger.WithFields(logging.Fields{
			"activation_id": winner.ID,
			"duplicates":    len(candidates) - 1,
		}).Warn("Settled oldest of multiple identical reservations")
	}

	return e.coordinator.OnActivationSettled(ctx, winner)
}

// ReconcileByCorrelation settles the reservation identified by a provider's
// correlation id (lightning payment hash, C2B prepay id). Idempotent: a
// missing or already settled reservation is a no-op.
func (e *Engine) ReconcileByCorrelation(ctx context.Context, rail models.Rail, correlationID string) error {
	activation, err := e.store.FindPendingActivationByCorrelation(ctx, rail, correlationID)
	if err != nil {
		return err
	}
	if activation == nil {
		e.logger.WithFields(logging.Fields{
			"rail":           rail,
			"correlation_id": correlationID,
		}).Info("Callback matched no pending reservation")
		return nil
	}

	won, err := e.store.TransitionActivation(ctx, activation.ID, models.ActivationStatusCompleted)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	return e.coordinator.OnActivationSettled(ctx, activation)
}

// Fail marks the reservation identified by a provider correlation id as
// failed, freeing the (rail, asset, amount) for a new attempt.
func (e *Engine) Fail(ctx context.Context, rail models.Rail, correlationID string) error {
	activation, err := e.store.FindPendingActivationByCorrelation(ctx, rail, correlationID)
	if err != nil {
		return err
	}
	if activation == nil {
		return nil
	}
	_, err = e.store.TransitionActivation(ctx, activation.ID, models.ActivationStatusFailed)
	return err
}
