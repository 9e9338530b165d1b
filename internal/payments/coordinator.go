// Package payments owns the payment lifecycle: creation against a link,
// settlement accounting, confirmation, cancellation and expiry. All terminal
// transitions go through conditional store updates, so every lifecycle event
// fires its webhook exactly once no matter how many workers race.
package payments

import (
	"context"
	"time"

	"paylink/internal/apperr"
	"paylink/internal/models"
	"paylink/internal/store"
	"paylink/internal/webhooks"
	"paylink/pkg/logging"
)

// DeviceNotifier pushes settlement commands to a bound POS terminal.
type DeviceNotifier interface {
	NotifyDevice(device *models.DeviceBinding, payment *models.Payment, command string)
}

// Coordinator drives payment state. It is the only writer of payment status.
type Coordinator struct {
	store      *store.Store
	dispatcher *webhooks.Dispatcher
	devices    DeviceNotifier
	waits      *waitMap
	logger     logging.Logger
}

func NewCoordinator(s *store.Store, dispatcher *webhooks.Dispatcher, devices DeviceNotifier, logger logging.Logger) *Coordinator {
	return &Coordinator{
		store:      s,
		dispatcher: dispatcher,
		devices:    devices,
		waits:      newWaitMap(),
		logger:     logger,
	}
}

// CreatePaymentRequest carries the merchant's parameters for a new payment.
type CreatePaymentRequest struct {
	Amount     float64
	Mode       string
	ExternalID string
	Memo       string
	Device     *models.DeviceBinding
	// Timeout overrides the link's payment timeout when shorter; zero keeps
	// the link default.
	Timeout time.Duration
}

// CreatePayment opens a pending payment on the link. The store's unique
// indexes reject a second pending payment or a duplicate external id.
func (c *Coordinator) CreatePayment(ctx context.Context, link *models.Link, req CreatePaymentRequest) (*models.Payment, error) {
	if link.Status != models.LinkStatusActive {
		return nil, apperr.Validation("link %s is not active", link.ID)
	}
	if req.Amount <= 0 {
		return nil, apperr.Validation("amount must be positive, got %f", req.Amount)
	}
	mode := req.Mode
	if mode == "" {
		mode = models.PaymentModeSingle
	}
	if mode != models.PaymentModeSingle && mode != models.PaymentModeMultiple {
		return nil, apperr.Validation("unknown payment mode %q", mode)
	}

	timeout := link.PaymentTimeout
	if req.Timeout > 0 && req.Timeout < timeout {
		timeout = req.Timeout
	}

	now := time.Now()
	payment := &models.Payment{
		ID:         models.NewID(models.PrefixPayment),
		LinkID:     link.ID,
		ExternalID: req.ExternalID,
		Status:     models.PaymentStatusPending,
		Mode:       mode,
		Amount:     req.Amount,
		Currency:   link.Currency,
		Memo:       req.Memo,
		Device:     req.Device,
		ExpiryDate: now.Add(timeout),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.store.CreatePayment(ctx, payment); err != nil {
		return nil, err
	}

	c.logger.WithFields(logging.Fields{
		"payment_id": payment.ID,
		"link_id":    link.ID,
		"amount":     payment.Amount,
		"currency":   payment.Currency,
		"mode":       payment.Mode,
	}).Info("Created payment")

	c.dispatcher.Dispatch(link, webhooks.NewEvent(webhooks.EventPaymentPending, payment))
	return payment, nil
}

// OnActivationSettled records one settled transfer. In single mode this
// completes the payment; in multiple mode the payment accumulates transfers
// until the merchant confirms.
func (c *Coordinator) OnActivationSettled(ctx context.Context, activation *models.Activation) error {
	payment, err := c.store.GetPayment(ctx, activation.PaymentID)
	if err != nil {
		return err
	}
	link, err := c.store.GetLink(ctx, payment.LinkID)
	if err != nil {
		return err
	}

	counted, err := c.store.RecordSettlement(ctx, payment.ID)
	if err != nil {
		return err
	}
	if !counted {
		// Payment already terminal; the funds arrived late. Log loudly, the
		// merchant resolves this out of band.
		c.logger.WithFields(logging.Fields{
			"payment_id":    payment.ID,
			"activation_id": activation.ID,
			"status":        payment.Status,
		}).Warn("Settlement arrived on non-pending payment")
		return nil
	}
	payment.TxCount++

	if payment.Mode == models.PaymentModeMultiple {
		c.dispatcher.Dispatch(link, webhooks.NewEvent(webhooks.EventPaymentSettled, payment))
		c.notifyDevice(payment, "settled")
		return nil
	}

	completed, err := c.store.TransitionPayment(ctx, payment.ID, models.PaymentStatusCompleted)
	if err != nil {
		return err
	}
	if !completed {
		c.logger.WithFields(logging.Fields{
			"payment_id": payment.ID,
		}).Warn("Lost completion race, payment already terminal")
		return nil
	}
	payment.Status = models.PaymentStatusCompleted

	if err := c.closeOpenWork(ctx, payment.ID, activation.ID); err != nil {
		c.logger.WithFields(logging.Fields{
			"payment_id": payment.ID,
			"error":      err.Error(),
		}).Error("Failed to close open quotes/activations after completion")
	}

	c.dispatcher.Dispatch(link, webhooks.NewEvent(webhooks.EventPaymentCompleted, payment))
	c.notifyDevice(payment, "completed")
	c.waits.Notify(payment.ID)
	return nil
}

// Confirm completes a multiple-mode payment that has received at least one
// transfer.
func (c *Coordinator) Confirm(ctx context.Context, paymentID string) (*models.Payment, error) {
	won, err := c.store.ConfirmPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, apperr.Conflict("payment %s cannot be confirmed", paymentID)
	}

	payment, err := c.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if err := c.closeOpenWork(ctx, paymentID, ""); err != nil {
		c.logger.WithFields(logging.Fields{
			"payment_id": paymentID,
			"error":      err.Error(),
		}).Error("Failed to close open quotes/activations after confirm")
	}

	if link, err := c.store.GetLink(ctx, payment.LinkID); err == nil {
		c.dispatcher.Dispatch(link, webhooks.NewEvent(webhooks.EventPaymentCompleted, payment))
	}
	c.notifyDevice(payment, "completed")
	c.waits.Notify(paymentID)
	return payment, nil
}

// Cancel aborts a pending payment.
func (c *Coordinator) Cancel(ctx context.Context, paymentID string) (*models.Payment, error) {
	won, err := c.store.TransitionPayment(ctx, paymentID, models.PaymentStatusCancelled)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, apperr.Conflict("payment %s is not pending", paymentID)
	}

	payment, err := c.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if err := c.closeOpenWork(ctx, paymentID, ""); err != nil {
		c.logger.WithFields(logging.Fields{
			"payment_id": paymentID,
			"error":      err.Error(),
		}).Error("Failed to close open quotes/activations after cancel")
	}

	if link, err := c.store.GetLink(ctx, payment.LinkID); err == nil {
		c.dispatcher.Dispatch(link, webhooks.NewEvent(webhooks.EventPaymentCancelled, payment))
	}
	c.waits.Notify(paymentID)
	return payment, nil
}

// Expire moves an overdue pending payment to expired. Called by the sweep
// scheduler; a lost race means another worker got there first.
func (c *Coordinator) Expire(ctx context.Context, payment *models.Payment) error {
	won, err := c.store.TransitionPayment(ctx, payment.ID, models.PaymentStatusExpired)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	payment.Status = models.PaymentStatusExpired

	if err := c.closeOpenWork(ctx, payment.ID, ""); err != nil {
		c.logger.WithFields(logging.Fields{
			"payment_id": payment.ID,
			"error":      err.Error(),
		}).Error("Failed to close open quotes/activations after expiry")
	}

	if link, err := c.store.GetLink(ctx, payment.LinkID); err == nil {
		c.dispatcher.Dispatch(link, webhooks.NewEvent(webhooks.EventPaymentExpired, payment))
	}
	c.waits.Notify(payment.ID)
	return nil
}

// WaitForCompletion blocks until the payment leaves pending or the context
// expires, then returns the payment's current state. The status check after
// registration closes the race with transitions that happen in between.
func (c *Coordinator) WaitForCompletion(ctx context.Context, paymentID string) (*models.Payment, error) {
	// Register before reading status so a transition in between still wakes us.
	ch := c.waits.channel(paymentID)

	payment, err := c.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusPending {
		return payment, nil
	}

	select {
	case <-ch:
		return c.store.GetPayment(ctx, paymentID)
	case <-ctx.Done():
		// Timed out waiting; hand back the latest state.
		return c.store.GetPayment(context.WithoutCancel(ctx), paymentID)
	}
}

func (c *Coordinator) closeOpenWork(ctx context.Context, paymentID, exceptActivationID string) error {
	if err := c.store.CloseActivationsForPayment(ctx, paymentID, exceptActivationID); err != nil {
		return err
	}
	return c.store.CancelQuotesForPayment(ctx, paymentID)
}

func (c *Coordinator) notifyDevice(payment *models.Payment, command string) {
	if c.devices == nil || payment.Device == nil {
		return
	}
	c.devices.NotifyDevice(payment.Device, payment, command)
}
