// Package quotes converts a fiat payment amount into per-rail crypto
// transfer menus. A quote is immutable once written: amounts never change
// for an existing quote, repricing always produces a new one.
package quotes

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"paylink/internal/apperr"
	"paylink/internal/models"
	"paylink/internal/pricing"
	"paylink/internal/rails"
	"paylink/internal/store"
	"paylink/pkg/logging"
)

// maxQuoteDecimals caps menu precision regardless of token decimals.
const maxQuoteDecimals = 8

type Engine struct {
	store    *store.Store
	registry *rails.Registry
	pricing  pricing.Gateway
	logger   logging.Logger
}

func NewEngine(s *store.Store, registry *rails.Registry, pricingGw pricing.Gateway, logger logging.Logger) *Engine {
	return &Engine{store: s, registry: registry, pricing: pricingGw, logger: logger}
}

// CreateQuote prices the payment across the link's rails and persists the
// resulting menu. Rails whose pricing fails are included as unavailable so
// the payer still gets a partial menu instead of an error. Each call cuts a
// fresh quote and never cancels earlier ones, so several live quotes can
// coexist per payment; Resolve scans them newest-first, and the sweeper
// expires the rest.
func (e *Engine) CreateQuote(ctx context.Context, link *models.Link, payment *models.Payment) (*models.Quote, error) {
	now := time.Now()
	if payment.Status != models.PaymentStatusPending {
		return nil, apperr.Expired("payment %s is %s", payment.ID, payment.Status)
	}
	if !payment.ExpiryDate.After(now) {
		return nil, apperr.Expired("payment %s expired at %s", payment.ID, payment.ExpiryDate.Format(time.RFC3339))
	}

	railConfigs := e.registry.Ordered(link)
	if len(railConfigs) == 0 {
		return nil, apperr.Validation("link %s has no usable rails", link.ID)
	}

	var menu []models.TransferEntry
	var shortestTTL time.Duration
	anyAvailable := false
	for _, rc := range railConfigs {
		entry := e.priceRail(ctx, rc, payment)
		if entry.Available {
			anyAvailable = true
			ttl := e.registry.QuoteTTL(rc.Class)
			if shortestTTL == 0 || ttl < shortestTTL {
				shortestTTL = ttl
			}
		}
		menu = append(menu, entry)
	}
	if !anyAvailable {
		return nil, apperr.Provider(nil, "no rail could be priced for payment %s", payment.ID)
	}

	expiry := now.Add(shortestTTL)
	if payment.ExpiryDate.Before(expiry) {
		expiry = payment.ExpiryDate
	}

	quote := &models.Quote{
		ID:         models.NewID(models.PrefixQuote),
		PaymentID:  payment.ID,
		Status:     models.QuoteStatusActual,
		Menu:       menu,
		ExpiryDate: expiry,
		CreatedAt:  now,
	}
	if err := e.store.CreateQuote(ctx, quote); err != nil {
		return nil, err
	}
	return quote, nil
}

// priceRail builds one menu entry. Any asset failing to price marks the
// whole rail unavailable; mixing priced and unpriced assets in one entry
// would make the menu ambiguous.
func (e *Engine) priceRail(ctx context.Context, rc rails.RailConfig, payment *models.Payment) models.TransferEntry {
	feeRate := e.registry.FeeRate(rc.Class)
	entry := models.TransferEntry{
		Rail:      rc.Rail,
		MinFee:    feeRate,
		Available: true,
	}

	gross := decimal.NewFromFloat(payment.Amount).
		Div(decimal.NewFromFloat(1).Sub(decimal.NewFromFloat(feeRate)))

	for _, asset := range rc.Assets {
		var rate decimal.Decimal
		if asset.PeggedTo == payment.Currency {
			rate = decimal.NewFromInt(1)
		} else {
			price, err := e.pricing.GetPrice(ctx, asset.Symbol, payment.Currency)
			if err != nil {
				e.logger.WithFields(logging.Fields{
					"payment_id": payment.ID,
					"rail":       rc.Rail,
					"asset":      asset.Symbol,
					"error":      err.Error(),
				}).Warn("Pricing failed, marking rail unavailable")
				return models.TransferEntry{Rail: rc.Rail, MinFee: feeRate, Available: false}
			}
			rate = decimal.NewFromFloat(price)
		}

		places := asset.Decimals
		if places > maxQuoteDecimals {
			places = maxQuoteDecimals
		}
		amount, _ := gross.Div(rate).Round(int32(places)).Float64()
		if amount <= 0 {
			return models.TransferEntry{Rail: rc.Rail, MinFee: feeRate, Available: false}
		}
		entry.Assets = append(entry.Assets, models.TransferAsset{
			Asset:       asset.Symbol,
			Amount:      amount,
			ProviderFee: feeRate,
		})
	}
	return entry
}

// Resolve finds the live quote backing a payer's (rail, asset, amount)
// selection. With a quote id hint only that quote is considered; otherwise
// the newest live quote with an exactly matching entry wins. Amounts must
// match the menu bit for bit.
func (e *Engine) Resolve(ctx context.Context, payment *models.Payment, quoteIDHint string, rail models.Rail, asset string, amount float64) (*models.Quote, error) {
	now := time.Now()

	if quoteIDHint != "" {
		quote, err := e.store.GetQuote(ctx, quoteIDHint)
		if err != nil {
			return nil, err
		}
		if quote.PaymentID != payment.ID {
			return nil, apperr.Validation("quote %s does not belong to payment %s", quoteIDHint, payment.ID)
		}
		if quote.Status != models.QuoteStatusActual || !quote.ExpiryDate.After(now) {
			return nil, apperr.Expired("quote %s is no longer payable", quoteIDHint)
		}
		if !quote.HasExactEntry(rail, asset, amount) {
			return nil, apperr.Validation("amount %f does not match quote %s for %s/%s", amount, quoteIDHint, rail, asset)
		}
		return quote, nil
	}

	liveQuotes, err := e.store.ListActualQuotes(ctx, payment.ID)
	if err != nil {
		return nil, err
	}
	for _, quote := range liveQuotes {
		if !quote.ExpiryDate.After(now) {
			continue
		}
		if quote.HasExactEntry(rail, asset, amount) {
			return quote, nil
		}
	}
	return nil, apperr.NotFound("no live quote matches %s %s %f for payment %s", rail, asset, amount, payment.ID)
}
