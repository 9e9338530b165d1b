// Package models holds the persisted records of the payment-link domain:
// links, payments, quotes and activations. Records are plain structs; all
// validation and mapping is explicit in the engines and the store.
package models

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Rail identifies a settlement channel a payer can deliver value through.
type Rail string

const (
	RailLightning Rail = "Lightning"
	RailPolygon   Rail = "Polygon"
	RailArbitrum  Rail = "Arbitrum"
	RailOptimism  Rail = "Optimism"
	RailBase      Rail = "Base"
	RailEthereum  Rail = "Ethereum"
	RailBinancePay Rail = "BinancePay"
)

// RailClass groups rails by quoting and settlement behavior.
type RailClass string

const (
	// RailClassOffChain - quoted per invoice, short quote expiry
	RailClassOffChain RailClass = "offchain"
	// RailClassEvm - fixed deposit address, longer quote expiry
	RailClassEvm RailClass = "evm"
	// RailClassC2B - custodial provider order, quote expiry bounded by the provider
	RailClassC2B RailClass = "c2b"
)

// Payment status values. Completed, Cancelled and Expired are terminal.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusCancelled = "cancelled"
	PaymentStatusExpired   = "expired"
)

// Payment modes
const (
	// PaymentModeSingle - auto-completes on first successful settlement
	PaymentModeSingle = "single"
	// PaymentModeMultiple - accumulates settlements until explicitly confirmed
	PaymentModeMultiple = "multiple"
)

// Quote status values
const (
	QuoteStatusActual    = "actual"
	QuoteStatusCancelled = "cancelled"
	QuoteStatusExpired   = "expired"
)

// Activation status values. All states besides pending are one-way.
const (
	ActivationStatusPending   = "pending"
	ActivationStatusCompleted = "completed"
	ActivationStatusExpired   = "expired"
	ActivationStatusDuplicate = "duplicate"
	ActivationStatusFailed    = "failed"
)

// Link is a merchant's recurring payment point.
type Link struct {
	ID            string
	MerchantID    string
	ExternalID    string
	Label         string
	Status        string // active | inactive
	Currency      string
	Rails         []Rail
	WebhookURL    string
	WebhookSecret string // encrypted at rest
	PaymentTimeout time.Duration

	// C2B provider enrollment; empty when the link is not enrolled
	C2BMerchantID    string
	C2BSubMerchantID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Link status values
const (
	LinkStatusActive   = "active"
	LinkStatusInactive = "inactive"
)

// Enrolled reports whether the link can settle through the C2B provider.
func (l *Link) Enrolled() bool {
	return l.C2BMerchantID != "" || l.C2BSubMerchantID != ""
}

// HasRail reports whether the rail is configured for this link.
func (l *Link) HasRail(rail Rail) bool {
	for _, r := range l.Rails {
		if r == rail {
			return true
		}
	}
	return false
}

// DeviceBinding ties a payment to a POS terminal so the terminal can react
// to settlement events.
type DeviceBinding struct {
	DeviceID string `json:"device_id"`
	Command  string `json:"command,omitempty"`
}

// Payment is one fiat-denominated request against a link.
type Payment struct {
	ID         string
	LinkID     string
	ExternalID string
	Status     string
	Amount     float64
	Currency   string
	Mode       string
	Memo       string
	TxCount    int
	IsConfirmed bool
	Device     *DeviceBinding
	ExpiryDate time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TransferAsset is one payable asset entry within a rail's menu section.
type TransferAsset struct {
	Asset       string  `json:"asset"`
	Amount      float64 `json:"amount"`
	ProviderFee float64 `json:"providerFee,omitempty"`
}

// TransferEntry is the per-rail section of a quote's transfer menu.
type TransferEntry struct {
	Rail      Rail            `json:"method"`
	MinFee    float64         `json:"minFee"`
	Assets    []TransferAsset `json:"assets"`
	Available bool            `json:"available"`
}

// Quote is a fiat to multi-rail price snapshot for one payment. The transfer
// menu is persisted as an opaque JSON blob and only read back through the
// quote's own accessors.
type Quote struct {
	ID         string
	PaymentID  string
	Status     string
	Menu       []TransferEntry
	ExpiryDate time.Time
	CreatedAt  time.Time
}

// FindAmount returns the menu amount for (rail, asset); ok is false when the
// pair is not in the menu.
func (q *Quote) FindAmount(rail Rail, asset string) (float64, bool) {
	for _, entry := range q.Menu {
		if entry.Rail != rail {
			continue
		}
		for _, a := range entry.Assets {
			if a.Asset == asset {
				return a.Amount, true
			}
		}
	}
	return 0, false
}

// HasExactEntry reports whether the menu contains an entry exactly matching
// the (rail, asset, amount) triple. Equality, not tolerance: stale or
// manipulated amounts must never match.
func (q *Quote) HasExactEntry(rail Rail, asset string, amount float64) bool {
	got, ok := q.FindAmount(rail, asset)
	return ok && got == amount
}

// Activation is a single reservation of one (rail, asset, amount) for payer
// settlement.
type Activation struct {
	ID             string
	PaymentID      string
	QuoteID        string
	Status         string
	Rail           Rail
	Asset          string
	Amount         float64
	PayableRequest string
	// CorrelationID is the rail-specific id used to match provider callbacks
	// (lightning payment hash, C2B prepay id). Empty for address-based rails.
	CorrelationID string
	ExpiryDate    time.Time
	CreatedAt     time.Time
}

// ObservedPayment is an asset/amount/rail-tagged incoming crypto payment as
// reported by a rail gateway or blockchain watcher.
type ObservedPayment struct {
	Rail         Rail
	Asset        string
	Amount       float64
	ExternalTxID string
}

// ID prefixes, kept short for human debuggability of raw records.
const (
	PrefixLink       = "pl"
	PrefixPayment    = "plp"
	PrefixQuote      = "plq"
	PrefixActivation = "pla"
)

// NewID generates a prefixed opaque unique id, e.g. "plp_1f3a9c...".
func NewID(prefix string) string {
	raw := uuid.New()
	return prefix + "_" + strings.ToLower(hex.EncodeToString(raw[:]))[:16]
}
