// Package rails holds the settlement rail catalog and the per-rail gateways
// that turn a reserved (asset, amount) into something a payer can actually
// pay: a Lightning invoice, an EVM payment URI or a provider order.
package rails

import (
	"context"
	"fmt"
	"time"

	"paylink/internal/models"
	"paylink/pkg/config"
)

// AssetConfig describes one payable asset on a rail.
type AssetConfig struct {
	Symbol   string
	Decimals int
	// Contract is the token contract address; empty for the chain's native asset.
	Contract string
	// PeggedTo names the fiat currency this asset tracks 1:1. Quoting skips
	// the pricing service when the payment currency matches.
	PeggedTo string
}

// RailConfig describes one settlement rail.
type RailConfig struct {
	Rail    models.Rail
	Class   models.RailClass
	ChainID int64
	Assets  []AssetConfig
}

// Registry is the ordered rail catalog. Order is payer preference: cheap and
// fast rails first, the menu lists them in this order.
type Registry struct {
	rails    []RailConfig
	byRail   map[models.Rail]RailConfig
	feeRates map[models.RailClass]float64
	quoteTTL map[models.RailClass]time.Duration
}

// NewRegistry builds the default catalog. Fee rates and quote lifetimes can
// be tuned per rail class through the environment.
func NewRegistry() *Registry {
	r := &Registry{
		rails: []RailConfig{
			{
				Rail:  models.RailLightning,
				Class: models.RailClassOffChain,
				Assets: []AssetConfig{
					{Symbol: "BTC", Decimals: 8},
				},
			},
			{
				Rail:    models.RailPolygon,
				Class:   models.RailClassEvm,
				ChainID: 137,
				Assets: []AssetConfig{
					{Symbol: "POL", Decimals: 18},
					{Symbol: "USDC", Decimals: 6, Contract: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", PeggedTo: "USD"},
					{Symbol: "USDT", Decimals: 6, Contract: "0xc2132D05D31c914a87C6611C10748AEb04B58e8F", PeggedTo: "USD"},
				},
			},
			{
				Rail:    models.RailArbitrum,
				Class:   models.RailClassEvm,
				ChainID: 42161,
				Assets: []AssetConfig{
					{Symbol: "ETH", Decimals: 18},
					{Symbol: "USDC", Decimals: 6, Contract: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", PeggedTo: "USD"},
				},
			},
			{
				Rail:    models.RailOptimism,
				Class:   models.RailClassEvm,
				ChainID: 10,
				Assets: []AssetConfig{
					{Symbol: "ETH", Decimals: 18},
					{Symbol: "USDC", Decimals: 6, Contract: "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85", PeggedTo: "USD"},
				},
			},
			{
				Rail:    models.RailBase,
				Class:   models.RailClassEvm,
				ChainID: 8453,
				Assets: []AssetConfig{
					{Symbol: "ETH", Decimals: 18},
					{Symbol: "USDC", Decimals: 6, Contract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", PeggedTo: "USD"},
				},
			},
			{
				Rail:    models.RailEthereum,
				Class:   models.RailClassEvm,
				ChainID: 1,
				Assets: []AssetConfig{
					{Symbol: "ETH", Decimals: 18},
					{Symbol: "USDC", Decimals: 6, Contract: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", PeggedTo: "USD"},
					{Symbol: "USDT", Decimals: 6, Contract: "0xdAC17F958D2ee523a2206206994597C13D831ec7", PeggedTo: "USD"},
				},
			},
			{
				Rail:  models.RailBinancePay,
				Class: models.RailClassC2B,
				Assets: []AssetConfig{
					{Symbol: "USDT", Decimals: 8, PeggedTo: "USD"},
					{Symbol: "BTC", Decimals: 8},
				},
			},
		},
		feeRates: map[models.RailClass]float64{
			models.RailClassOffChain: config.GetEnvFloat("FEE_RATE_OFFCHAIN", 0.002),
			models.RailClassEvm:      config.GetEnvFloat("FEE_RATE_EVM", 0.005),
			models.RailClassC2B:      config.GetEnvFloat("FEE_RATE_C2B", 0.003),
		},
		quoteTTL: map[models.RailClass]time.Duration{
			models.RailClassOffChain: config.GetEnvDuration("QUOTE_TTL_OFFCHAIN", 5*time.Minute),
			models.RailClassEvm:      config.GetEnvDuration("QUOTE_TTL_EVM", 30*time.Minute),
			models.RailClassC2B:      config.GetEnvDuration("QUOTE_TTL_C2B", 10*time.Minute),
		},
	}
	r.byRail = make(map[models.Rail]RailConfig, len(r.rails))
	for _, rc := range r.rails {
		r.byRail[rc.Rail] = rc
	}
	return r
}

// Ordered returns the catalog subset configured on the link, in menu order.
func (r *Registry) Ordered(link *models.Link) []RailConfig {
	var out []RailConfig
	for _, rc := range r.rails {
		if !link.HasRail(rc.Rail) {
			continue
		}
		if rc.Class == models.RailClassC2B && !link.Enrolled() {
			continue
		}
		out = append(out, rc)
	}
	return out
}

// Get returns the config for a rail.
func (r *Registry) Get(rail models.Rail) (RailConfig, bool) {
	rc, ok := r.byRail[rail]
	return rc, ok
}

// FeeRate returns the overlay fee rate for a rail class.
func (r *Registry) FeeRate(class models.RailClass) float64 {
	return r.feeRates[class]
}

// QuoteTTL returns how long a quote stays payable for a rail class.
func (r *Registry) QuoteTTL(class models.RailClass) time.Duration {
	return r.quoteTTL[class]
}

// Asset returns a rail's asset config by symbol.
func (r *Registry) Asset(rail models.Rail, symbol string) (AssetConfig, bool) {
	rc, ok := r.byRail[rail]
	if !ok {
		return AssetConfig{}, false
	}
	for _, a := range rc.Assets {
		if a.Symbol == symbol {
			return a, true
		}
	}
	return AssetConfig{}, false
}

// Payable is one reserved transfer the payer committed to.
type Payable struct {
	PaymentID string
	Rail      models.Rail
	Asset     string
	Amount    float64
	Memo      string
	Link      *models.Link
}

// PayableRequest is what the payer consumes to execute the transfer.
type PayableRequest struct {
	// Request is the rail-native payment artifact: a bolt11 invoice, an EVM
	// payment URI or a provider deeplink.
	Request string
	// CorrelationID matches provider callbacks back to the activation.
	// Empty for address-based rails.
	CorrelationID string
	// Expiry bounds the request's validity when the rail imposes one; zero
	// otherwise.
	Expiry time.Time
}

// Gateway produces payer-facing payment requests for one rail.
type Gateway interface {
	CreatePayable(ctx context.Context, p Payable) (*PayableRequest, error)
}

// GatewaySet routes payable creation to the owning rail gateway.
type GatewaySet struct {
	registry *Registry
	gateways map[models.RailClass]Gateway
}

func NewGatewaySet(registry *Registry) *GatewaySet {
	return &GatewaySet{
		registry: registry,
		gateways: make(map[models.RailClass]Gateway),
	}
}

// Register installs the gateway serving a rail class.
func (g *GatewaySet) Register(class models.RailClass, gateway Gateway) {
	g.gateways[class] = gateway
}

// CreatePayable dispatches to the gateway owning the payable's rail.
func (g *GatewaySet) CreatePayable(ctx context.Context, p Payable) (*PayableRequest, error) {
	rc, ok := g.registry.Get(p.Rail)
	if !ok {
		return nil, fmt.Errorf("unknown rail %s", p.Rail)
	}
	gateway, ok := g.gateways[rc.Class]
	if !ok {
		return nil, fmt.Errorf("no gateway registered for rail class %s", rc.Class)
	}
	return gateway.CreatePayable(ctx, p)
}
