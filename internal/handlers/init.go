package handlers

import (
	"github.com/prometheus/client_golang/prometheus"

	"paylink/internal/activations"
	"paylink/internal/c2b"
	"paylink/internal/payments"
	"paylink/internal/quotes"
	"paylink/internal/rails"
	"paylink/internal/store"
	"paylink/internal/webhooks"
	"paylink/pkg/crypto"
	"paylink/pkg/logging"
)

var (
	st          *store.Store
	coordinator *payments.Coordinator
	quoteEngine *quotes.Engine
	activation  *activations.Engine
	registry    *rails.Registry
	verifier    *c2b.Verifier
	enroller    *c2b.Enroller
	dispatcher  *webhooks.Dispatcher
	fieldCrypt  *crypto.FieldEncryptor
	logger      logging.Logger
	metrics     *PaylinkMetrics
)

// PaylinkMetrics holds all Prometheus metrics for the payment-link service
type PaylinkMetrics struct {
	PaymentsCreated  *prometheus.CounterVec
	QuotesCreated    *prometheus.CounterVec
	Reservations     *prometheus.CounterVec
	Settlements      *prometheus.CounterVec
	ProviderWebhooks *prometheus.CounterVec
	DBQueries        *prometheus.CounterVec
	DBDuration       *prometheus.HistogramVec
	DBConnections    *prometheus.GaugeVec
}

// Deps wires the handler package's collaborators.
type Deps struct {
	Store       *store.Store
	Coordinator *payments.Coordinator
	QuoteEngine *quotes.Engine
	Activation  *activations.Engine
	Registry    *rails.Registry
	Verifier    *c2b.Verifier
	Enroller    *c2b.Enroller
	Dispatcher  *webhooks.Dispatcher
	FieldCrypt  *crypto.FieldEncryptor
	Logger      logging.Logger
	Metrics     *PaylinkMetrics
}

// Init initializes the handlers with their engines and shared services
func Init(deps Deps) {
	st = deps.Store
	coordinator = deps.Coordinator
	quoteEngine = deps.QuoteEngine
	activation = deps.Activation
	registry = deps.Registry
	verifier = deps.Verifier
	enroller = deps.Enroller
	dispatcher = deps.Dispatcher
	fieldCrypt = deps.FieldCrypt
	logger = deps.Logger
	metrics = deps.Metrics
}
