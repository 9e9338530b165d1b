package rails

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"paylink/internal/apperr"
	"paylink/internal/models"
	"paylink/pkg/config"
	"paylink/pkg/logging"
)

// EVMGateway turns reserved EVM transfers into EIP-681 style payment URIs
// pointing at the service's deposit address. No provider round trip is
// needed; the URI is derived locally.
type EVMGateway struct {
	registry *Registry
	deposits map[models.Rail]common.Address
	logger   logging.Logger
}

// EVMConfig for creating the gateway. Deposit addresses come per rail from
// the environment (e.g. DEPOSIT_ADDRESS_ETHEREUM), falling back to
// DEPOSIT_ADDRESS for rails without their own.
type EVMConfig struct {
	Registry *Registry
	Logger   logging.Logger
}

func NewEVMGateway(cfg EVMConfig) (*EVMGateway, error) {
	g := &EVMGateway{
		registry: cfg.Registry,
		deposits: make(map[models.Rail]common.Address),
		logger:   cfg.Logger,
	}
	fallback := config.GetEnv("DEPOSIT_ADDRESS", "")
	for _, rc := range cfg.Registry.rails {
		if rc.Class != models.RailClassEvm {
			continue
		}
		addr := config.GetEnv("DEPOSIT_ADDRESS_"+strings.ToUpper(string(rc.Rail)), fallback)
		if addr == "" {
			continue
		}
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid deposit address for %s: %s", rc.Rail, addr)
		}
		g.deposits[rc.Rail] = common.HexToAddress(addr)
	}
	return g, nil
}

// baseUnits converts a human asset amount to the token's integer base units.
func baseUnits(amount float64, decimals int) (string, error) {
	units := decimal.NewFromFloat(amount).Shift(int32(decimals)).Truncate(0)
	if units.Sign() <= 0 {
		return "", fmt.Errorf("amount %f rounds to zero base units", amount)
	}
	return units.String(), nil
}

func (g *EVMGateway) CreatePayable(ctx context.Context, p Payable) (*PayableRequest, error) {
	rc, ok := g.registry.Get(p.Rail)
	if !ok || rc.Class != models.RailClassEvm {
		return nil, apperr.Validation("rail %s is not an EVM rail", p.Rail)
	}
	asset, ok := g.registry.Asset(p.Rail, p.Asset)
	if !ok {
		return nil, apperr.Validation("asset %s is not configured on %s", p.Asset, p.Rail)
	}
	deposit, ok := g.deposits[p.Rail]
	if !ok {
		return nil, apperr.Provider(nil, "no deposit address configured for %s", p.Rail)
	}

	units, err := baseUnits(p.Amount, asset.Decimals)
	if err != nil {
		return nil, apperr.Validation("invalid amount for %s on %s: %v", p.Asset, p.Rail, err)
	}

	chain := strings.ToLower(string(p.Rail))
	var uri string
	if asset.Contract == "" {
		uri = fmt.Sprintf("%s:%s@%d?value=%s", chain, deposit.Hex(), rc.ChainID, units)
	} else {
		uri = fmt.Sprintf("%s:%s@%d/transfer?address=%s&uint256=%s",
			chain, common.HexToAddress(asset.Contract).Hex(), rc.ChainID, deposit.Hex(), units)
	}

	return &PayableRequest{Request: uri}, nil
}

// TransactionReceipt is the subset of an EVM receipt settlement needs.
type TransactionReceipt struct {
	Status      string `json:"status"`
	BlockNumber string `json:"blockNumber"`
}

// TxVerifier checks observed EVM transactions against the chain before they
// are allowed to settle an activation. Guards against spoofed observations
// and shallow reorgs.
type TxVerifier struct {
	registry      *Registry
	httpClient    *http.Client
	confirmations int64
	logger        logging.Logger
}

func NewTxVerifier(registry *Registry, logger logging.Logger) *TxVerifier {
	return &TxVerifier{
		registry:      registry,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		confirmations: int64(config.GetEnvInt("EVM_CONFIRMATIONS", 3)),
		logger:        logger,
	}
}

// VerifyTransaction confirms the tx succeeded and is buried deep enough.
func (v *TxVerifier) VerifyTransaction(ctx context.Context, rail models.Rail, txHash string) error {
	rc, ok := v.registry.Get(rail)
	if !ok || rc.Class != models.RailClassEvm {
		// Non-EVM rails are verified by their own provider callbacks.
		return nil
	}
	endpoint := rpcEndpoint(rail)
	if endpoint == "" {
		return apperr.Provider(nil, "no RPC endpoint configured for %s", rail)
	}

	receipt, err := v.getTransactionReceipt(ctx, endpoint, txHash)
	if err != nil {
		return apperr.Provider(err, "receipt lookup for %s failed", txHash)
	}
	if receipt == nil {
		return apperr.Provider(nil, "transaction %s not mined yet", txHash)
	}
	if receipt.Status != "0x1" {
		return apperr.Provider(nil, "transaction %s reverted", txHash)
	}

	blockNum, err := parseHexInt64(receipt.BlockNumber)
	if err != nil {
		return apperr.Provider(err, "transaction %s has no usable block number", txHash)
	}
	latest, err := v.getLatestBlockNumber(ctx, endpoint)
	if err != nil {
		return apperr.Provider(err, "block height lookup failed")
	}
	if latest < blockNum || (latest-blockNum) < v.confirmations {
		return apperr.Provider(nil, "transaction %s has %d of %d confirmations", txHash, max64(latest-blockNum, 0), v.confirmations)
	}
	return nil
}

func rpcEndpoint(rail models.Rail) string {
	return config.GetEnv("RPC_ENDPOINT_"+strings.ToUpper(string(rail)), "")
}

func (v *TxVerifier) getTransactionReceipt(ctx context.Context, endpoint, txHash string) (*TransactionReceipt, error) {
	var rpcResp struct {
		Result *TransactionReceipt `json:"result"`
		Error  *json.RawMessage    `json:"error"`
	}
	if err := v.rpcCall(ctx, endpoint, "eth_getTransactionReceipt", []string{txHash}, &rpcResp); err != nil {
		return nil, err
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("RPC error: %s", string(*rpcResp.Error))
	}
	return rpcResp.Result, nil
}

func (v *TxVerifier) getLatestBlockNumber(ctx context.Context, endpoint string) (int64, error) {
	var rpcResp struct {
		Result string           `json:"result"`
		Error  *json.RawMessage `json:"error"`
	}
	if err := v.rpcCall(ctx, endpoint, "eth_blockNumber", []string{}, &rpcResp); err != nil {
		return 0, err
	}
	if rpcResp.Error != nil {
		return 0, fmt.Errorf("RPC error: %s", string(*rpcResp.Error))
	}
	return parseHexInt64(rpcResp.Result)
}

func (v *TxVerifier) rpcCall(ctx context.Context, endpoint, method string, params []string, out interface{}) error {
	reqJSON, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      1,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqJSON))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func parseHexInt64(hexStr string) (int64, error) {
	s := strings.TrimPrefix(hexStr, "0x")
	if s == "" {
		return 0, fmt.Errorf("empty hex quantity")
	}
	n, err := strconv.ParseInt(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid hex quantity %q: %w", hexStr, err)
	}
	return n, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
