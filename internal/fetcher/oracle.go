package fetcher

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vaultwatch/internal/vault"
)

const (
	oracleABIJSON = `[{"inputs":[{"internalType":"address","name":"token","type":"address"}],"name":"getPrice","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`
)

var (
	oracleABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(oracleABIJSON))
	if err != nil {
		panic("failed to parse oracle ABI: " + err.Error())
	}
	oracleABI = parsed
}

// OracleOptions parameterise the on-chain price oracle.
type OracleOptions struct {
	RPCURL        string
	OracleAddress string
	// TokenAddresses maps a collateral id to its EVM token address.
	TokenAddresses map[string]string
	Timeout        time.Duration
}

type contractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Oracle reads collateral prices from the EVM oracle predeploy.
type Oracle struct {
	opts      OracleOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	caller    contractCaller
	clientMux sync.Mutex
}

// NewOracle builds a new price oracle reader.
func NewOracle(opts OracleOptions, logger zerolog.Logger) *Oracle {
	tokens := make(map[string]string, len(opts.TokenAddresses))
	for id, addr := range opts.TokenAddresses {
		tokens[strings.ToUpper(strings.TrimSpace(id))] = strings.TrimSpace(addr)
	}
	opts.TokenAddresses = tokens
	return &Oracle{opts: opts, logger: logger.With().Str("component", "price_oracle").Logger()}
}

// FetchPrice retrieves the USD price of one whole unit of collateralID.
func (o *Oracle) FetchPrice(ctx context.Context, collateralID string) (decimal.Decimal, error) {
	if o.opts.RPCURL == "" && o.caller == nil {
		return decimal.Decimal{}, errors.New("ethereum rpc url not configured")
	}
	if o.opts.OracleAddress == "" {
		return decimal.Decimal{}, errors.New("oracle contract address not configured")
	}
	token, ok := o.opts.TokenAddresses[strings.ToUpper(collateralID)]
	if !ok || !common.IsHexAddress(token) {
		return decimal.Decimal{}, vault.NotFound("no token address for collateral %s", collateralID)
	}

	timeout := o.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	caller, err := o.getCaller(ctx)
	if err != nil {
		return decimal.Decimal{}, vault.Transient(err)
	}

	oracle := common.HexToAddress(o.opts.OracleAddress)
	payload, err := oracleABI.Pack("getPrice", common.HexToAddress(token))
	if err != nil {
		return decimal.Decimal{}, err
	}

	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &oracle, Data: payload}, nil)
	if err != nil {
		return decimal.Decimal{}, vault.Transient(err)
	}

	outputs, err := oracleABI.Unpack("getPrice", res)
	if err != nil {
		return decimal.Decimal{}, vault.Malformed("decode getPrice: %v", err)
	}
	if len(outputs) != 1 {
		return decimal.Decimal{}, vault.Malformed("unexpected getPrice response")
	}

	price, ok := outputs[0].(*big.Int)
	if !ok {
		return decimal.Decimal{}, vault.Malformed("failed to decode getPrice output")
	}
	if price.Sign() == 0 {
		return decimal.Decimal{}, vault.NotFound("oracle has no price for %s", collateralID)
	}

	usd := decimal.NewFromBigInt(price, -18)
	o.logger.Debug().Str("collateral", collateralID).Str("price", usd.String()).Msg("oracle price")
	return usd, nil
}

// Close disconnects the RPC client, if one was dialled.
func (o *Oracle) Close() {
	o.clientMux.Lock()
	defer o.clientMux.Unlock()
	if o.client != nil {
		o.client.Close()
		o.client = nil
		o.caller = nil
	}
}

func (o *Oracle) getCaller(ctx context.Context) (contractCaller, error) {
	o.clientMux.Lock()
	defer o.clientMux.Unlock()

	if o.caller != nil {
		return o.caller, nil
	}

	client, err := ethclient.DialContext(ctx, o.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	o.client = client
	o.caller = client
	return client, nil
}

var _ PriceOracle = (*Oracle)(nil)
