// signer.go builds and signs CTF exchange orders.
//
// Every order sent to the CLOB is an EIP-712 "Order" struct signed against
// the exchange contract for the market (regular or neg-risk). Human-readable
// price/size values are converted to 6-decimal USDC maker/taker amounts with
// decimal arithmetic so rounding never drifts from the venue's own math.
package exchange

import (
	"fmt"
	"math/big"
	"math/rand"
	"strconv"

	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"polyarb/pkg/types"
)

// Polygon mainnet exchange contracts. Neg-risk markets settle through a
// separate exchange, so the EIP-712 domain switches with the market flag.
const (
	exchangeAddress        = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	negRiskExchangeAddress = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
	zeroAddress            = "0x0000000000000000000000000000000000000000"
)

var orderTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": {
		{Name: "salt", Type: "uint256"},
		{Name: "maker", Type: "address"},
		{Name: "signer", Type: "address"},
		{Name: "taker", Type: "address"},
		{Name: "tokenId", Type: "uint256"},
		{Name: "makerAmount", Type: "uint256"},
		{Name: "takerAmount", Type: "uint256"},
		{Name: "expiration", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "feeRateBps", Type: "uint256"},
		{Name: "side", Type: "uint8"},
		{Name: "signatureType", Type: "uint8"},
	},
}

// BuildOrder assembles an unsigned exchange order from price/size terms and
// signs it. Size is always in shares; for market BUY orders the caller
// derives shares from the quote-currency amount first.
func (a *Auth) BuildOrder(tokenID string, side types.Side, price, size float64, expiration int64, tick types.TickSize, negRisk bool) (types.SignedOrder, error) {
	if tick == "" {
		tick = types.Tick001
	}
	makerAmt, takerAmt := orderAmounts(price, size, side, tick)

	order := types.SignedOrder{
		Salt:          strconv.FormatInt(rand.Int63(), 10),
		Maker:         a.funderAddress.Hex(),
		Signer:        a.address.Hex(),
		Taker:         zeroAddress,
		TokenID:       tokenID,
		MakerAmount:   makerAmt,
		TakerAmount:   takerAmt,
		Side:          side,
		Expiration:    strconv.FormatInt(expiration, 10),
		Nonce:         "0",
		FeeRateBps:    "0",
		SignatureType: a.sigType,
	}

	sig, err := a.signOrder(&order, negRisk)
	if err != nil {
		return types.SignedOrder{}, fmt.Errorf("sign order: %w", err)
	}
	order.Signature = sig
	return order, nil
}

// signOrder produces the EIP-712 signature for the exchange contract.
func (a *Auth) signOrder(order *types.SignedOrder, negRisk bool) (string, error) {
	verifying := exchangeAddress
	if negRisk {
		verifying = negRiskExchangeAddress
	}

	tokenID, ok := new(big.Int).SetString(order.TokenID, 10)
	if !ok {
		return "", fmt.Errorf("invalid token id %q", order.TokenID)
	}
	salt, ok := new(big.Int).SetString(order.Salt, 10)
	if !ok {
		return "", fmt.Errorf("invalid salt %q", order.Salt)
	}
	expiration, ok := new(big.Int).SetString(order.Expiration, 10)
	if !ok {
		return "", fmt.Errorf("invalid expiration %q", order.Expiration)
	}

	// BUY = 0, SELL = 1 per the exchange contract's Side enum.
	sideVal := big.NewInt(1)
	if order.Side == types.BUY {
		sideVal = big.NewInt(0)
	}

	sig, err := a.SignTypedData(
		&apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           (*ethmath.HexOrDecimal256)(new(big.Int).Set(a.chainID)),
			VerifyingContract: verifying,
		},
		orderTypes,
		apitypes.TypedDataMessage{
			"salt":          salt,
			"maker":         common.HexToAddress(order.Maker).Hex(),
			"signer":        common.HexToAddress(order.Signer).Hex(),
			"taker":         common.HexToAddress(order.Taker).Hex(),
			"tokenId":       tokenID,
			"makerAmount":   order.MakerAmount,
			"takerAmount":   order.TakerAmount,
			"expiration":    expiration,
			"nonce":         big.NewInt(0),
			"feeRateBps":    big.NewInt(0),
			"side":          sideVal,
			"signatureType": big.NewInt(int64(a.sigType)),
		},
		"Order",
	)
	if err != nil {
		return "", err
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// orderAmounts converts price and share size to maker/taker amounts scaled
// to 6-decimal USDC units. Share sizes round down to 2 decimals; USDC terms
// round down at the tick size's amount precision, matching the venue.
//
// For BUY:  maker gives size*price USDC, receives size tokens.
// For SELL: maker gives size tokens, receives size*price USDC.
func orderAmounts(price, size float64, side types.Side, tick types.TickSize) (makerAmt, takerAmt *big.Int) {
	six := decimal.New(1, 6)
	shares := decimal.NewFromFloat(size).RoundDown(2)
	usd := shares.Mul(decimal.NewFromFloat(price)).RoundDown(int32(tick.AmountDecimals()))

	sharesScaled := shares.Mul(six).Truncate(0).BigInt()
	usdScaled := usd.Mul(six).Truncate(0).BigInt()

	if side == types.BUY {
		return usdScaled, sharesScaled
	}
	return sharesScaled, usdScaled
}

// marketOrderShares derives the share count for a market BUY: the quote
// amount divided by the worst acceptable price, rounded down to 2 decimals.
func marketOrderShares(amount, price float64) float64 {
	if price <= 0 {
		return 0
	}
	shares := decimal.NewFromFloat(amount).Div(decimal.NewFromFloat(price)).RoundDown(2)
	f, _ := shares.Float64()
	return f
}
