// Package chain wraps the on-chain half of settlement: merging hedged
// outcome-token pairs back to collateral, redeeming winning tokens after
// resolution, balance and resolution reads, and receipt tracking for the
// order manager's settlement channel. All calls go to the Gnosis
// ConditionalTokens contract (the CTF) on Polygon.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"polyarb/internal/config"
	"polyarb/internal/order"
	"polyarb/pkg/types"
)

// Polygon mainnet deployment.
const (
	ctfAddress        = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
	collateralAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174" // USDC

	// USDC and CTF positions both carry 6 decimals.
	collateralDecimals = 1_000_000

	receiptPollInterval = 2 * time.Second
)

// dustShares is the smallest pair balance worth spending gas on.
const dustShares = 0.01

// Resolution is the on-chain resolution state of one condition.
type Resolution struct {
	Resolved bool
	Winner   types.Outcome // valid only when Resolved
}

// CTFOps executes conditional-token operations with the wallet key.
// Every mutating call is atomic: it returns once the transaction is mined
// and reverts are surfaced as errors.
type CTFOps struct {
	client     *ethclient.Client
	ctf        common.Address
	collateral common.Address
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	ctfABI     abi.ABI
	erc20      abi.ABI
	logger     *slog.Logger
}

// NewCTFOps connects to the configured RPC endpoint and prepares the
// contract bindings. The same wallet key that signs orders signs the
// settlement transactions.
func NewCTFOps(cfg *config.Config, logger *slog.Logger) (*CTFOps, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Wallet.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	client, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", cfg.Chain.RPCURL, err)
	}

	ctfABI, err := abi.JSON(strings.NewReader(conditionalTokensABI))
	if err != nil {
		return nil, fmt.Errorf("parse ctf abi: %w", err)
	}
	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	return &CTFOps{
		client:     client,
		ctf:        common.HexToAddress(ctfAddress),
		collateral: common.HexToAddress(collateralAddress),
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		chainID:    big.NewInt(int64(cfg.Wallet.ChainID)),
		ctfABI:     ctfABI,
		erc20:      erc20,
		logger:     logger.With("component", "ctf"),
	}, nil
}

// GetAddress returns the wallet address performing the operations.
func (c *CTFOps) GetAddress() string {
	return c.address.Hex()
}

// MergePairs burns shares of both outcome tokens and credits the wallet
// shares USDC. Fails whole if either balance is short or the transaction
// reverts.
func (c *CTFOps) MergePairs(ctx context.Context, conditionID string, shares float64) (string, error) {
	cond, err := parseConditionID(conditionID)
	if err != nil {
		return "", err
	}
	if shares <= 0 {
		return "", fmt.Errorf("merge pairs: shares must be positive, got %v", shares)
	}

	data, err := c.ctfABI.Pack("mergePositions",
		c.collateral, common.Hash{}, cond, fullPartition(), sharesToUnits(shares))
	if err != nil {
		return "", fmt.Errorf("pack mergePositions: %w", err)
	}

	hash, err := c.execute(ctx, data)
	if err != nil {
		return "", fmt.Errorf("merge pairs %s: %w", conditionID, err)
	}
	c.logger.Info("merged pairs", "condition", conditionID, "shares", shares, "tx", hash)
	return hash, nil
}

// RedeemByTokenIds redeems whatever winning balance the wallet holds of the
// given outcome tokens after the condition resolved. Errors when there is
// nothing to redeem, which keeps the retry queue honest.
func (c *CTFOps) RedeemByTokenIds(ctx context.Context, conditionID string, tokenIDs []string) (string, error) {
	cond, err := parseConditionID(conditionID)
	if err != nil {
		return "", err
	}

	var total float64
	for _, id := range tokenIDs {
		bal, err := c.GetPositionBalance(ctx, id)
		if err != nil {
			return "", err
		}
		total += bal
	}
	if total <= 0 {
		return "", fmt.Errorf("redeem %s: no token balance to redeem", conditionID)
	}

	data, err := c.ctfABI.Pack("redeemPositions",
		c.collateral, common.Hash{}, cond, fullPartition())
	if err != nil {
		return "", fmt.Errorf("pack redeemPositions: %w", err)
	}

	hash, err := c.execute(ctx, data)
	if err != nil {
		return "", fmt.Errorf("redeem %s: %w", conditionID, err)
	}
	c.logger.Info("redeemed positions", "condition", conditionID, "balance", total, "tx", hash)
	return hash, nil
}

// GetPositionBalance reads the wallet's ERC-1155 balance of one outcome
// token, in shares.
func (c *CTFOps) GetPositionBalance(ctx context.Context, tokenID string) (float64, error) {
	id, err := parseTokenID(tokenID)
	if err != nil {
		return 0, err
	}

	data, err := c.ctfABI.Pack("balanceOf", c.address, id)
	if err != nil {
		return 0, fmt.Errorf("pack balanceOf: %w", err)
	}
	result, err := c.call(ctx, c.ctf, data)
	if err != nil {
		return 0, fmt.Errorf("position balance %s: %w", tokenID, err)
	}

	var balance *big.Int
	if err := c.ctfABI.UnpackIntoInterface(&balance, "balanceOf", result); err != nil {
		return 0, fmt.Errorf("unpack balanceOf: %w", err)
	}
	return unitsToShares(balance), nil
}

// CollateralBalance reads the wallet's USDC balance.
func (c *CTFOps) CollateralBalance(ctx context.Context) (float64, error) {
	data, err := c.erc20.Pack("balanceOf", c.address)
	if err != nil {
		return 0, fmt.Errorf("pack balanceOf: %w", err)
	}
	result, err := c.call(ctx, c.collateral, data)
	if err != nil {
		return 0, fmt.Errorf("collateral balance: %w", err)
	}

	var balance *big.Int
	if err := c.erc20.UnpackIntoInterface(&balance, "balanceOf", result); err != nil {
		return 0, fmt.Errorf("unpack balanceOf: %w", err)
	}
	return unitsToShares(balance), nil
}

// GetMarketResolution reads the resolution state of a condition. A market
// is resolved once the oracle reported payouts (payoutDenominator > 0);
// the winning outcome is the index holding a non-zero numerator.
func (c *CTFOps) GetMarketResolution(ctx context.Context, conditionID string) (Resolution, error) {
	cond, err := parseConditionID(conditionID)
	if err != nil {
		return Resolution{}, err
	}

	data, err := c.ctfABI.Pack("payoutDenominator", cond)
	if err != nil {
		return Resolution{}, fmt.Errorf("pack payoutDenominator: %w", err)
	}
	result, err := c.call(ctx, c.ctf, data)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolution %s: %w", conditionID, err)
	}
	var denominator *big.Int
	if err := c.ctfABI.UnpackIntoInterface(&denominator, "payoutDenominator", result); err != nil {
		return Resolution{}, fmt.Errorf("unpack payoutDenominator: %w", err)
	}
	if denominator.Sign() == 0 {
		return Resolution{}, nil
	}

	numerators := make([]*big.Int, 2)
	for i := range numerators {
		data, err := c.ctfABI.Pack("payoutNumerators", cond, big.NewInt(int64(i)))
		if err != nil {
			return Resolution{}, fmt.Errorf("pack payoutNumerators: %w", err)
		}
		result, err := c.call(ctx, c.ctf, data)
		if err != nil {
			return Resolution{}, fmt.Errorf("resolution %s: %w", conditionID, err)
		}
		if err := c.ctfABI.UnpackIntoInterface(&numerators[i], "payoutNumerators", result); err != nil {
			return Resolution{}, fmt.Errorf("unpack payoutNumerators: %w", err)
		}
	}

	winner, ok := winnerFromNumerators(numerators)
	if !ok {
		return Resolution{}, fmt.Errorf("resolution %s: ambiguous payout numerators", conditionID)
	}
	return Resolution{Resolved: true, Winner: winner}, nil
}

// ReconcilePairs merges any pre-existing UP+DOWN pair balance the wallet
// holds in the given market. Returns the merged share count, 0 when there
// was no meaningful pair.
func (c *CTFOps) ReconcilePairs(ctx context.Context, m types.MarketDescriptor) (float64, error) {
	upBal, err := c.GetPositionBalance(ctx, m.UpTokenID)
	if err != nil {
		return 0, err
	}
	downBal, err := c.GetPositionBalance(ctx, m.DownTokenID)
	if err != nil {
		return 0, err
	}

	pair := upBal
	if downBal < pair {
		pair = downBal
	}
	if pair < dustShares {
		return 0, nil
	}

	c.logger.Info("reconciling pre-existing pair balance",
		"market", m.Slug, "up", upBal, "down", downBal, "merging", pair)
	if _, err := c.MergePairs(ctx, m.ConditionID, pair); err != nil {
		return 0, err
	}
	return pair, nil
}

// WaitForConfirmation polls for the receipt of a settlement transaction
// until it is mined or ctx expires. Implements order.ChainProvider.
func (c *CTFOps) WaitForConfirmation(ctx context.Context, txHash string) (order.Confirmation, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return order.Confirmation{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
				Success:     receipt.Status == ethtypes.ReceiptStatusSuccessful,
			}, nil
		}

		select {
		case <-ctx.Done():
			return order.Confirmation{}, fmt.Errorf("wait for %s: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// execute signs and sends a CTF transaction, then blocks until it is mined.
// A reverted transaction is an error; callers never see partial success.
func (c *CTFOps) execute(ctx context.Context, data []byte) (string, error) {
	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}
	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From: c.address,
		To:   &c.ctf,
		Data: data,
	})
	if err != nil {
		return "", fmt.Errorf("estimate gas: %w", err)
	}

	tx := ethtypes.NewTransaction(nonce, c.ctf, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign tx: %w", err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send tx: %w", err)
	}

	conf, err := c.WaitForConfirmation(ctx, signed.Hash().Hex())
	if err != nil {
		return "", err
	}
	if !conf.Success {
		return "", fmt.Errorf("tx %s reverted", conf.TxHash)
	}
	return conf.TxHash, nil
}

func (c *CTFOps) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// fullPartition is the [1, 2] index-set pair covering both outcomes of a
// binary condition.
func fullPartition() []*big.Int {
	return []*big.Int{big.NewInt(1), big.NewInt(2)}
}

func parseConditionID(s string) (common.Hash, error) {
	cond := common.HexToHash(s)
	if cond == (common.Hash{}) {
		return common.Hash{}, fmt.Errorf("invalid condition id %q", s)
	}
	return cond, nil
}

// parseTokenID parses the venue's decimal ERC-1155 token ID.
func parseTokenID(s string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(s, 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("invalid token id %q", s)
	}
	return id, nil
}

// sharesToUnits converts shares to 6-decimal contract units, rounding to
// the nearest unit so float noise cannot shave a unit off the amount.
func sharesToUnits(shares float64) *big.Int {
	return decimal.NewFromFloat(shares).
		Mul(decimal.NewFromInt(collateralDecimals)).
		Round(0).
		BigInt()
}

// unitsToShares converts 6-decimal contract units to shares.
func unitsToShares(units *big.Int) float64 {
	f := new(big.Float).SetInt(units)
	f.Quo(f, new(big.Float).SetInt64(collateralDecimals))
	v, _ := f.Float64()
	return v
}

// winnerFromNumerators maps the payout vector to the winning outcome:
// index 0 is UP, index 1 is DOWN. A vector paying both sides (a 50/50
// resolution) has no single winner.
func winnerFromNumerators(numerators []*big.Int) (types.Outcome, bool) {
	if len(numerators) != 2 {
		return "", false
	}
	upWins := numerators[0].Sign() > 0
	downWins := numerators[1].Sign() > 0
	switch {
	case upWins && !downWins:
		return types.OutcomeUp, true
	case downWins && !upWins:
		return types.OutcomeDown, true
	}
	return "", false
}
