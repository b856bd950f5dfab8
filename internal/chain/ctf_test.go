package chain

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"polyarb/pkg/types"
)

func parsedABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(conditionalTokensABI))
	if err != nil {
		t.Fatalf("parse conditional tokens ABI: %v", err)
	}
	return parsed
}

func TestABIPacksAllMethods(t *testing.T) {
	t.Parallel()
	ctf := parsedABI(t)

	collateral := common.HexToAddress(collateralAddress)
	cond := common.HexToHash("0x01")

	if _, err := ctf.Pack("mergePositions", collateral, common.Hash{}, cond, fullPartition(), big.NewInt(1_000_000)); err != nil {
		t.Errorf("pack mergePositions: %v", err)
	}
	if _, err := ctf.Pack("redeemPositions", collateral, common.Hash{}, cond, fullPartition()); err != nil {
		t.Errorf("pack redeemPositions: %v", err)
	}
	if _, err := ctf.Pack("splitPosition", collateral, common.Hash{}, cond, fullPartition(), big.NewInt(1_000_000)); err != nil {
		t.Errorf("pack splitPosition: %v", err)
	}
	if _, err := ctf.Pack("payoutDenominator", cond); err != nil {
		t.Errorf("pack payoutDenominator: %v", err)
	}
	if _, err := ctf.Pack("payoutNumerators", cond, big.NewInt(0)); err != nil {
		t.Errorf("pack payoutNumerators: %v", err)
	}
	if _, err := ctf.Pack("balanceOf", collateral, big.NewInt(7)); err != nil {
		t.Errorf("pack balanceOf: %v", err)
	}

	if _, err := abi.JSON(strings.NewReader(erc20ABI)); err != nil {
		t.Errorf("parse erc20 ABI: %v", err)
	}
}

func TestSharesToUnits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		shares float64
		want   int64
	}{
		{1, 1_000_000},
		{0.5, 500_000},
		{12.345678, 12_345_678},
		{0, 0},
	}
	for _, tt := range tests {
		if got := sharesToUnits(tt.shares); got.Int64() != tt.want {
			t.Errorf("sharesToUnits(%v) = %v, want %v", tt.shares, got, tt.want)
		}
	}

	if got := unitsToShares(big.NewInt(2_500_000)); got != 2.5 {
		t.Errorf("unitsToShares(2500000) = %v, want 2.5", got)
	}
}

func TestParseTokenID(t *testing.T) {
	t.Parallel()

	id, err := parseTokenID("7131802930474747338961114618136541391795767752994029366559542254061704072082")
	if err != nil {
		t.Fatalf("parseTokenID: %v", err)
	}
	if id.Sign() <= 0 {
		t.Error("parsed token ID should be positive")
	}

	for _, bad := range []string{"", "0x1234", "not-a-number", "-5"} {
		if _, err := parseTokenID(bad); err == nil {
			t.Errorf("parseTokenID(%q) should fail", bad)
		}
	}
}

func TestParseConditionID(t *testing.T) {
	t.Parallel()

	if _, err := parseConditionID("0xf0afd0c6b5a2f6b7e0f6f5cfe6a3b0c0d0e0f0a0b0c0d0e0f0a0b0c0d0e0f0a0"); err != nil {
		t.Errorf("valid condition id rejected: %v", err)
	}
	if _, err := parseConditionID(""); err == nil {
		t.Error("empty condition id should be rejected")
	}
	if _, err := parseConditionID("0x0"); err == nil {
		t.Error("zero condition id should be rejected")
	}
}

func TestWinnerFromNumerators(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		up   int64
		down int64
		want types.Outcome
		ok   bool
	}{
		{"up wins", 1, 0, types.OutcomeUp, true},
		{"down wins", 0, 1, types.OutcomeDown, true},
		{"split payout", 1, 1, "", false},
		{"no payout", 0, 0, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := winnerFromNumerators([]*big.Int{big.NewInt(tt.up), big.NewInt(tt.down)})
			if ok != tt.ok || got != tt.want {
				t.Errorf("winnerFromNumerators(%d, %d) = %v, %v, want %v, %v",
					tt.up, tt.down, got, ok, tt.want, tt.ok)
			}
		})
	}

	if _, ok := winnerFromNumerators([]*big.Int{big.NewInt(1)}); ok {
		t.Error("short numerator vector should not resolve")
	}
}

func TestFullPartition(t *testing.T) {
	t.Parallel()

	p := fullPartition()
	if len(p) != 2 || p[0].Int64() != 1 || p[1].Int64() != 2 {
		t.Errorf("fullPartition = %v, want [1 2]", p)
	}
}
