package chain

// conditionalTokensABI is the subset of the Gnosis ConditionalTokens
// interface the bot touches: position lifecycle (split/merge/redeem),
// position ID derivation, resolution state, and ERC-1155 balance reads
// (the CTF contract is itself the ERC-1155).
const conditionalTokensABI = `[
	{
		"inputs": [
			{"name": "collateralToken", "type": "address"},
			{"name": "parentCollectionId", "type": "bytes32"},
			{"name": "conditionId", "type": "bytes32"},
			{"name": "partition", "type": "uint256[]"},
			{"name": "amount", "type": "uint256"}
		],
		"name": "splitPosition",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "collateralToken", "type": "address"},
			{"name": "parentCollectionId", "type": "bytes32"},
			{"name": "conditionId", "type": "bytes32"},
			{"name": "partition", "type": "uint256[]"},
			{"name": "amount", "type": "uint256"}
		],
		"name": "mergePositions",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "collateralToken", "type": "address"},
			{"name": "parentCollectionId", "type": "bytes32"},
			{"name": "conditionId", "type": "bytes32"},
			{"name": "indexSets", "type": "uint256[]"}
		],
		"name": "redeemPositions",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "parentCollectionId", "type": "bytes32"},
			{"name": "conditionId", "type": "bytes32"},
			{"name": "indexSet", "type": "uint256"}
		],
		"name": "getCollectionId",
		"outputs": [{"name": "", "type": "bytes32"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "collateralToken", "type": "address"},
			{"name": "collectionId", "type": "bytes32"}
		],
		"name": "getPositionId",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "pure",
		"type": "function"
	},
	{
		"inputs": [{"name": "", "type": "bytes32"}],
		"name": "payoutDenominator",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "", "type": "bytes32"},
			{"name": "", "type": "uint256"}
		],
		"name": "payoutNumerators",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "account", "type": "address"},
			{"name": "id", "type": "uint256"}
		],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// erc20ABI covers the collateral (USDC) reads used for startup checks.
const erc20ABI = `[
	{
		"inputs": [{"name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`
