package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract ABIs
var (
	marketABI  abi.ABI
	factoryABI abi.ABI
)

const marketCreatedEvent = "MarketCreated"

func init() {
	var err error

	marketABI, err = abi.JSON(strings.NewReader(`[
		{"name": "status", "type": "function", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint8"}]},
		{"name": "kind", "type": "function", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint8"}]},
		{"name": "seller", "type": "function", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "address"}]},
		{"name": "ticketPrice", "type": "function", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint256"}]},
		{"name": "goalAmount", "type": "function", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint256"}]},
		{"name": "prizePool", "type": "function", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint256"}]},
		{"name": "participantDeposit", "type": "function", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint256"}]},
		{"name": "sellerDeposit", "type": "function", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint256"}]},
		{"name": "preparedQuantity", "type": "function", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint256"}]},
		{"name": "endTime", "type": "function", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint256"}]},
		{"name": "getParticipants", "type": "function", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "address[]"}]},
		{"name": "getWinners", "type": "function", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "address[]"}]},
		{
			"name": "participantInfo",
			"type": "function",
			"stateMutability": "view",
			"inputs": [{"name": "account", "type": "address"}],
			"outputs": [
				{"name": "hasEntered", "type": "bool"},
				{"name": "isWinner", "type": "bool"},
				{"name": "paidAmount", "type": "uint256"},
				{"name": "depositRefunded", "type": "bool"}
			]
		},
		{"name": "openMarket", "type": "function", "stateMutability": "payable", "inputs": [], "outputs": []},
		{
			"name": "enter",
			"type": "function",
			"stateMutability": "payable",
			"inputs": [
				{"name": "root", "type": "uint256"},
				{"name": "nullifierHash", "type": "uint256"},
				{"name": "proof", "type": "uint256[8]"}
			],
			"outputs": []
		},
		{"name": "settle", "type": "function", "stateMutability": "nonpayable", "inputs": [], "outputs": []},
		{"name": "claimRefund", "type": "function", "stateMutability": "nonpayable", "inputs": [], "outputs": []},
		{"name": "drawAndSettle", "type": "function", "stateMutability": "nonpayable", "inputs": [], "outputs": []}
	]`))
	if err != nil {
		panic("market abi parse: " + err.Error())
	}

	factoryABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "createMarket",
			"type": "function",
			"stateMutability": "payable",
			"inputs": [
				{"name": "kind", "type": "uint8"},
				{"name": "ticketPrice", "type": "uint256"},
				{"name": "goalAmount", "type": "uint256"},
				{"name": "preparedQuantity", "type": "uint256"},
				{"name": "endTime", "type": "uint256"}
			],
			"outputs": [{"name": "market", "type": "address"}]
		},
		{
			"name": "MarketCreated",
			"type": "event",
			"anonymous": false,
			"inputs": [
				{"name": "market", "type": "address", "indexed": true},
				{"name": "seller", "type": "address", "indexed": true},
				{"name": "kind", "type": "uint8", "indexed": false}
			]
		}
	]`))
	if err != nil {
		panic("factory abi parse: " + err.Error())
	}
}
