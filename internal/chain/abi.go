package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// contractABIJSON is the minimal ABI fragment covering the entry points and
// the six event signatures this package needs. The full contract
// interface is an external collaborator; only the surface actually
// called is declared here.
const contractABIJSON = `[
	{"type":"function","name":"currentEpoch","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"rounds","stateMutability":"view","inputs":[{"name":"epoch","type":"uint256"}],
	 "outputs":[
		{"name":"epoch","type":"uint256"},
		{"name":"startTimestamp","type":"uint256"},
		{"name":"lockTimestamp","type":"uint256"},
		{"name":"closeTimestamp","type":"uint256"},
		{"name":"lockPrice","type":"int256"},
		{"name":"closePrice","type":"int256"},
		{"name":"totalAmount","type":"uint256"},
		{"name":"bullAmount","type":"uint256"},
		{"name":"bearAmount","type":"uint256"},
		{"name":"oracleCalled","type":"bool"}
	 ]},
	{"type":"event","name":"RoundStart","inputs":[
		{"name":"epoch","type":"uint256","indexed":true},
		{"name":"startTimestamp","type":"uint256","indexed":false}
	]},
	{"type":"event","name":"RoundLock","inputs":[
		{"name":"epoch","type":"uint256","indexed":true},
		{"name":"lockTimestamp","type":"uint256","indexed":false},
		{"name":"lockPrice","type":"int256","indexed":false}
	]},
	{"type":"event","name":"RoundEnd","inputs":[
		{"name":"epoch","type":"uint256","indexed":true},
		{"name":"closeTimestamp","type":"uint256","indexed":false},
		{"name":"closePrice","type":"int256","indexed":false}
	]},
	{"type":"event","name":"StakeUp","inputs":[
		{"name":"sender","type":"address","indexed":true},
		{"name":"epoch","type":"uint256","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}
	]},
	{"type":"event","name":"StakeDown","inputs":[
		{"name":"sender","type":"address","indexed":true},
		{"name":"epoch","type":"uint256","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}
	]},
	{"type":"event","name":"Claim","inputs":[
		{"name":"sender","type":"address","indexed":true},
		{"name":"epoch","type":"uint256","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}
	]}
]`

func parseContractABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(contractABIJSON))
}

// streamEventNames maps model.EventStream values to their ABI event name.
// Kept as a single table so the reader never branches per-signature beyond
// this mapping.
var streamEventNames = map[string]string{
	"RoundStart": "RoundStart",
	"RoundLock":  "RoundLock",
	"RoundEnd":   "RoundEnd",
	"StakeUp":    "StakeUp",
	"StakeDown":  "StakeDown",
	"Claim":      "Claim",
}
