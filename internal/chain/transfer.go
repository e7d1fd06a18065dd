package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// TransferTopic is keccak256("Transfer(address,address,uint256)").
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Transfer is a decoded ERC-20 Transfer event.
type Transfer struct {
	Contract common.Address
	From     common.Address
	To       common.Address
	Amount   *big.Int
}

// DecodeTransfers returns every well-formed Transfer event in logs, in log
// order. Logs with the right topic but the wrong shape (ERC-721 style indexed
// amount, short data) are skipped.
func DecodeTransfers(logs []*types.Log) []Transfer {
	var out []Transfer
	for _, l := range logs {
		if l == nil || l.Removed || len(l.Topics) != 3 || l.Topics[0] != TransferTopic {
			continue
		}
		if len(l.Data) != 32 {
			continue
		}
		out = append(out, Transfer{
			Contract: l.Address,
			From:     common.BytesToAddress(l.Topics[1].Bytes()),
			To:       common.BytesToAddress(l.Topics[2].Bytes()),
			Amount:   new(big.Int).SetBytes(l.Data),
		})
	}
	return out
}
