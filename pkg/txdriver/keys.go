package txdriver

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// IdempotencyKey derives a deterministic key from every input that makes two
// requests economically identical: the chain, the action tag, the addresses
// involved (wallet, vault, assets) and the amounts. Two submissions with the
// same key are the same action and must not both reach the chain.
func IdempotencyKey(chainID *big.Int, action string, addrs []common.Address, amounts []*big.Int) string {
	h := crypto.NewKeccakState()

	writeBig(h, chainID)
	h.Write([]byte(action))
	for _, addr := range addrs {
		h.Write(addr.Bytes())
	}
	for _, amount := range amounts {
		writeBig(h, amount)
	}

	var sum [32]byte
	h.Read(sum[:])
	return hexutil.Encode(sum[:])
}

func writeBig(h crypto.KeccakState, v *big.Int) {
	b := []byte{}
	if v != nil {
		b = v.Bytes()
	}
	// Length-prefix so adjacent values cannot collide across boundaries.
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	h.Write(n[:])
	h.Write(b)
}
