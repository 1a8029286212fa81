package store

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Key layout (spec.md §6). This package owns the block/ and action/
// families directly, since BlockItemStore and ActionStore are shared
// infrastructure for pkg/engine. The queue/, tx/, appointment/, and
// appointment_by_customer/ families are owned by pkg/responder and
// pkg/appointment respectively, each building its own keys on top of this
// package's KV and PrefixEnd.
//
//	block/<hash>               -> BlockMeta
//	anchor/<component>/<hash>  -> component-encoded anchor state
//	action/<uuid>              -> stored action, uuid.NewV7 so key order == creation order
var (
	prefixBlock  = []byte("block/")
	prefixAnchor = []byte("anchor/")
	prefixAction = []byte("action/")
)

func blockKey(hash common.Hash) []byte {
	return append(append([]byte{}, prefixBlock...), hash.Bytes()...)
}

func anchorKey(component string, hash common.Hash) []byte {
	k := append(append([]byte{}, prefixAnchor...), []byte(component)...)
	k = append(k, '/')
	return append(k, hash.Bytes()...)
}

func actionKey(id uuid.UUID) []byte {
	b, _ := id.MarshalBinary()
	return append(append([]byte{}, prefixAction...), b...)
}

// PrefixEnd returns the smallest key greater than every key with prefix p,
// for use as the exclusive upper bound of a prefix-bounded Iterator scan.
// Exported so pkg/responder and pkg/appointment can scan their own
// key families through the same KV.
func PrefixEnd(p []byte) []byte {
	end := make([]byte, len(p))
	copy(end, p)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // all 0xff: unbounded above
}
