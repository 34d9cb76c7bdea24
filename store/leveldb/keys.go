package leveldb

import (
	"encoding/binary"

	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/warp/vesting-engine/vesting"
)

// Key layout. Every record type lives under its own one byte prefix.
// Addresses inside composite keys carry a uvarint length, so the prefix of
// one address can never match the keys of another.
//
//	T <id:8>                       transfer JSON
//	R <len> <recipient> <id:8>     recipient index, empty value
//	S <len> <sender> <id:8>        sender index, empty value
//	A <len> <address> <token>      account JSON
//	M                              meta JSON
//	C <call id>                    call timestamp, 8 bytes
type prefix byte

const (
	prefixTransfer  prefix = 'T'
	prefixRecipient prefix = 'R'
	prefixSender    prefix = 'S'
	prefixAccount   prefix = 'A'
	prefixMeta      prefix = 'M'
	prefixCall      prefix = 'C'
)

func (p prefix) key(parts ...[]byte) []byte {
	n := 1
	for _, part := range parts {
		n += len(part)
	}
	k := make([]byte, 1, n)
	k[0] = byte(p)
	for _, part := range parts {
		k = append(k, part...)
	}
	return k
}

// Range covers every key under p.
func (p prefix) Range() *util.Range {
	return util.BytesPrefix([]byte{byte(p)})
}

func idBytes(id vesting.TransferID) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func transferKey(id vesting.TransferID) []byte {
	return prefixTransfer.key(idBytes(id))
}

// addrBytes is the length-prefixed form of addr.
func addrBytes(addr vesting.Address) []byte {
	b := binary.AppendUvarint(make([]byte, 0, binary.MaxVarintLen64+len(addr)), uint64(len(addr)))
	return append(b, addr...)
}

func indexPrefix(p prefix, addr vesting.Address) []byte {
	return p.key(addrBytes(addr))
}

func indexKey(p prefix, addr vesting.Address, id vesting.TransferID) []byte {
	return p.key(addrBytes(addr), idBytes(id))
}

// idFromIndexKey returns the trailing transfer id of an index key.
func idFromIndexKey(k []byte) vesting.TransferID {
	return vesting.TransferID(binary.BigEndian.Uint64(k[len(k)-8:]))
}

func idFromTransferKey(k []byte) vesting.TransferID {
	return vesting.TransferID(binary.BigEndian.Uint64(k[1:]))
}

func accountPrefix(addr vesting.Address) []byte {
	return prefixAccount.key(addrBytes(addr))
}

func accountKey(addr vesting.Address, token vesting.TokenID) []byte {
	return prefixAccount.key(addrBytes(addr), []byte(token))
}

func metaKey() []byte {
	return prefixMeta.key()
}

func callKey(id string) []byte {
	return prefixCall.key([]byte(id))
}
