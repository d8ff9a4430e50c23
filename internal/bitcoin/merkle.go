package bitcoin

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// CoinbaseMerkleRoot computes the merkle root of a stratum job for a given
// extranonce.
//
// The coinbase transaction is rebuilt as coinb1 || extranonce1 || extranonce2 || coinb2,
// double-SHA256 hashed, and folded with every branch hash in order. All
// hashes are in internal (little-endian) byte order, as they appear in the
// block header.
//
// Parameters:
//   - coinb1: Coinbase prefix from mining.notify
//   - extraNonce1: Extranonce assigned by the pool on subscribe
//   - extraNonce2: Miner-chosen extranonce part
//   - coinb2: Coinbase suffix from mining.notify
//   - branch: Merkle branch from mining.notify
//
// Returns:
//   - chainhash.Hash: The merkle root for the block header
func CoinbaseMerkleRoot(coinb1, extraNonce1, extraNonce2, coinb2 []byte, branch []chainhash.Hash) chainhash.Hash {
	coinbase := make([]byte, 0, len(coinb1)+len(extraNonce1)+len(extraNonce2)+len(coinb2))
	coinbase = append(coinbase, coinb1...)
	coinbase = append(coinbase, extraNonce1...)
	coinbase = append(coinbase, extraNonce2...)
	coinbase = append(coinbase, coinb2...)

	root := chainhash.DoubleHashH(coinbase)

	var concat [chainhash.HashSize * 2]byte
	for _, h := range branch {
		copy(concat[:chainhash.HashSize], root[:])
		copy(concat[chainhash.HashSize:], h[:])
		root = chainhash.DoubleHashH(concat[:])
	}

	return root
}

// ParseBranchHash decodes a merkle branch entry as sent in mining.notify.
// Stratum transmits branch hashes in internal byte order, so no reversal is applied.
func ParseBranchHash(hexStr string) (chainhash.Hash, error) {
	var h chainhash.Hash

	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return h, fmt.Errorf("invalid branch hash: %w", err)
	}
	if err := h.SetBytes(b); err != nil {
		return h, fmt.Errorf("invalid branch hash: %w", err)
	}

	return h, nil
}

// ParseStratumPrevHash decodes the prev-hash field of mining.notify.
// Stratum V1 sends the hash as eight 32-bit words, each byte-swapped relative
// to the block header order; this undoes the swap.
func ParseStratumPrevHash(hexStr string) (chainhash.Hash, error) {
	var h chainhash.Hash

	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return h, fmt.Errorf("invalid prev hash: %w", err)
	}
	if len(b) != chainhash.HashSize {
		return h, fmt.Errorf("invalid prev hash length: expected %d bytes, got %d", chainhash.HashSize, len(b))
	}

	for i := 0; i < chainhash.HashSize; i += 4 {
		binary.LittleEndian.PutUint32(h[i:], binary.BigEndian.Uint32(b[i:]))
	}

	return h, nil
}

// FormatStratumPrevHash is the inverse of ParseStratumPrevHash.
func FormatStratumPrevHash(h chainhash.Hash) string {
	var b [chainhash.HashSize]byte
	for i := 0; i < chainhash.HashSize; i += 4 {
		binary.BigEndian.PutUint32(b[i:], binary.LittleEndian.Uint32(h[i:]))
	}
	return hex.EncodeToString(b[:])
}

// ParseHexUint32 parses the 8-character big-endian hex fields of stratum
// (version, nbits, ntime, nonce).
func ParseHexUint32(hexStr string) (uint32, error) {
	if len(hexStr) != 8 {
		return 0, fmt.Errorf("invalid hex string length: expected 8 characters, got %d", len(hexStr))
	}

	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return 0, fmt.Errorf("failed to decode hex string: %w", err)
	}

	return binary.BigEndian.Uint32(b), nil
}

// FormatHexUint32 renders a value as stratum's 8-character big-endian hex.
func FormatHexUint32(v uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return hex.EncodeToString(b[:])
}
