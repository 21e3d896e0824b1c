// Package digest computes and judges share digests.
//
// A share digest is the SHA-256 of the ASCII string "<round>:<nonce>". The
// digest is read as an unsigned 256-bit big-endian integer and qualifies
// when it is strictly below the round target.
package digest

import (
	"encoding/hex"
	"math"
	"math/big"
	"strconv"
	"sync"
	"unicode"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/minio/sha256-simd"

	"github.com/bardlex/xenohash/pkg/errors"
)

// MaxNonceLength is the longest nonce accepted from a client, in bytes.
const MaxNonceLength = 128

// maxTarget is 2^256, the target at difficulty 0.
var maxTarget = new(big.Int).Lsh(big.NewInt(1), 256)

// Digest is the hash of one share.
type Digest struct {
	Sum   [sha256.Size]byte
	Hex   string
	Value *big.Int
}

// preimagePool reuses "<round>:<nonce>" buffers on the submission hot path
var preimagePool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 20+1+MaxNonceLength)
		return &b
	},
}

// Compute hashes a share for the given round.
func Compute(roundNumber int64, nonce string) Digest {
	bp := preimagePool.Get().(*[]byte)
	buf := strconv.AppendInt((*bp)[:0], roundNumber, 10)
	buf = append(buf, ':')
	buf = append(buf, nonce...)

	sum := sha256.Sum256(buf)
	*bp = buf
	preimagePool.Put(bp)
	return Digest{
		Sum:   sum,
		Hex:   hex.EncodeToString(sum[:]),
		Value: new(big.Int).SetBytes(sum[:]),
	}
}

// Target returns floor(2^(256 - 256*difficulty)), evaluated in float64 so
// that existing clients compute the same value. Any exponent below 0 floors
// to 0, which no digest can beat.
func Target(difficulty float64) *big.Int {
	exp := 256 - 256*difficulty
	switch {
	case math.IsNaN(exp) || exp < 0:
		return new(big.Int)
	case exp >= 256:
		return new(big.Int).Set(maxTarget)
	}

	f := new(big.Float).SetFloat64(math.Floor(math.Pow(2, exp)))
	t, _ := f.Int(nil)
	return t
}

// Qualifies reports whether value beats target.
func Qualifies(value, target *big.Int) bool {
	return value.Cmp(target) < 0
}

// CompactTarget encodes target in the compact "bits" form used for status
// reporting. A 2^256 target does not fit 256 bits and is reported as the
// largest 256-bit value.
func CompactTarget(target *big.Int) uint32 {
	if target.Cmp(maxTarget) >= 0 {
		return blockchain.BigToCompact(new(big.Int).Sub(maxTarget, big.NewInt(1)))
	}
	return blockchain.BigToCompact(target)
}

// Validate rejects share fields no client should ever send.
func Validate(roundNumber int64, nonce string) error {
	if roundNumber <= 0 {
		return errors.Validation("validate_share", "round number must be positive").
			WithContext("round", roundNumber)
	}
	if nonce == "" {
		return errors.Validation("validate_share", "nonce is required")
	}
	if len(nonce) > MaxNonceLength {
		return errors.Validation("validate_share", "nonce too long").
			WithContext("length", len(nonce))
	}
	for _, r := range nonce {
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return errors.Validation("validate_share", "nonce contains invalid characters")
		}
	}
	return nil
}
