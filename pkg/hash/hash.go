package hash

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/zde37/rangedht/pkg"
)

const (
	// M is the size of the key space in bits
	M = 160

	// HexLen is the length of a canonical hex key
	HexLen = M / 4
)

var (
	// spaceSize is 2^M
	spaceSize = new(big.Int).Lsh(big.NewInt(1), M)

	zero = big.NewInt(0)
	one  = big.NewInt(1)
)

// HashData returns the SHA-1 of data as a key.
func HashData(data []byte) *big.Int {
	sum := sha1.Sum(data)
	return new(big.Int).SetBytes(sum[:])
}

// GenerateKey mints a fresh primary key from the node id and the current UTC time.
func GenerateKey(nodeID string) *big.Int {
	return GenerateKeyAt(nodeID, time.Now().UTC())
}

// GenerateKeyAt is GenerateKey with an explicit timestamp.
func GenerateKeyAt(nodeID string, ts time.Time) *big.Int {
	return HashData([]byte(nodeID + ts.UTC().Format(time.RFC3339Nano)))
}

// DerivedKeys returns the primary key followed by replicaCount replica keys.
// Each key is the previous one plus floor(2^M/(replicaCount+1)) mod 2^M, so
// any node can recompute the full set from the primary key alone.
//
// Examples:
//   - DerivedKeys(0, 1) = [0, 2^159]
//   - DerivedKeys(k, 0) = [k]
func DerivedKeys(primary *big.Int, replicaCount int) []*big.Int {
	if primary == nil {
		return nil
	}
	if replicaCount < 0 {
		replicaCount = 0
	}

	step := new(big.Int).Div(spaceSize, big.NewInt(int64(replicaCount+1)))
	keys := make([]*big.Int, 0, replicaCount+1)
	cur := mod(primary)
	keys = append(keys, cur)
	for i := 0; i < replicaCount; i++ {
		cur = mod(new(big.Int).Add(cur, step))
		keys = append(keys, cur)
	}
	return keys
}

// KeyToHex renders a key as 40 lowercase hex characters.
func KeyToHex(key *big.Int) string {
	if key == nil {
		return fmt.Sprintf("%0*x", HexLen, 0)
	}
	return fmt.Sprintf("%0*x", HexLen, mod(key))
}

// ParseKey parses a 40 character hex key.
func ParseKey(s string) (*big.Int, error) {
	if len(s) != HexLen {
		return nil, fmt.Errorf("%w: %q has length %d", pkg.ErrInvalidKey, s, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", pkg.ErrInvalidKey, s, err)
	}
	return new(big.Int).SetBytes(raw), nil
}

// MustParseKey is ParseKey for constants and tests.
func MustParseKey(s string) *big.Int {
	k, err := ParseKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

// Contains reports whether key is in [start, end]. Ranges never wrap.
func Contains(key, start, end *big.Int) bool {
	if key == nil || start == nil || end == nil {
		return false
	}
	return key.Cmp(start) >= 0 && key.Cmp(end) <= 0
}

// Distance returns (end - start) mod 2^M.
func Distance(start, end *big.Int) *big.Int {
	if start == nil || end == nil {
		return new(big.Int)
	}
	return mod(new(big.Int).Sub(end, start))
}

// RangeSize returns the number of keys in [start, end].
func RangeSize(start, end *big.Int) *big.Int {
	if start == nil || end == nil || start.Cmp(end) > 0 {
		return new(big.Int)
	}
	size := new(big.Int).Sub(end, start)
	return size.Add(size, one)
}

// Midpoint returns floor((start+end)/2), the last key of the lower half.
func Midpoint(start, end *big.Int) *big.Int {
	sum := new(big.Int).Add(start, end)
	return sum.Rsh(sum, 1)
}

// Next returns key+1. The caller must not pass MaxKey.
func Next(key *big.Int) *big.Int {
	return new(big.Int).Add(key, one)
}

// Prev returns key-1. The caller must not pass zero.
func Prev(key *big.Int) *big.Int {
	return new(big.Int).Sub(key, one)
}

// mod returns x mod 2^M in [0, 2^M).
func mod(x *big.Int) *big.Int {
	return new(big.Int).Mod(x, spaceSize)
}

// SpaceSize returns 2^M.
func SpaceSize() *big.Int {
	return new(big.Int).Set(spaceSize)
}

// MinKey returns 0.
func MinKey() *big.Int {
	return new(big.Int)
}

// MaxKey returns 2^M - 1.
func MaxKey() *big.Int {
	return new(big.Int).Sub(spaceSize, one)
}

// IsValidKey checks if a key is within [0, 2^M).
func IsValidKey(key *big.Int) bool {
	if key == nil {
		return false
	}
	return key.Cmp(zero) >= 0 && key.Cmp(spaceSize) < 0
}
