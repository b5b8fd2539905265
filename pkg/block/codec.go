// Package block frames stored data blocks with a fixed header carrying the
// primary key, the replica count and a SHA-1 of the payload.
package block

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/zde37/rangedht/pkg"
	"github.com/zde37/rangedht/pkg/hash"
)

// Label opens every framed block.
const Label = "RDHTBLK1"

const (
	labelLen    = len(Label)
	keyLen      = hash.HexLen
	checksumLen = sha1.Size * 2

	// HeaderSize is label + hex key + replica count byte + hex checksum.
	HeaderSize = labelLen + keyLen + 1 + checksumLen

	// MaxReplicaCount fits the one byte replica count field.
	MaxReplicaCount = 255
)

// Header is the parsed fixed-size block header.
type Header struct {
	Key          *big.Int
	ReplicaCount int
	Checksum     string
}

// Checksum returns the hex SHA-1 of data.
func Checksum(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Pack frames payload for primaryKey and returns the framed bytes together
// with the checksum of the framed bytes. Packing an already framed block
// returns it unchanged.
func Pack(payload []byte, primaryKey *big.Int, replicaCount int) ([]byte, string, error) {
	if IsPacked(payload) {
		return payload, Checksum(payload), nil
	}
	if replicaCount < 0 || replicaCount > MaxReplicaCount {
		return nil, "", fmt.Errorf("replica count %d out of range", replicaCount)
	}
	if !hash.IsValidKey(primaryKey) {
		return nil, "", pkg.ErrInvalidKey
	}

	framed := make([]byte, 0, HeaderSize+len(payload))
	framed = append(framed, Label...)
	framed = append(framed, hash.KeyToHex(primaryKey)...)
	framed = append(framed, byte(replicaCount))
	framed = append(framed, Checksum(payload)...)
	framed = append(framed, payload...)

	return framed, Checksum(framed), nil
}

// ReadHeader parses the header without verifying the payload.
func ReadHeader(framed []byte) (Header, error) {
	if len(framed) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes is shorter than the header", pkg.ErrCorruptBlock, len(framed))
	}
	if !bytes.Equal(framed[:labelLen], []byte(Label)) {
		return Header{}, fmt.Errorf("%w: bad label", pkg.ErrCorruptBlock)
	}

	off := labelLen
	key, err := hash.ParseKey(string(framed[off : off+keyLen]))
	if err != nil {
		return Header{}, fmt.Errorf("%w: %v", pkg.ErrCorruptBlock, err)
	}
	off += keyLen

	replicaCount := int(framed[off])
	off++

	checksum := string(framed[off : off+checksumLen])
	if _, err := hex.DecodeString(checksum); err != nil {
		return Header{}, fmt.Errorf("%w: bad checksum field", pkg.ErrCorruptBlock)
	}

	return Header{Key: key, ReplicaCount: replicaCount, Checksum: checksum}, nil
}

// Unpack verifies a framed block and returns its payload and the SHA-1 of the payload.
func Unpack(framed []byte) ([]byte, string, error) {
	h, err := ReadHeader(framed)
	if err != nil {
		return nil, "", err
	}

	payload := framed[HeaderSize:]
	sum := Checksum(payload)
	if sum != h.Checksum {
		return nil, "", fmt.Errorf("%w: header %s, payload %s", pkg.ErrChecksumMismatch, h.Checksum, sum)
	}
	return payload, sum, nil
}

// Verify reports whether a framed block is intact.
func Verify(framed []byte) error {
	_, _, err := Unpack(framed)
	return err
}

// IsPacked reports whether data starts with a parseable block header.
func IsPacked(data []byte) bool {
	_, err := ReadHeader(data)
	return err == nil
}
