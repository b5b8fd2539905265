package block

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zde37/rangedht/pkg"
	"github.com/zde37/rangedht/pkg/hash"
)

func sha1Hex(b []byte) string {
	s := sha1.Sum(b)
	return hex.EncodeToString(s[:])
}

func TestPackUnpackRoundTrip(t *testing.T) {
	key := hash.HashData([]byte("primary"))

	tests := []struct {
		name     string
		payload  []byte
		replicas int
	}{
		{name: "empty payload", payload: []byte{}, replicas: 0},
		{name: "small payload", payload: []byte("hello"), replicas: 2},
		{name: "binary payload", payload: []byte{0, 1, 2, 255, 254}, replicas: 255},
		{name: "large payload", payload: bytes.Repeat([]byte("x"), 1<<16), replicas: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			framed, framedSum, err := Pack(tt.payload, key, tt.replicas)
			require.NoError(t, err)
			assert.Len(t, framed, HeaderSize+len(tt.payload))
			assert.Equal(t, sha1Hex(framed), framedSum)

			payload, sum, err := Unpack(framed)
			require.NoError(t, err)
			assert.Equal(t, tt.payload, payload)
			assert.Equal(t, sha1Hex(tt.payload), sum)

			h, err := ReadHeader(framed)
			require.NoError(t, err)
			assert.Equal(t, 0, h.Key.Cmp(key))
			assert.Equal(t, tt.replicas, h.ReplicaCount)
			assert.Equal(t, sum, h.Checksum)
		})
	}
}

func TestPackIdempotent(t *testing.T) {
	key := big.NewInt(12345)
	once, sum1, err := Pack([]byte("data"), key, 1)
	require.NoError(t, err)

	twice, sum2, err := Pack(once, key, 1)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
	assert.Equal(t, sum1, sum2)
}

func TestPackInvalidInput(t *testing.T) {
	_, _, err := Pack([]byte("x"), big.NewInt(1), 256)
	assert.Error(t, err)

	_, _, err = Pack([]byte("x"), hash.SpaceSize(), 1)
	assert.ErrorIs(t, err, pkg.ErrInvalidKey)
}

func TestUnpackErrors(t *testing.T) {
	framed, _, err := Pack([]byte("payload"), big.NewInt(9), 2)
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func([]byte) []byte
		wantErr error
	}{
		{
			name:    "truncated header",
			mutate:  func(b []byte) []byte { return b[:HeaderSize-1] },
			wantErr: pkg.ErrCorruptBlock,
		},
		{
			name: "bad label",
			mutate: func(b []byte) []byte {
				b[0] = 'X'
				return b
			},
			wantErr: pkg.ErrCorruptBlock,
		},
		{
			name: "payload tampered",
			mutate: func(b []byte) []byte {
				b[len(b)-1] ^= 0xff
				return b
			},
			wantErr: pkg.ErrChecksumMismatch,
		},
		{
			name: "checksum tampered",
			mutate: func(b []byte) []byte {
				off := HeaderSize - 1
				if b[off] == '0' {
					b[off] = '1'
				} else {
					b[off] = '0'
				}
				return b
			},
			wantErr: pkg.ErrChecksumMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.mutate(append([]byte(nil), framed...))
			_, _, err := Unpack(b)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Error(t, Verify(b))
		})
	}

	assert.NoError(t, Verify(framed))
}
