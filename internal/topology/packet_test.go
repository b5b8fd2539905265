package topology

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zde37/rangedht/pkg"
)

func TestCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		code RetCode
	}{
		{nil, RCOK},
		{errors.New("other"), RCError},
		{fmt.Errorf("wrapped: %w", pkg.ErrNoData), RCNoData},
		{pkg.ErrChecksumMismatch, RCInvalidData},
		{pkg.ErrCorruptBlock, RCInvalidData},
		{pkg.ErrOldData, RCOldData},
		{pkg.ErrNodeNotReady, RCNotReady},
		{pkg.ErrNoFreeSpace, RCNoFreeSpace},
		{pkg.ErrUnknownMethod, RCUnknownMethod},
		{&RemoteError{Code: RCDontAppend}, RCDontAppend},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			assert.Equal(t, tt.code, CodeFor(tt.err))
		})
	}
}

func TestResponseErr(t *testing.T) {
	resp, err := OK(map[string]int{"n": 1})
	require.NoError(t, err)
	assert.NoError(t, resp.Err())

	var out map[string]int
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, 1, out["n"])

	failed := Fail(RCNoData, "key %s", "abc")
	failed.From = "127.0.0.1:7002"
	err = failed.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, pkg.ErrNoData)
	assert.Contains(t, err.Error(), "127.0.0.1:7002")
	assert.Equal(t, RCNoData, CodeFor(err))

	assert.Error(t, (*Response)(nil).Err())
}

func TestRequestClone(t *testing.T) {
	req := MustRequest("M", map[string]string{"a": "b"})
	req.Binary = []byte{1, 2}
	cp := req.Clone()
	cp.Params[0] = 'x'
	cp.Binary[0] = 9

	assert.Equal(t, req.MessageID, cp.MessageID)
	assert.Equal(t, byte('{'), req.Params[0])
	assert.Equal(t, byte(1), req.Binary[0])
	assert.Equal(t, "retcode(99)", RetCode(99).String())
}
