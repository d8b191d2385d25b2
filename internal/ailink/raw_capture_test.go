package ailink

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sqlshift/sqlshift/internal/core"
)

func TestTruncateBytes(t *testing.T) {
	input := []byte(`{"a":"0123456789"}`)
	out := truncateBytes(input, 8)
	require.Len(t, out, 8)
	require.Equal(t, string(input[:8]), string(out))

	require.Equal(t, input, truncateBytes(input, 1024))
	require.Nil(t, truncateBytes(input, 0))
}

func TestWithRawCapture(t *testing.T) {
	base := core.ErrConversion
	raw := []byte("0123456789")

	require.Same(t, base, withRawCapture(DebugConfig{}, base, raw))

	err := withRawCapture(DebugConfig{CaptureRawEnabled: true, CaptureRawMaxBytes: 4}, base, raw)
	var rerr *RawResponseError
	require.True(t, errors.As(err, &rerr))
	require.Equal(t, []byte("0123"), rerr.Raw)
	require.ErrorIs(t, err, core.ErrConversion)
}
