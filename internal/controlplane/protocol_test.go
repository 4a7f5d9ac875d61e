package controlplane

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"up-all", Request{Command: "up"}},
		{"up-one", Request{Command: "up", Args: []string{"web:api"}}},
		{"status-all", Request{Command: "status", Flags: map[string]string{"all": "true"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteFrame(&buf, tt.req))

			var got Request
			require.NoError(t, ReadFrame(&buf, &got))
			require.Equal(t, tt.req.Command, got.Command)
			require.Equal(t, tt.req.Args, got.Args)
		})
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	var req Request
	require.Error(t, ReadFrame(&buf, &req))
}

func TestReadFrameEOFOnEmpty(t *testing.T) {
	var buf bytes.Buffer
	var req Request
	require.Error(t, ReadFrame(&buf, &req))
}
