package codec

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalifun/fleetlink/errors"
	"github.com/kalifun/fleetlink/pkg/types"
)

func TestEncodeIsNewlineTerminated(t *testing.T) {
	p, err := types.NewLocation("AGV_01", "ACS_SERVER", "QR2", "CELL_A", 2)
	require.NoError(t, err)

	raw, err := Encode(p)
	require.NoError(t, err)
	assert.True(t, bytes.HasSuffix(raw, []byte("\n")))
	assert.Equal(t, 1, bytes.Count(raw, []byte("\n")))

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, p.Header, decoded.Header)

	var body types.LocationBody
	require.NoError(t, decoded.DecodeBody(&body))
	assert.Equal(t, "QR2", body.Coordinates.LastQRScanned)
	assert.Equal(t, 2, body.Navigation.CurrentSegmentIndex)
	assert.Equal(t, "CELL_A", body.Navigation.FinalDest)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{name: "empty", line: "   \n"},
		{name: "not json", line: "hello robot"},
		{name: "truncated", line: `{"header":{"type":"STATUS"`},
		{name: "missing type", line: `{"header":{"sender_id":"AGV_01","receiver_id":"ACS_SERVER"}}`},
		{name: "missing sender", line: `{"header":{"type":"STATUS","receiver_id":"ACS_SERVER"}}`},
		{name: "missing receiver", line: `{"header":{"type":"STATUS","sender_id":"AGV_01"}}`},
		{name: "wrong header shape", line: `{"header":"STATUS"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Decode([]byte(tt.line))
			assert.Nil(t, p)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.DecodeFailed))
		})
	}
}

func TestDecodePreservesUnknownBodyFields(t *testing.T) {
	line := `{"header":{"type":"STATUS","sender_id":"AMR_01","receiver_id":"DCC_SERVER"},"body":{"device_type":"AMR","mode":"ACTIVE","battery":87}}`

	p, err := Decode([]byte(line))
	require.NoError(t, err)

	raw, err := Encode(p)
	require.NoError(t, err)

	var out struct {
		Body map[string]interface{} `json:"body"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, float64(87), out.Body["battery"])
}

func TestDecodeWithoutOptionalHeaderFields(t *testing.T) {
	p, err := Decode([]byte(`{"header":{"type":"LOG","sender_id":"CELL_01","receiver_id":"ACS_SERVER"}}`))
	require.NoError(t, err)
	assert.Empty(t, p.Header.PacketID)
	assert.Empty(t, p.Header.Timestamp)
	assert.Empty(t, p.Body)
}

func TestFrame(t *testing.T) {
	p, err := types.NewLog("CELL_01", types.Wildcard, "door open")
	require.NoError(t, err)

	frame, err := Frame(p)
	require.NoError(t, err)
	assert.Equal(t, types.PacketTypeLog, frame.Type)
	assert.Equal(t, "CELL_01", frame.SenderID)
	assert.Equal(t, types.Wildcard, frame.ReceiverID)
	assert.False(t, bytes.HasSuffix(frame.Raw, []byte("\n")))
}

func TestReaderSplitsRecords(t *testing.T) {
	input := strings.Join([]string{
		`{"header":{"type":"STATUS","sender_id":"AGV_01","receiver_id":"ACS_SERVER"}}`,
		`garbage`,
		`{"header":{"type":"ACK","sender_id":"AGV_01","receiver_id":"ACS_SERVER"}}`,
	}, "\n")

	reader := NewReader(strings.NewReader(input))
	var decoded, failed int
	for {
		line, err := reader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if _, err := Decode(line); err != nil {
			failed++
			continue
		}
		decoded++
	}
	// the last record has no terminator
	assert.Equal(t, 2, decoded)
	assert.Equal(t, 1, failed)
}

func TestReaderSkipsOversizedRecord(t *testing.T) {
	valid := `{"header":{"type":"LOG","sender_id":"AGV_01","receiver_id":"ACS_SERVER"}}`
	tests := []struct {
		name string
		size int
		ok   bool
	}{
		{name: "at limit", size: MaxLineSize, ok: true},
		{name: "over limit", size: MaxLineSize + 10, ok: false},
		{name: "far over limit", size: 3 * MaxLineSize, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			long := strings.Repeat("x", tt.size)
			reader := NewReader(strings.NewReader(long + "\n" + valid + "\n"))

			line, err := reader.Next()
			if tt.ok {
				require.NoError(t, err)
				assert.Len(t, line, tt.size)
			} else {
				assert.True(t, errors.Is(err, errors.DecodeFailed), "got %v", err)
			}

			line, err = reader.Next()
			require.NoError(t, err)
			pkt, err := Decode(line)
			require.NoError(t, err)
			assert.Equal(t, types.PacketTypeLog, pkt.Header.Type)

			_, err = reader.Next()
			assert.Equal(t, io.EOF, err)
		})
	}
}
