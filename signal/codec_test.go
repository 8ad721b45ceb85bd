package signal

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorRoundTrip(t *testing.T) {
	descriptors := []Descriptor{
		{Type: RoleOffer, SDP: "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\n", PeerID: "peer-a", PeerName: "Alice's laptop"},
		{Type: RoleAnswer, SDP: "v=0\r\n", PeerID: "peer-b", PeerName: ""},
		{Type: RoleOffer, SDP: "x", PeerID: "p", PeerName: "日本語の名前"},
	}

	for _, d := range descriptors {
		encoded, err := Encode(d)
		require.NoError(t, err)

		decoded, err := Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, d, decoded)
	}
}

func TestDecodeMalformed(t *testing.T) {
	valid := Descriptor{Type: RoleOffer, SDP: "v=0", PeerID: "peer-a", PeerName: "a"}

	tests := []struct {
		name    string
		encoded string
	}{
		{"bad base64", "not-base64!!!"},
		{"invalid json", base64.StdEncoding.EncodeToString([]byte("{nope"))},
		{"empty payload", base64.StdEncoding.EncodeToString([]byte("{}"))},
		{"missing sdp", mustEncode(t, Descriptor{Type: RoleOffer, PeerID: "p"})},
		{"missing peer id", mustEncode(t, Descriptor{Type: RoleOffer, SDP: "v=0"})},
		{"unknown type", mustEncode(t, Descriptor{Type: "hello", SDP: "v=0", PeerID: "p"})},
	}

	// Sanity check that the valid descriptor decodes.
	encoded, err := Encode(valid)
	require.NoError(t, err)
	_, err = Decode(encoded)
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.encoded)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedDescriptor)
		})
	}
}

func mustEncode(t *testing.T, d Descriptor) string {
	t.Helper()
	encoded, err := Encode(d)
	require.NoError(t, err)
	return encoded
}
