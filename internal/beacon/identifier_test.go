package beacon_test

import (
	"testing"

	"github.com/srg/beaconctl/internal/beacon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIdentifier(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		kind     beacon.IdentifierKind
		expected string
	}{
		{"mac uppercase", "D0:4F:7E:00:00:01", beacon.KindMAC, "D0:4F:7E:00:00:01"},
		{"mac lowercase with dashes", "d0-4f-7e-00-00-01", beacon.KindMAC, "D0:4F:7E:00:00:01"},
		{"proximity triple", "B9407F30-F5F8-466E-AFF9-25556B57FE6D:1000:42", beacon.KindProximity, "b9407f30-f5f8-466e-aff9-25556b57fe6d:1000:42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := beacon.ParseIdentifier(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, id.Kind())
			assert.Equal(t, tt.expected, id.String())

			again, err := beacon.ParseIdentifier(id.String())
			require.NoError(t, err)
			assert.Equal(t, id, again)
		})
	}
}

func TestParseIdentifierRejects(t *testing.T) {
	for _, input := range []string{
		"",
		"   ",
		"D0:4F:7E:00:00",
		"zz:4F:7E:00:00:01",
		"b9407f30-f5f8-466e-aff9-25556b57fe6d:1000",
		"b9407f30-f5f8-466e-aff9-25556b57fe6d:70000:1",
		"b9407f30-f5f8-466e-aff9:1:2",
	} {
		t.Run(input, func(t *testing.T) {
			_, err := beacon.ParseIdentifier(input)
			assert.ErrorIs(t, err, beacon.ErrIdentifierMissing)
		})
	}
}

func TestIdentifierAccessors(t *testing.T) {
	var zero beacon.Identifier
	assert.True(t, zero.IsZero())
	assert.Equal(t, beacon.KindNone, zero.Kind())
	assert.Empty(t, zero.String())

	id, err := beacon.ProximityIdentifier("b9407f30-f5f8-466e-aff9-25556b57fe6d", 7, 9)
	require.NoError(t, err)
	uuid, major, minor, ok := id.Proximity()
	require.True(t, ok)
	assert.Equal(t, "b9407f30-f5f8-466e-aff9-25556b57fe6d", uuid)
	assert.Equal(t, uint16(7), major)
	assert.Equal(t, uint16(9), minor)
	assert.Empty(t, id.MAC())

	mac, err := beacon.MACIdentifier("d0:4f:7e:00:00:01")
	require.NoError(t, err)
	_, _, _, ok = mac.Proximity()
	assert.False(t, ok)
	assert.Equal(t, "d0:4f:7e:00:00:01", mac.MAC())
}
