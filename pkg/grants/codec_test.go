package grants

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	description, err := EncodeDescription(now, "alice", "key123", "203.0.113.5", 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "alice, key123, 1709294400000, 1709301600000, 203.0.113.5", description)

	decoded, err := DecodeDescription(description)
	require.NoError(t, err)
	assert.Equal(t, "alice", decoded.Requester)
	assert.Equal(t, "key123", decoded.GrantKey)
	assert.Equal(t, "203.0.113.5", decoded.IP)
	assert.Equal(t, now, decoded.CreatedAt.UTC())
	assert.Equal(t, now.Add(2*time.Hour), decoded.ExpiresAt.UTC())
}

func TestExpiredDerivedOnRead(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	description, err := EncodeDescription(now, "bob", "key456", "2001:db8::1", time.Hour)
	require.NoError(t, err)

	decoded, err := DecodeDescription(description)
	require.NoError(t, err)

	assert.False(t, decoded.Expired(now.Add(30*time.Minute)))
	assert.True(t, decoded.Expired(now.Add(61*time.Minute)))
}

func TestEncodeRejectsDelimiterInFields(t *testing.T) {
	now := time.Now()
	_, err := EncodeDescription(now, "alice, bob", "key", "203.0.113.5", time.Hour)
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestDecodeMalformedDescriptions(t *testing.T) {
	for _, description := range []string{
		"",
		"not an encoded description",
		"alice, key123, 1709294400000",
		"alice, key123, notanumber, 1709301600000, 203.0.113.5",
		"alice, key123, 1709294400000, notanumber, 203.0.113.5",
	} {
		_, err := DecodeDescription(description)
		assert.ErrorIs(t, err, ErrMalformedDescription, "description %q", description)
	}
}

func TestParseIP(t *testing.T) {
	family, err := ParseIP("203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, FamilyIPv4, family)

	family, err = ParseIP("2001:db8::1")
	require.NoError(t, err)
	assert.Equal(t, FamilyIPv6, family)

	_, err = ParseIP("999.1.1.1")
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestHostCIDR(t *testing.T) {
	assert.Equal(t, "203.0.113.5/32", HostCIDR("203.0.113.5", FamilyIPv4))
	assert.Equal(t, "2001:db8::1/128", HostCIDR("2001:db8::1", FamilyIPv6))
}
