package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestActorCacheKeyRoundTrip(t *testing.T) {
	registered := NewRegistered(123)
	require.Equal(t, "u:123", registered.CacheKey())

	parsed, err := ParseCacheKey(registered.CacheKey())
	require.NoError(t, err)
	require.Equal(t, registered, parsed)

	anon := NewAnonymous(HashAddress("203.0.113.9"))
	parsed, err = ParseCacheKey(anon.CacheKey())
	require.NoError(t, err)
	require.Equal(t, anon, parsed)
	require.Equal(t, Anonymous, parsed.Kind())
}

func TestParseCacheKeyRejectsMalformedKeys(t *testing.T) {
	for _, key := range []string{"", "u:", "u:notanumber", "a:", "x:5", "123"} {
		_, err := ParseCacheKey(key)
		require.Error(t, err, "key %q", key)
	}
}

func TestHashAddressIsStable(t *testing.T) {
	require.Equal(t, HashAddress("10.0.0.1"), HashAddress("10.0.0.1"))
	require.NotEqual(t, HashAddress("10.0.0.1"), HashAddress("10.0.0.2"))
	require.Len(t, HashAddress("10.0.0.1"), 64)
}
