package redis

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestKeySchema(t *testing.T) {
	t.Parallel()

	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = rdb.Close() })
	c := Wrap(rdb, "rafflebot:")

	market := common.HexToAddress("0xAbCdEf0000000000000000000000000000000001")
	require.Equal(t, "rafflebot:snapshot:0xabcdef0000000000000000000000000000000001",
		NewSnapshotCache(c, 0).key(market))
	require.Equal(t, "rafflebot:proof:nullifier:0xbeef", NewProofRegistry(c).key("0xBEEF"))
	require.Equal(t, "rafflebot:lock:attempt:a:b:enter", c.Key("lock", "attempt:a:b:enter"))
}

func TestHasPattern(t *testing.T) {
	t.Parallel()

	require.True(t, hasPattern("market:*"))
	require.True(t, hasPattern("attempt:0x?"))
	require.False(t, hasPattern("market:0xabc"))
}

func TestPayloadBytes(t *testing.T) {
	t.Parallel()

	b, ok := payloadBytes("x")
	require.True(t, ok)
	require.Equal(t, []byte("x"), b)

	b, ok = payloadBytes([]byte("y"))
	require.True(t, ok)
	require.Equal(t, []byte("y"), b)

	_, ok = payloadBytes(42)
	require.False(t, ok)
}
