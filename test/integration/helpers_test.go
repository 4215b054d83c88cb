package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/zbworker/internal/client"
	"github.com/ChuLiYu/zbworker/internal/health"
	"github.com/ChuLiYu/zbworker/internal/testutil/fakebroker"
)

const (
	waitFor = 10 * time.Second
	tick    = 10 * time.Millisecond
)

// newClient 建立連到 fake broker 的 client，測試結束時關閉
func newClient(t *testing.T, b *fakebroker.Broker) *client.Client {
	t.Helper()
	c, err := client.New(client.Options{
		Address:         fakebroker.Address,
		Plaintext:       true,
		CallTimeout:     2 * time.Second,
		Retry:           true,
		MaxRetries:      5,
		MaxRetryTimeout: 20 * time.Millisecond,
		Profile:         health.Characteristics{Tolerance: 100 * time.Millisecond},
		DialOptions:     b.DialOptions(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(5 * time.Second) })
	return c
}

func instanceState(b *fakebroker.Broker, key int64) fakebroker.InstanceState {
	inst, ok := b.Instance(key)
	if !ok {
		return ""
	}
	return inst.State
}

func createInstances(t *testing.T, b *fakebroker.Broker, processID string, n int) []int64 {
	t.Helper()
	keys := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		key, err := b.CreateInstance(processID, map[string]interface{}{"index": i})
		require.NoError(t, err)
		keys = append(keys, key)
	}
	return keys
}

func allInState(b *fakebroker.Broker, keys []int64, state fakebroker.InstanceState) bool {
	for _, key := range keys {
		if instanceState(b, key) != state {
			return false
		}
	}
	return true
}
