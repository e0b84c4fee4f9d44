package client

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationIDs_Format(t *testing.T) {
	ids := newCorrelationIDs()

	assert.Equal(t, "meshctrl_list_device_groups_1", ids.Next("list_device_groups"))
	assert.Equal(t, "meshctrl_initialize_tunnel_2", ids.Next("initialize_tunnel"))
	assert.Equal(t, 2, ids.Len())

	ids.Release("meshctrl_list_device_groups_1")
	ids.Release("unknown")
	assert.Equal(t, []string{"meshctrl_initialize_tunnel_2"}, ids.InFlight())
}

func TestCorrelationIDs_Wraparound(t *testing.T) {
	ids := newCorrelationIDs()
	ids.set(correlationModulus - 2)

	assert.Equal(t, fmt.Sprintf("meshctrl_ls_%d", uint64(correlationModulus-1)), ids.Next("ls"))
	assert.Equal(t, "meshctrl_ls_0", ids.Next("ls"), "counter wraps modulo 2^32-1")
	assert.Equal(t, "meshctrl_ls_1", ids.Next("ls"))
}

func TestCorrelationIDs_SkipsInFlightAfterWrap(t *testing.T) {
	ids := newCorrelationIDs()

	// Pre-seed the ids the counter will produce right after wrapping.
	for i := 0; i < 5; i++ {
		ids.inflight[fmt.Sprintf("meshctrl_cmd_%d", i)] = struct{}{}
	}
	ids.set(correlationModulus - 1)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		before := ids.InFlight()
		id := ids.Next("cmd")
		assert.NotContains(t, before, id, "generated id was already in flight")
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.True(t, seen["meshctrl_cmd_5"], "first free id after the seeded block is used")

	// Other names are unaffected by the seeded block.
	assert.Equal(t, "meshctrl_other_25", ids.Next("other"))
}

func TestCorrelationIDs_Concurrent(t *testing.T) {
	ids := newCorrelationIDs()
	const workers, per = 50, 200

	var mu sync.Mutex
	all := make(map[string]struct{})
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for j := 0; j < per; j++ {
				id := ids.Next("cmd")
				mu.Lock()
				all[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, all, workers*per)
	assert.Equal(t, workers*per, ids.Len())
}
