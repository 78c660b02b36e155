package syncgroup

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncGroup_RunAndWait(t *testing.T) {
	sg := NewSyncGroup()
	var n atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		sg.Add(func() {
			<-release
			n.Add(1)
		})
	}
	sg.Add(nil)
	sg.Run()
	require.Eventually(t, func() bool { return sg.Running() == 3 }, time.Second, time.Millisecond)

	close(release)
	sg.WaitAndClear()
	assert.Equal(t, int32(3), n.Load())
	assert.Equal(t, 0, sg.Running())
}

func TestSyncGroup_ReusableAfterWaitAndClear(t *testing.T) {
	sg := NewSyncGroup()
	var n atomic.Int32
	sg.Add(func() { n.Add(1) })
	sg.Run()
	sg.WaitAndClear()

	sg.Add(func() { n.Add(10) })
	sg.Run()
	sg.Wait()
	assert.Equal(t, int32(11), n.Load())
}

func TestSyncGroup_AddWhileRunning(t *testing.T) {
	sg := NewSyncGroup()
	block := make(chan struct{})
	var n atomic.Int32
	sg.Add(func() { <-block })
	sg.Run()

	sg.Add(func() { n.Add(1) })
	sg.Run()
	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, time.Millisecond)

	close(block)
	sg.WaitAndClear()
}

func TestSyncGroup_WaitAndClearDropsPending(t *testing.T) {
	sg := NewSyncGroup()
	var n atomic.Int32
	sg.Add(func() { n.Add(1) })
	sg.WaitAndClear()
	sg.Run()
	sg.Wait()
	assert.Equal(t, int32(0), n.Load())
}
