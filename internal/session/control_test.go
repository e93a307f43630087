package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestControlSignal(t *testing.T) {
	c := NewControlSignal()
	assert.False(t, c.IsPaused())
	assert.False(t, c.IsStopped())

	c.Pause()
	assert.True(t, c.IsPaused())
	select {
	case <-c.Wake():
	default:
		t.Fatal("pause did not wake")
	}

	c.Resume()
	assert.False(t, c.IsPaused())

	c.Pause()
	c.Stop()
	assert.True(t, c.IsStopped())
	assert.False(t, c.IsPaused(), "stop clears pause")

	select {
	case <-c.StopCh():
	default:
		t.Fatal("stop channel not closed")
	}

	c.Stop()
	c.Pause()
	assert.False(t, c.IsPaused(), "pause is ignored after stop")
}

func TestControlSignal_WakeCoalesces(t *testing.T) {
	c := NewControlSignal()
	c.Pause()
	c.Resume()
	c.Pause()

	<-c.Wake()
	select {
	case <-c.Wake():
		t.Fatal("expected a single pending wake")
	default:
	}
}
