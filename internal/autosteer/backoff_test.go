package autosteer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_DoublesUpToCap(t *testing.T) {
	b := NewBackoff(250*time.Millisecond, time.Second)

	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, b.Next())
	}

	assert.Equal(t, []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		time.Second,
		time.Second,
	}, got)
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 80*time.Millisecond)
	b.Next()
	b.Next()
	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.Next())
}

func TestBackoff_MaxBelowInitial(t *testing.T) {
	b := NewBackoff(time.Second, time.Millisecond)
	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, time.Second, b.Next())
}
