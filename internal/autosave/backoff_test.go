package autosave

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	t.Parallel()

	p := NewBackoff(time.Second, 10*time.Second)
	p.randFloat = func() float64 { return 0.5 }

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{10, 10 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	t.Parallel()

	p := NewBackoff(time.Second, time.Minute)

	p.randFloat = func() float64 { return 0 }
	assert.Equal(t, 3*time.Second, p.Delay(2))

	p.randFloat = func() float64 { return 0.999999 }
	assert.InDelta(t, float64(5*time.Second), float64(p.Delay(2)), float64(time.Millisecond))

	p = NewBackoff(time.Second, time.Minute)
	for range 100 {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 1500*time.Millisecond)
		assert.LessOrEqual(t, d, 2500*time.Millisecond)
	}
}
