package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCollect_ReturnsPlausibleBounds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	usage := Collect(ctx)

	assert.GreaterOrEqual(t, usage.CPUPercent, 0.0)
	assert.GreaterOrEqual(t, usage.MemoryPercent, 0.0)
	assert.LessOrEqual(t, usage.MemoryPercent, 100.0)
	assert.GreaterOrEqual(t, usage.DiskPercent, 0.0)
	assert.LessOrEqual(t, usage.DiskPercent, 100.0)
	assert.GreaterOrEqual(t, usage.LoadAverage1m, 0.0)
}
