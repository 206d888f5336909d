package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linchenxuan/conduit/metrics"
)

type captureReporter struct {
	records []metrics.Record
}

func (c *captureReporter) Report(r metrics.Record) { c.records = append(c.records, r) }

func TestPoolReportsCreation(t *testing.T) {
	rep := &captureReporter{}
	metrics.SetMetricsReporters([]metrics.Reporter{rep})
	t.Cleanup(func() { metrics.SetMetricsReporters(nil) })

	p := NewPool("ints", func() *int { v := 7; return &v })
	v := p.Get()
	assert.Equal(t, 7, *v)
	assert.Equal(t, "ints", p.Name())

	require.NotEmpty(t, rep.records)
	assert.Equal(t, metrics.NamePoolCreateTotal, rep.records[0].Metrics().Name())
	assert.Equal(t, "ints", rep.records[0].Dimensions()[metrics.DimPoolName])
}

func TestChunkPool(t *testing.T) {
	cp := NewChunkPool("chunks", 64)
	ch := cp.Get()
	assert.Len(t, ch.B, 64)

	ch.B = ch.B[:10]
	cp.Put(ch)
	assert.Len(t, cp.Get().B, 64)

	assert.NotPanics(t, func() {
		cp.Put(&Chunk{B: make([]byte, 8)})
		cp.Put(nil)
	})
}
