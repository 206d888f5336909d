package metrics

// Gauge is a point-in-time measurement. How successive samples combine is
// decided by the gauge's policy: last value, mean or maximum.
type Gauge interface {
	Metrics
	Update(value Value)
	UpdateWithDim(value Value, dimensions Dimension)
}

type gauge struct {
	name   string
	group  string
	policy Policy
}

func (g *gauge) Name() string   { return g.name }
func (g *gauge) Group() string  { return g.group }
func (g *gauge) Policy() Policy { return g.policy }

func (g *gauge) Update(v Value) {
	g.UpdateWithDim(v, nil)
}

func (g *gauge) UpdateWithDim(v Value, dimensions Dimension) {
	report(Record{
		metrics:    g,
		value:      v,
		cnt:        1,
		dimensions: dimensions,
	})
}
