package telemetry

// ReportKind tags the three event families the collector aggregates.
type ReportKind int

const (
	KindMix ReportKind = iota
	KindCounter
	KindDirect
)

// Report is one metric event submitted by a producer.
type Report struct {
	Kind ReportKind

	// Mix fields
	Service        string
	Topic          string
	RetCode        int
	DurationMicros int64

	// Counter / direct fields
	Name  string
	Value float64
}

type mixKey struct {
	service string
	topic   string
	retCode int
}

type mixEntry struct {
	count       int64
	totalMicros int64
}

// Statistic is the mutable aggregation the consumer drains into. One mutex
// in the Client covers both these maps and the rotation swap.
type Statistic struct {
	mix     map[mixKey]*mixEntry
	counter map[string]float64
	direct  map[string]float64
}

func newStatistic() *Statistic {
	return &Statistic{
		mix:     make(map[mixKey]*mixEntry),
		counter: make(map[string]float64),
		direct:  make(map[string]float64),
	}
}

func (s *Statistic) apply(r Report) {
	switch r.Kind {
	case KindMix:
		k := mixKey{service: r.Service, topic: r.Topic, retCode: r.RetCode}
		e := s.mix[k]
		if e == nil {
			e = &mixEntry{}
			s.mix[k] = e
		}
		e.count++
		e.totalMicros += r.DurationMicros
	case KindCounter:
		s.counter[r.Name] += r.Value
	case KindDirect:
		s.direct[r.Name] = r.Value
	}
}

func (s *Statistic) empty() bool {
	return len(s.mix) == 0 && len(s.counter) == 0 && len(s.direct) == 0
}
