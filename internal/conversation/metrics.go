package conversation

import "time"

// Answer is one response recorded against an interaction.
type Answer struct {
	ID    string `json:"id,omitempty"`
	Value string `json:"value"`
}

// Metric counts invocations of one code point or interaction.
type Metric struct {
	TotalCount   int        `json:"total_count"`
	VersionCount int        `json:"version_count"`
	BuildCount   int        `json:"build_count"`
	LastInvoked  *time.Time `json:"last_invoked,omitempty"`
	Answers      []Answer   `json:"answers,omitempty"`
}

func (m Metric) merge(o Metric) Metric {
	out := Metric{
		TotalCount:   m.TotalCount + o.TotalCount,
		VersionCount: m.VersionCount + o.VersionCount,
		BuildCount:   m.BuildCount + o.BuildCount,
		LastInvoked:  laterOf(m.LastInvoked, o.LastInvoked),
	}
	if n := len(m.Answers) + len(o.Answers); n > 0 {
		out.Answers = make([]Answer, 0, n)
		out.Answers = append(out.Answers, m.Answers...)
		out.Answers = append(out.Answers, o.Answers...)
	}
	return out
}

// Metrics maps a code point or interaction id to its counters.
type Metrics map[string]Metric

// Invoke counts one invocation of key at now.
func (m *Metrics) Invoke(key string, now time.Time) {
	if *m == nil {
		*m = Metrics{}
	}
	cur := (*m)[key]
	cur.TotalCount++
	cur.VersionCount++
	cur.BuildCount++
	t := now
	cur.LastInvoked = &t
	(*m)[key] = cur
}

// Answer records a response for key without counting an invocation.
func (m *Metrics) Answer(key string, a Answer) {
	if *m == nil {
		*m = Metrics{}
	}
	cur := (*m)[key]
	cur.Answers = append(cur.Answers, a)
	(*m)[key] = cur
}

// Get returns the counters for key; zero when never invoked.
func (m Metrics) Get(key string) Metric { return m[key] }

// Merge returns the pointwise sum of both sides.
func (m Metrics) Merge(o Metrics) Metrics {
	if len(m) == 0 && len(o) == 0 {
		return nil
	}
	out := make(Metrics, len(m)+len(o))
	for k, v := range m {
		out[k] = v.merge(Metric{})
	}
	for k, v := range o {
		out[k] = out[k].merge(v)
	}
	return out
}

// ResetVersion zeroes every per-version counter.
func (m Metrics) ResetVersion() {
	for k, v := range m {
		v.VersionCount = 0
		m[k] = v
	}
}

// ResetBuild zeroes every per-build counter.
func (m Metrics) ResetBuild() {
	for k, v := range m {
		v.BuildCount = 0
		m[k] = v
	}
}

// Clone returns a deep copy.
func (m Metrics) Clone() Metrics { return m.Merge(nil) }

// RandomSeeds caches per-key random values used by targeting.
type RandomSeeds map[string]float64

// Seed returns the cached value for key, generating and storing one when absent.
func (s RandomSeeds) Seed(key string, gen func() float64) float64 {
	if v, ok := s[key]; ok {
		return v
	}
	v := gen()
	s[key] = v
	return v
}

// Union adds keys of o missing from s; existing entries win.
func (s RandomSeeds) Union(o RandomSeeds) {
	for k, v := range o {
		if _, ok := s[k]; !ok {
			s[k] = v
		}
	}
}

func laterOf(a, b *time.Time) *time.Time {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		t := *b
		return &t
	case b == nil || !b.After(*a):
		t := *a
		return &t
	default:
		t := *b
		return &t
	}
}
