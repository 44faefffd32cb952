package rate

import (
	"testing"
	"time"
)

func TestEstimator(t *testing.T) {
	e := &Estimator{}
	e.Init(10 * time.Second)
	e.Start()

	t1 := e.when.Add(2 * time.Second)
	t2 := e.when.Add(5 * time.Second)

	e.decay(t1)
	e.count += 10

	ok := func(v float64) bool {
		return v > 0.5 && v <= 1.0
	}

	r1 := e.count / e.tau
	if !ok(r1) {
		t.Errorf("Got %v", r1)
	}

	e.decay(t2)
	r2 := e.count / e.tau
	if !ok(r2) {
		t.Errorf("Got %v", r2)
	}
	if r1 <= r2 {
		t.Errorf("Got %v then %v", r1, r2)
	}
}

func TestStopped(t *testing.T) {
	e := &Estimator{}
	e.Init(10 * time.Second)
	e.Accumulate(1000)
	if v := e.Estimate(); v != 0 {
		t.Errorf("Got %v on stopped estimator", v)
	}
}

func TestAllow(t *testing.T) {
	e := &Estimator{}
	e.Init(10 * time.Second)
	e.Start()
	if !e.Allow(100, 100.0) {
		t.Errorf("Allow refused on fresh estimator")
	}
	e.Accumulate(10000)
	if e.Allow(10000, 100.0) {
		t.Errorf("Allow accepted over target")
	}
}

func BenchmarkAccumulate(b *testing.B) {
	e := &Estimator{}
	e.Init(10 * time.Second)
	e.Start()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Accumulate(42)
	}
}

func BenchmarkAccumulateAtomic(b *testing.B) {
	e := &AtomicEstimator{}
	e.Init(10 * time.Second)
	e.Start()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			e.Accumulate(42)
		}
	})
}

func BenchmarkAllowAccumulate(b *testing.B) {
	e := &Estimator{}
	e.Init(10 * time.Second)
	e.Start()
	e.Accumulate(10000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if e.Allow(100, 10000.0) {
			e.Accumulate(100)
		} else {
			e.Accumulate(50)
		}
	}
}
