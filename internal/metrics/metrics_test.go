package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestIngestTotalIncrementsByLabel(t *testing.T) {
	IngestTotal.Reset()
	IngestTotal.WithLabelValues("success").Inc()
	IngestTotal.WithLabelValues("error").Inc()
	IngestTotal.WithLabelValues("error").Inc()

	if got := testutil.ToFloat64(IngestTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("success count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(IngestTotal.WithLabelValues("error")); got != 2 {
		t.Errorf("error count = %v, want 2", got)
	}
}

func TestQueryDurationObserves(t *testing.T) {
	before := testutil.CollectAndCount(QueryDuration)
	QueryDuration.Observe(0.5)
	after := testutil.CollectAndCount(QueryDuration)
	if after != before {
		t.Errorf("CollectAndCount changed from %d to %d; histogram metric family count should stay 1", before, after)
	}
}

func TestCacheHitsAndMissesAreIndependent(t *testing.T) {
	hitsBefore := testutil.ToFloat64(CacheHits)
	missesBefore := testutil.ToFloat64(CacheMisses)

	CacheHits.Inc()
	CacheMisses.Inc()
	CacheMisses.Inc()

	if got := testutil.ToFloat64(CacheHits); got != hitsBefore+1 {
		t.Errorf("CacheHits = %v, want %v", got, hitsBefore+1)
	}
	if got := testutil.ToFloat64(CacheMisses); got != missesBefore+2 {
		t.Errorf("CacheMisses = %v, want %v", got, missesBefore+2)
	}
}

func TestRetrievalDegradedCounter(t *testing.T) {
	before := testutil.ToFloat64(RetrievalDegraded)
	RetrievalDegraded.Inc()
	if got := testutil.ToFloat64(RetrievalDegraded); got != before+1 {
		t.Errorf("RetrievalDegraded = %v, want %v", got, before+1)
	}
}
