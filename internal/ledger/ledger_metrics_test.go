package ledger

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.Counter.GetValue()
}

func TestObserveOp_IncrementsCounter(t *testing.T) {
	LedgerOpsTotal.Reset()

	done := observeOp("test_op")
	done()

	counter, err := LedgerOpsTotal.GetMetricWithLabelValues("test_op")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	if v := counterValue(t, counter); v != 1.0 {
		t.Errorf("expected counter value 1, got %f", v)
	}
}

func TestObserveOp_ObservesHistogram(t *testing.T) {
	LedgerOpDuration.Reset()

	done := observeOp("hist_test")
	done()

	ch := make(chan prometheus.Metric, 10)
	LedgerOpDuration.Collect(ch)
	close(ch)

	found := false
	for metric := range ch {
		m := &dto.Metric{}
		_ = metric.Write(m)
		if m.Histogram != nil && m.Histogram.GetSampleCount() == 1 {
			found = true
		}
	}
	if !found {
		t.Error("expected histogram with 1 sample")
	}
}

func TestDeduct_CountsOverdraft(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	seed(t, l, "acct_od", Balances{Pack: 1})

	before := counterValue(t, ledgerOverdrafts)
	if _, err := l.Deduct(ctx, "acct_od", 3, DeductOptions{}); err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if got := counterValue(t, ledgerOverdrafts) - before; got != 1 {
		t.Errorf("expected 1 overdraft, got %v", got)
	}
}

func TestCredit_CountsByBucket(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	seed(t, l, "acct_cb", Balances{})

	c := ledgerCredited.WithLabelValues("pack")
	before := counterValue(t, c)
	if _, err := l.Credit(ctx, "acct_cb", BucketPack, 40, "stripe:cs_1"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if got := counterValue(t, c) - before; got != 40 {
		t.Errorf("expected 40 credited, got %v", got)
	}
}
