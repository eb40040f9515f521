package metrics_test

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voxgate/internal/metrics"
	"github.com/MrWong99/voxgate/internal/observe"
)

func TestRecord_Counters(t *testing.T) {
	t.Parallel()
	a := metrics.New()

	a.Record(metrics.Attempt{Provider: "openai", FileType: "wav", Outcome: metrics.OutcomeTimeout, Class: "timeout", Latency: 100 * time.Millisecond})
	a.Record(metrics.Attempt{Provider: "openai", FileType: "wav", Outcome: metrics.OutcomeSuccess, Latency: 300 * time.Millisecond})
	a.Record(metrics.Attempt{Provider: "deepgram", FileType: "mp3", Outcome: metrics.OutcomeError, Class: "provider_failure", Latency: 50 * time.Millisecond})
	a.Record(metrics.Attempt{Provider: "deepgram", Outcome: metrics.OutcomeError, Class: "provider_failure"})

	s := a.Snapshot()
	if s.Attempts["openai"] != 2 || s.Attempts["deepgram"] != 2 {
		t.Errorf("attempts = %v", s.Attempts)
	}
	if s.Successes["openai"] != 1 || s.Successes["deepgram"] != 0 {
		t.Errorf("successes = %v", s.Successes)
	}
	if s.FileTypes["wav"] != 2 || s.FileTypes["mp3"] != 1 || s.FileTypes["unknown"] != 1 {
		t.Errorf("file types = %v", s.FileTypes)
	}
	if s.Errors["timeout"] != 1 || s.Errors["provider_failure"] != 2 {
		t.Errorf("errors = %v", s.Errors)
	}

	l := s.Latency["openai"]["wav"]
	if l.Count != 2 || l.TotalMs != 400 || l.AvgMs != 200 {
		t.Errorf("openai/wav latency = %+v, want count 2, total 400, avg 200", l)
	}
}

func TestRecordJobAndUsers(t *testing.T) {
	t.Parallel()
	a := metrics.New()
	a.RecordSubmission("alice")
	a.RecordSubmission("alice")
	a.RecordSubmission("")
	a.RecordJobStatus("queued")
	a.RecordJobStatus("succeeded")
	a.RecordWebhook(false)
	a.RecordWebhook(true)
	a.RecordRejection("too_small")

	s := a.Snapshot()
	if s.Users["alice"] != 2 || s.Users["anonymous"] != 1 {
		t.Errorf("users = %v", s.Users)
	}
	if s.Jobs["queued"] != 1 || s.Jobs["succeeded"] != 1 {
		t.Errorf("jobs = %v", s.Jobs)
	}
	if s.Errors["webhook_failure"] != 1 || s.Errors["validation"] != 1 {
		t.Errorf("errors = %v", s.Errors)
	}
}

func TestSnapshot_IsIdempotentAndDetached(t *testing.T) {
	t.Parallel()
	a := metrics.New()
	a.Record(metrics.Attempt{Provider: "p", FileType: "wav", Outcome: metrics.OutcomeSuccess, Latency: time.Millisecond})

	first := a.Snapshot()
	second := a.Snapshot()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("snapshots differ without intervening records:\n%+v\n%+v", first, second)
	}

	first.Attempts["p"] = 999
	first.Latency["p"]["wav"] = metrics.Latency{}
	third := a.Snapshot()
	if third.Attempts["p"] != 1 || third.Latency["p"]["wav"].Count != 1 {
		t.Fatal("mutating a snapshot leaked into the aggregator")
	}
}

func TestRecord_ConcurrentSnapshotsStayConsistent(t *testing.T) {
	t.Parallel()
	a := metrics.New()
	const workers, per = 8, 200

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			provider := fmt.Sprintf("p%d", w%3)
			for i := range per {
				at := metrics.Attempt{Provider: provider, FileType: "wav", Outcome: metrics.OutcomeSuccess}
				if i%2 == 0 {
					at.Outcome, at.Class = metrics.OutcomeError, "provider_failure"
				}
				a.Record(at)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		s := a.Snapshot()
		var attempts, fileTypes int64
		for p, n := range s.Attempts {
			attempts += n
			if s.Successes[p] > n {
				t.Fatalf("provider %s: successes %d > attempts %d", p, s.Successes[p], n)
			}
		}
		for _, n := range s.FileTypes {
			fileTypes += n
		}
		if attempts != fileTypes {
			t.Fatalf("partial update observed: attempts %d, file types %d", attempts, fileTypes)
		}
		select {
		case <-done:
			final := a.Snapshot()
			var total int64
			for _, n := range final.Attempts {
				total += n
			}
			if total != workers*per {
				t.Fatalf("total attempts = %d, want %d", total, workers*per)
			}
			return
		default:
		}
	}
}

func TestRecord_MirrorsToOTel(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	om, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	a := metrics.New(metrics.WithOTel(om))
	a.Record(metrics.Attempt{Provider: "openai", FileType: "wav", Outcome: metrics.OutcomeSuccess})
	a.Record(metrics.Attempt{Provider: "openai", FileType: "wav", Outcome: metrics.OutcomeError, Class: "provider_failure"})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "voxgate.provider.attempts" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 2 {
		t.Errorf("mirrored attempts = %d, want 2", total)
	}
}
