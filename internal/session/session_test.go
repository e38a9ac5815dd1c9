package session

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/image-classify/internal/classify"
	"github.com/example/image-classify/internal/ingest"
	"github.com/example/image-classify/internal/model"
	"github.com/example/image-classify/internal/notify"
)

type funcEngine struct {
	fn func(ctx context.Context, img image.Image, topK int) ([]classify.Prediction, error)
}

func (e *funcEngine) Classify(ctx context.Context, img image.Image, topK int) ([]classify.Prediction, error) {
	return e.fn(ctx, img, topK)
}

func (e *funcEngine) Close() error { return nil }

type stubSink struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (s *stubSink) Notify(_ context.Context, n notify.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, n)
}

func (s *stubSink) bySeverity(sev notify.Severity) []notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Notification
	for _, n := range s.notes {
		if n.Severity == sev {
			out = append(out, n)
		}
	}
	return out
}

type stubCache struct {
	mu     sync.Mutex
	values map[string]string
	sets   int
}

func newStubCache() *stubCache {
	return &stubCache{values: make(map[string]string)}
}

func (c *stubCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value.(string)
	c.sets++
	return nil
}

func (c *stubCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.values[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

func staticProvider(engine model.Engine) *model.Provider {
	return model.NewProvider(func(ctx context.Context) (*model.Handle, error) {
		return &model.Handle{Engine: engine, Version: "v1"}, nil
	}, zap.NewNop())
}

func testImage(sha string) *ingest.ImageHandle {
	return &ingest.ImageHandle{
		MIME:  "image/png",
		Image: image.NewRGBA(image.Rect(0, 0, 4, 4)),
		SHA1:  sha,
		Size:  64,
	}
}

func waitForPhase(t *testing.T, s *Session, want Phase) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := s.State()
		if st.Phase == want {
			return st
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session never reached phase %q, stuck at %q", want, s.State().Phase)
	return State{}
}

func TestClassifyWalksThePhasesAndSucceedsOnce(t *testing.T) {
	engine := &funcEngine{fn: func(ctx context.Context, img image.Image, topK int) ([]classify.Prediction, error) {
		if topK != classify.TopK {
			t.Errorf("engine invoked with topK=%d, want %d", topK, classify.TopK)
		}
		return []classify.Prediction{
			{Label: "Amanita", Score: 0.92},
			{Label: "Boletus", Score: 0.05},
		}, nil
	}}
	sink := &stubSink{}
	s := New(staticProvider(engine), nil, sink, zap.NewNop())

	ch, cancel := s.Subscribe()
	defer cancel()

	requestID := s.Classify(testImage("aaa"))
	if requestID == "" {
		t.Fatal("Classify() returned empty request ID")
	}

	var phases []Phase
	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-ch:
			phases = append(phases, st.Phase)
			if st.Phase == PhaseFailed {
				t.Fatalf("unexpected failure: %v", st.Err)
			}
			if st.Phase == PhaseSucceeded {
				if st.RequestID != requestID {
					t.Fatalf("succeeded request ID = %q, want %q", st.RequestID, requestID)
				}
				if len(st.Results) != 2 || st.Results[0].Display != "92.0%" {
					t.Fatalf("results = %+v, want shaped Amanita first", st.Results)
				}
				goto done
			}
		case <-deadline:
			t.Fatalf("never reached Succeeded; observed %v", phases)
		}
	}
done:
	want := []Phase{PhaseIdle, PhaseIngesting, PhaseLoadingModel, PhaseInferring, PhaseSucceeded}
	if len(phases) != len(want) {
		t.Fatalf("observed phases %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("observed phases %v, want %v", phases, want)
		}
	}

	// Terminal state is stable: nothing resolves the request a second time.
	time.Sleep(30 * time.Millisecond)
	if st := s.State(); st.Phase != PhaseSucceeded || st.RequestID != requestID {
		t.Fatalf("state moved after terminal transition: %+v", st)
	}
	if n := len(sink.bySeverity(notify.SeveritySuccess)); n != 1 {
		t.Fatalf("success notifications = %d, want 1", n)
	}
}

func TestModelLoadFailureTransitionsToFailed(t *testing.T) {
	cause := errors.New("model registry unreachable")
	provider := model.NewProvider(func(ctx context.Context) (*model.Handle, error) {
		return nil, cause
	}, zap.NewNop())
	sink := &stubSink{}
	s := New(provider, nil, sink, zap.NewNop())

	s.Classify(testImage("aaa"))
	st := waitForPhase(t, s, PhaseFailed)

	if classify.KindOf(st.Err) != classify.KindModelLoad {
		t.Fatalf("KindOf(Err) = %q, want %q", classify.KindOf(st.Err), classify.KindModelLoad)
	}
	if st.Results != nil {
		t.Fatalf("Failed state carries results: %+v", st.Results)
	}

	errNotes := sink.bySeverity(notify.SeverityError)
	if len(errNotes) != 1 {
		t.Fatalf("error notifications = %d, want 1", len(errNotes))
	}
	if errNotes[0].Description != st.Err.Error() {
		t.Fatalf("notification description = %q, want verbatim %q", errNotes[0].Description, st.Err.Error())
	}
}

func TestInferenceFailureTransitionsToFailed(t *testing.T) {
	engine := &funcEngine{fn: func(ctx context.Context, img image.Image, topK int) ([]classify.Prediction, error) {
		return nil, errors.New("tensor shape mismatch")
	}}
	s := New(staticProvider(engine), nil, nil, zap.NewNop())

	s.Classify(testImage("aaa"))
	st := waitForPhase(t, s, PhaseFailed)

	if classify.KindOf(st.Err) != classify.KindInference {
		t.Fatalf("KindOf(Err) = %q, want %q", classify.KindOf(st.Err), classify.KindInference)
	}
}

func TestMalformedScoreFailsWholeRequest(t *testing.T) {
	engine := &funcEngine{fn: func(ctx context.Context, img image.Image, topK int) ([]classify.Prediction, error) {
		return []classify.Prediction{
			{Label: "Amanita", Score: 0.4},
			{Label: "Boletus", Score: 1.5},
		}, nil
	}}
	s := New(staticProvider(engine), nil, nil, zap.NewNop())

	s.Classify(testImage("aaa"))
	st := waitForPhase(t, s, PhaseFailed)

	if classify.KindOf(st.Err) != classify.KindMalformedResult {
		t.Fatalf("KindOf(Err) = %q, want %q", classify.KindOf(st.Err), classify.KindMalformedResult)
	}
	if st.Results != nil {
		t.Fatalf("partial results rendered: %+v", st.Results)
	}
}

func TestRapidReuploadLastRequestWins(t *testing.T) {
	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})
	var calls int32

	engine := &funcEngine{fn: func(ctx context.Context, img image.Image, topK int) ([]classify.Prediction, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(firstStarted)
			<-releaseFirst
			return []classify.Prediction{{Label: "first", Score: 0.9}}, nil
		}
		return []classify.Prediction{{Label: "second", Score: 0.8}}, nil
	}}
	s := New(staticProvider(engine), nil, nil, zap.NewNop())

	s.Classify(testImage("img-1"))
	select {
	case <-firstStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("first inference never started")
	}

	secondID := s.Classify(testImage("img-2"))
	st := waitForPhase(t, s, PhaseSucceeded)
	if st.RequestID != secondID {
		t.Fatalf("succeeded request = %q, want the superseding one %q", st.RequestID, secondID)
	}
	if st.Results[0].Label != "second" {
		t.Fatalf("results from %q, want second", st.Results[0].Label)
	}

	// Let the slow first request finish; its late result must be discarded.
	close(releaseFirst)
	time.Sleep(50 * time.Millisecond)

	final := s.State()
	if final.RequestID != secondID || final.Results[0].Label != "second" {
		t.Fatalf("stale result overwrote the newer one: %+v", final)
	}
}

func TestFailedAcquisitionRetriesOnNextUpload(t *testing.T) {
	var loads int32
	provider := model.NewProvider(func(ctx context.Context) (*model.Handle, error) {
		if atomic.AddInt32(&loads, 1) == 1 {
			return nil, errors.New("download interrupted")
		}
		engine := &funcEngine{fn: func(ctx context.Context, img image.Image, topK int) ([]classify.Prediction, error) {
			return []classify.Prediction{{Label: "Amanita", Score: 0.92}}, nil
		}}
		return &model.Handle{Engine: engine, Version: "v1"}, nil
	}, zap.NewNop())
	s := New(provider, nil, nil, zap.NewNop())

	s.Classify(testImage("aaa"))
	waitForPhase(t, s, PhaseFailed)

	s.Classify(testImage("aaa"))
	st := waitForPhase(t, s, PhaseSucceeded)

	if st.Results[0].Label != "Amanita" {
		t.Fatalf("results = %+v, want Amanita", st.Results)
	}
	if n := atomic.LoadInt32(&loads); n != 2 {
		t.Fatalf("acquisition attempted %d times, want 2", n)
	}
}

func TestRepeatUploadServedFromResultCache(t *testing.T) {
	var calls int32
	engine := &funcEngine{fn: func(ctx context.Context, img image.Image, topK int) ([]classify.Prediction, error) {
		atomic.AddInt32(&calls, 1)
		return []classify.Prediction{{Label: "Amanita", Score: 0.92}}, nil
	}}
	cache := newStubCache()
	s := New(staticProvider(engine), cache, nil, zap.NewNop())

	s.Classify(testImage("same-image"))
	waitForPhase(t, s, PhaseSucceeded)

	secondID := s.Classify(testImage("same-image"))
	var st State
	deadline := time.Now().Add(2 * time.Second)
	for {
		st = s.State()
		if st.Phase == PhaseSucceeded && st.RequestID == secondID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("second request never succeeded, state %+v", st)
		}
		time.Sleep(time.Millisecond)
	}

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("engine invoked %d times, want 1 (second upload cached)", n)
	}
	if st.Results[0].Label != "Amanita" || st.Results[0].Display != "92.0%" {
		t.Fatalf("cached results = %+v", st.Results)
	}
}

func TestRegistryKeepsOneSessionPerClient(t *testing.T) {
	var created int32
	r := NewRegistry(func() *Session {
		atomic.AddInt32(&created, 1)
		return New(staticProvider(&funcEngine{}), nil, nil, zap.NewNop())
	})

	a1 := r.Get("alice")
	a2 := r.Get("alice")
	b := r.Get("bob")

	if a1 != a2 {
		t.Fatal("same client received different sessions")
	}
	if a1 == b {
		t.Fatal("different clients share a session")
	}
	if created != 2 {
		t.Fatalf("factory invoked %d times, want 2", created)
	}
}
