// Package session drives the classification state machine for one client:
// image accepted, model readiness, inference, result shaping, and the
// observable status transitions in between. Rapid re-uploads supersede any
// in-flight request; a stale completion never overwrites a newer one.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/image-classify/internal/classify"
	"github.com/example/image-classify/internal/ingest"
	"github.com/example/image-classify/internal/logging"
	"github.com/example/image-classify/internal/model"
	"github.com/example/image-classify/internal/notify"
)

// Phase names the stage a classification request is in.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseIngesting    Phase = "ingesting"
	PhaseLoadingModel Phase = "loading_model"
	PhaseInferring    Phase = "inferring"
	PhaseSucceeded    Phase = "succeeded"
	PhaseFailed       Phase = "failed"
)

// State is a snapshot of the session's current request. Results is only set
// in PhaseSucceeded and Err only in PhaseFailed.
type State struct {
	Phase     Phase
	RequestID string
	Results   []classify.RankedLabel
	Err       error
	UpdatedAt time.Time
}

// Session holds exactly one active classification request. A new Classify
// call supersedes whatever is in flight: every asynchronous step carries the
// sequence number captured at start and is dropped once a newer request has
// bumped it (last request wins, by identity rather than completion order).
// Superseded model/inference calls are abandoned, not cancelled.
type Session struct {
	provider *model.Provider
	cache    Cache
	sink     notify.Sink
	logger   *zap.Logger

	cacheTTL       time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu        sync.Mutex
	seq       uint64
	state     State
	nextSubID int
	subs      map[int]chan State
}

// New constructs a session. cache and sink may be nil.
func New(provider *model.Provider, cache Cache, sink notify.Sink, logger *zap.Logger) *Session {
	return &Session{
		provider:       provider,
		cache:          cache,
		sink:           sink,
		logger:         logger.Named("session"),
		cacheTTL:       5 * time.Minute,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		state:          State{Phase: PhaseIdle, UpdatedAt: time.Now().UTC()},
		subs:           make(map[int]chan State),
	}
}

// State returns the current snapshot.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers an observer of state transitions. The current snapshot
// is delivered first; slow consumers drop intermediate updates. The returned
// cancel func must be called to release the subscription.
func (s *Session) Subscribe() (<-chan State, func()) {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan State, 16)
	s.subs[id] = ch
	ch <- s.state
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Classify starts a new classification request for an ingested image and
// returns its request ID. Any in-flight request is superseded immediately.
func (s *Session) Classify(img *ingest.ImageHandle) string {
	requestID := uuid.NewString()

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.setStateLocked(State{Phase: PhaseIngesting, RequestID: requestID})
	s.mu.Unlock()

	go s.run(seq, requestID, img)
	return requestID
}

func (s *Session) run(seq uint64, requestID string, img *ingest.ImageHandle) {
	ctx := context.Background()
	opLogger := logging.WithOperation(s.logger, "session.classify", requestID)

	if !s.advance(seq, State{Phase: PhaseLoadingModel, RequestID: requestID}) {
		return
	}
	s.notify(ctx, notify.Notification{
		Title:       "Loading model",
		Description: "Downloading and initializing the classifier, this can take a moment.",
		Severity:    notify.SeverityInfo,
	})

	handle, err := s.provider.Get(ctx)
	if err != nil {
		s.fail(ctx, seq, requestID, err, opLogger)
		return
	}

	if !s.advance(seq, State{Phase: PhaseInferring, RequestID: requestID}) {
		opLogger.Debug("request superseded before inference")
		return
	}
	s.notify(ctx, notify.Notification{
		Title:       "Classifying",
		Description: "Running inference on the uploaded image.",
		Severity:    notify.SeverityInfo,
	})

	results, hit := s.cachedResults(ctx, handle.Version, img.SHA1, requestID)
	if !hit {
		raw, err := handle.Engine.Classify(ctx, img.Image, classify.TopK)
		if err != nil {
			if classify.KindOf(err) == "" {
				err = classify.E(classify.KindInference, err)
			}
			s.fail(ctx, seq, requestID, err, opLogger)
			return
		}

		results, err = classify.Shape(raw)
		if err != nil {
			s.fail(ctx, seq, requestID, err, opLogger)
			return
		}
		s.storeResults(ctx, handle.Version, img.SHA1, requestID, results)
	}

	if !s.advance(seq, State{Phase: PhaseSucceeded, RequestID: requestID, Results: results}) {
		opLogger.Debug("stale result discarded")
		return
	}
	opLogger.Info("classification succeeded",
		zap.String("top_label", results[0].Label),
		zap.Float64("top_score", results[0].Score),
		zap.Bool("cache_hit", hit))
	s.notify(ctx, notify.Notification{
		Title:       "Classification complete",
		Description: fmt.Sprintf("%s (%s)", results[0].Label, results[0].Display),
		Severity:    notify.SeveritySuccess,
	})
}

// advance applies the next state if the request is still current. Returns
// false when a newer request superseded this one.
func (s *Session) advance(seq uint64, next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.seq {
		return false
	}
	s.setStateLocked(next)
	return true
}

// fail transitions to Failed, clearing any partial results, and surfaces the
// error message verbatim. Dropped when superseded.
func (s *Session) fail(ctx context.Context, seq uint64, requestID string, err error, opLogger *zap.Logger) {
	if !s.advance(seq, State{Phase: PhaseFailed, RequestID: requestID, Err: err}) {
		opLogger.Debug("stale failure discarded", zap.Error(err))
		return
	}
	opLogger.Error("classification failed", zap.Error(err))
	s.notify(ctx, notify.Notification{
		Title:       "Classification failed",
		Description: err.Error(),
		Severity:    notify.SeverityError,
	})
}

func (s *Session) setStateLocked(next State) {
	next.UpdatedAt = time.Now().UTC()
	s.state = next
	for _, ch := range s.subs {
		select {
		case ch <- next:
		default:
		}
	}
}

func (s *Session) notify(ctx context.Context, n notify.Notification) {
	if s.sink == nil {
		return
	}
	s.sink.Notify(ctx, n)
}
