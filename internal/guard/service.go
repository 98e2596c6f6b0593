// Package guard runs a capture session as a long-lived service and fans its
// outputs out to the bus, the audit log and metrics.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-guard/internal/bus"
	"github.com/loqalabs/loqa-guard/internal/capture"
	"github.com/loqalabs/loqa-guard/internal/chunker"
	"github.com/loqalabs/loqa-guard/internal/config"
	"github.com/loqalabs/loqa-guard/internal/eventstore"
	"github.com/loqalabs/loqa-guard/internal/protocol"
)

const (
	EventTypeTranscript = "guard.transcript"
	EventTypeAlert      = "guard.alert"

	// StreamName is the JetStream stream that retains guard traffic.
	StreamName = "GUARD"
)

// Service owns one capture session.
type Service struct {
	cfg       config.GuardConfig
	sessionID string
	session   *capture.Session
	bus       *bus.Client
	store     *eventstore.Store
	logger    *slog.Logger
	metrics   *metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  atomic.Bool
	once   sync.Once

	outputs atomic.Uint64
	alerts  atomic.Uint64

	// Owned by the run goroutine.
	alerted          bool
	alertedUtterance uint64
}

// NewService wires the sinks. busClient and store may be nil.
func NewService(parent context.Context, cfg config.GuardConfig, sessionID string, session *capture.Session, busClient *bus.Client, store *eventstore.Store, logger *slog.Logger) (*Service, error) {
	logger = logger.With(slog.String("component", "guard"), slog.String("session_id", sessionID))
	m, err := newMetrics(session)
	if err != nil {
		return nil, fmt.Errorf("guard metrics: %w", err)
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		sessionID: sessionID,
		session:   session,
		bus:       busClient,
		store:     store,
		logger:    logger,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func (s *Service) Start() error {
	if s.store != nil {
		if err := s.store.AppendSession(s.ctx, s.sessionID, s.cfg.ActorID, s.cfg.PrivacyScope); err != nil {
			return fmt.Errorf("record session: %w", err)
		}
	}
	if s.bus != nil {
		subjects := []string{protocol.SubjectTranscriptPrefix + ".>", protocol.SubjectAlert}
		if err := s.bus.EnsureStream(StreamName, subjects, 7*24*time.Hour); err != nil {
			s.logger.Warn("guard stream unavailable, publishing without retention", slogError(err))
		}
	}
	if err := s.session.Start(s.ctx); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.run()
	s.ready.Store(true)
	s.logger.Info("guard started", slog.Bool("publish_interim", s.cfg.PublishInterim))
	return nil
}

func (s *Service) Close() {
	s.once.Do(func() {
		s.ready.Store(false)
		s.session.Stop()
		s.cancel()
		s.wg.Wait()
		s.metrics.close()
		s.logger.Info("guard stopped",
			slog.Uint64("outputs", s.outputs.Load()),
			slog.Uint64("alerts", s.alerts.Load()),
			slog.Uint64("failures", s.session.Failures()),
			slog.Uint64("dropped_frames", s.session.DroppedFrames()))
	})
}

func (s *Service) Healthy() bool {
	if !s.ready.Load() || s.session.Stopped() {
		return false
	}
	return s.bus == nil || s.bus.Healthy()
}

func (s *Service) run() {
	defer s.wg.Done()
	for {
		t, err := s.session.Next(s.ctx)
		if err != nil {
			if errors.Is(err, capture.ErrStopped) || s.ctx.Err() != nil {
				return
			}
			s.logger.Error("guard loop aborted", slogError(err))
			s.ready.Store(false)
			return
		}
		s.handle(t)
	}
}

func (s *Service) handle(t capture.Transcript) {
	s.outputs.Add(1)
	s.metrics.record(s.ctx, t)

	evt := protocol.GuardEvent{
		SessionID:  s.sessionID,
		Chunk:      string(t.Kind),
		DurationMS: t.DurationMS,
		Timestamp:  time.Now().UTC(),
		Output:     t.Output,
	}
	raise := s.shouldAlert(t)
	switch {
	case raise:
		s.alerts.Add(1)
		s.logger.Warn("distress detected",
			slog.String("reason", t.Output.TriggerReason),
			slog.String("chunk", evt.Chunk),
			slog.Float64("confidence", t.Output.Confidence))
	case t.Output.EmergencyFlag:
		s.logger.Info("distress confirmed by final transcript",
			slog.String("reason", t.Output.TriggerReason),
			slog.Uint64("utterance", t.Utterance))
	default:
		s.logger.Debug("transcript",
			slog.String("chunk", evt.Chunk),
			slog.Float64("latency_ms", t.Output.LatencyMS))
	}

	s.publish(evt, t.Kind, raise)
	s.persist(evt, raise)
}

// shouldAlert raises at most one alert per utterance: a flagged final whose
// interim already alerted is not raised again.
func (s *Service) shouldAlert(t capture.Transcript) bool {
	if !t.Output.EmergencyFlag {
		return false
	}
	if t.Kind == chunker.Final && s.alerted && s.alertedUtterance == t.Utterance {
		return false
	}
	s.alerted = true
	s.alertedUtterance = t.Utterance
	return true
}

func (s *Service) publish(evt protocol.GuardEvent, kind chunker.Kind, raise bool) {
	if s.bus == nil {
		return
	}
	if kind == chunker.Final || s.cfg.PublishInterim {
		if err := s.bus.PublishJSON(protocol.TranscriptSubject(evt.Chunk), evt); err != nil {
			s.logger.Warn("failed to publish transcript", slogError(err))
		}
	}
	if raise {
		if err := s.bus.PublishJSON(protocol.SubjectAlert, evt); err != nil {
			s.logger.Warn("failed to publish alert", slogError(err))
		}
	}
}

func (s *Service) persist(evt protocol.GuardEvent, raise bool) {
	if s.store == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		s.logger.Warn("failed to marshal guard event", slogError(err))
		return
	}
	eventType := EventTypeTranscript
	if raise {
		eventType = EventTypeAlert
	}
	id, err := s.store.AppendEvent(s.ctx, eventstore.Event{
		SessionID: s.sessionID,
		ActorID:   s.cfg.ActorID,
		Type:      eventType,
		Payload:   payload,
		Privacy:   s.cfg.PrivacyScope,
		CreatedAt: evt.Timestamp,
	})
	if err != nil {
		s.logger.Warn("failed to append guard event", slogError(err))
		return
	}
	if !raise {
		return
	}
	if _, err := s.store.AppendAlert(s.ctx, eventstore.Alert{
		SessionID:     s.sessionID,
		EventID:       id,
		Transcription: evt.Transcription,
		Reason:        evt.TriggerReason,
		Confidence:    evt.Confidence,
		CreatedAt:     evt.Timestamp,
	}); err != nil {
		s.logger.Warn("failed to append alert", slogError(err))
	}
}

// Outputs is the number of outputs handled so far.
func (s *Service) Outputs() uint64 { return s.outputs.Load() }

// Alerts is the number of flagged outputs handled so far.
func (s *Service) Alerts() uint64 { return s.alerts.Load() }

// SessionID identifies the session in bus envelopes and the audit log.
func (s *Service) SessionID() string { return s.sessionID }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
