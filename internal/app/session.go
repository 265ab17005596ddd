package app

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/MrWong99/mira/internal/capture"
	"github.com/MrWong99/mira/internal/feed"
	"github.com/MrWong99/mira/internal/finalize"
	"github.com/MrWong99/mira/internal/notify"
	"github.com/MrWong99/mira/internal/settings"
	"github.com/MrWong99/mira/internal/turn"
	"github.com/MrWong99/mira/pkg/sessionstore"
)

// session is one connected device. It implements [feed.Handler] for the
// device's frames and [turn.Finalizer] for its controller.
type session struct {
	mgr  *SessionManager
	info SessionInfo
	conn *feed.Conn
	ctrl *turn.Controller
	log  *slog.Logger

	settings    *settings.Store
	unsubscribe func()

	// gatingDefault applies while the device did not set
	// wake_requires_head_up.
	gatingDefault bool

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

var (
	_ feed.Handler   = (*session)(nil)
	_ turn.Finalizer = (*session)(nil)
)

func (s *session) gating() bool {
	return s.settings.BoolOr(settings.KeyWakeRequiresHeadUp, s.gatingDefault)
}

// speakAloud is true when the user asked for spoken answers or the device
// cannot show text.
func (s *session) speakAloud() bool {
	return s.settings.Bool(settings.KeySpeakResponse) || !s.info.Capabilities.HasDisplay
}

// ─── feed.Handler ────────────────────────────────────────────────────────────

func (s *session) OnTranscript(text string, isFinal bool) { s.ctrl.HandleTranscript(text, isFinal) }

func (s *session) OnHeadPosition(position string) { s.ctrl.HandleHeadPosition(position) }

// OnLocation resolves the position off the read loop.
func (s *session) OnLocation(coords capture.Coords) {
	go s.updateLocation(coords)
}

func (s *session) OnSettings(values map[string]any) {
	if err := s.settings.Update(values); err != nil {
		s.log.Warn("rejected settings update", "err", err)
	}
}

func (s *session) OnNotifications(items []notify.Notification) {
	s.mgr.cfg.Notifications.Add(s.info.UserID, items...)
}

// ─── turn wiring ─────────────────────────────────────────────────────────────

// onTurnStart starts photo and location collection for a new turn.
func (s *session) onTurnStart(turnID string) {
	if s.mgr.cfg.Collector == nil {
		return
	}
	if s.info.Capabilities.HasCamera {
		s.mgr.cfg.Collector.RequestPhoto(s.info.SessionID, s.conn)
	}
	go func() {
		coords, err := s.conn.RequestLocation(s.ctx, locationAccuracy)
		if err != nil {
			s.log.Debug("location request failed", "turn_id", turnID, "err", err)
			return
		}
		s.updateLocation(coords)
	}()
}

func (s *session) updateLocation(coords capture.Coords) {
	if s.mgr.cfg.Collector == nil || !coords.Valid() {
		return
	}
	loc := s.mgr.cfg.Collector.UpdateLocation(s.ctx, s.info.SessionID, coords)
	err := s.mgr.cfg.Sessions.SetLocation(s.ctx, s.info.SessionID, sessionstore.Location{
		Lat:      coords.Lat,
		Lng:      coords.Lng,
		City:     loc.City,
		State:    loc.State,
		Country:  loc.Country,
		Timezone: loc.Timezone.Name,
	})
	if err != nil && s.ctx.Err() == nil {
		s.log.Warn("persist location failed", "err", err)
	}
}

// Finalize implements [turn.Finalizer].
func (s *session) Finalize(ctx context.Context, req turn.FinalizeRequest) {
	if s.mgr.cfg.Finalizer == nil {
		req.Guard.Release()
		return
	}
	s.mgr.cfg.Finalizer.Finalize(ctx, finalize.Request{
		SessionID:     s.info.SessionID,
		UserID:        s.info.UserID,
		ServerURL:     s.info.ServerURL,
		TurnID:        req.TurnID,
		StartedAt:     req.StartedAt,
		TimerDuration: req.TimerDuration,
		Guard:         req.Guard,
		Sink:          s.conn,
		SpeakAloud:    s.speakAloud(),
		Settings:      s.settings,
	})
}

// onSettingsChanged reconfigures the session after a settings update.
func (s *session) onSettingsChanged(changed []string) {
	s.log.Info("settings changed", "keys", changed)
	if slices.Contains(changed, settings.KeyWakeRequiresHeadUp) {
		s.ctrl.SetGating(s.gating())
	}
	if s.mgr.cfg.Clients == nil {
		return
	}
	for _, k := range changed {
		switch k {
		case settings.KeyLLMProvider, settings.KeyLLMModel, settings.KeyLLMAPIKey:
			s.mgr.cfg.Clients.Invalidate(s.info.SessionID)
			return
		}
	}
}
