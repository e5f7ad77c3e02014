package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-supervisor/internal/reconcile"
)

const turboStreamMIME = "text/vnd.turbo-stream.html"

type action func(ctx context.Context) (reconcile.ActionResult, error)

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, "start", func(ctx context.Context) (reconcile.ActionResult, error) {
		return s.deps.Controller.Start(ctx, s.opts.WebhookURL)
	})
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, "pause", s.deps.Controller.Pause)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, "resume", s.deps.Controller.Resume)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, "stop", s.deps.Controller.Stop)
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, "reset", s.deps.Controller.Reset)
}

func (s *Server) backup(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, "backup", s.deps.Controller.Backup)
}

// runAction executes a control action and answers either with a fragment
// (JSON state for in-page updates) or a 303 back to the index.
func (s *Server) runAction(w http.ResponseWriter, r *http.Request, name string, fn action) {
	result, err := fn(r.Context())
	fragment := wantsFragment(r)
	if err == nil {
		if fragment {
			writeJSON(w, http.StatusOK, result)
			return
		}
		redirectWith(w, r, "notice", result.Message)
		return
	}

	code := http.StatusInternalServerError
	var ce *reconcile.ControlError
	switch {
	case reconcile.IsRejection(err):
		code = http.StatusConflict
	case errors.As(err, &ce):
		code = http.StatusBadGateway
	}
	alert := reconcile.UserMessage(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("control action failed", zap.String("action", name), zap.Error(err))
	} else {
		s.logger.Info("control action rejected", zap.String("action", name), zap.String("reason", alert))
	}
	if !fragment {
		redirectWith(w, r, "alert", alert)
		return
	}
	body := map[string]any{"alert": alert}
	if status, steps, statusErr := s.deps.Engine.Status(r.Context()); statusErr == nil {
		body["status"] = status
		body["steps"] = steps
	}
	writeJSON(w, code, body)
}

// wantsFragment reports whether the caller updates the page in place.
func wantsFragment(r *http.Request) bool {
	if r.Header.Get("Turbo-Frame") != "" {
		return true
	}
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, turboStreamMIME) || strings.Contains(accept, "application/json")
}

func redirectWith(w http.ResponseWriter, r *http.Request, key, message string) {
	target := BasePath
	if message != "" {
		target += "?" + url.Values{key: {message}}.Encode()
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}
