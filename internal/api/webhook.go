package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-supervisor/internal/reconcile"
)

const maxWebhookBody = 1 << 20

// webhookAliases maps the camelCase and legacy names the crawler has used
// onto canonical payload keys.
var webhookAliases = map[string]string{
	"sessionId":   "session_id",
	"sessionID":   "session_id",
	"step_number": "step",
	"stepNumber":  "step",
	"subStep":     "sub_step",
	"newStatus":   "status",
	"new_status":  "status",
}

var numericWebhookFields = map[string]struct{}{
	"step": {}, "sub_step": {}, "progress": {}, "processed": {}, "total": {},
}

// toInt truncates numeric strings such as "33.5"; unparsable values are
// reported as absent.
func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return int(f), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// decodeWebhook reads a form or JSON body into a Payload. Numbers may arrive
// as strings; empty values are treated as absent.
func decodeWebhook(r *http.Request) (reconcile.Payload, error) {
	raw, err := readWebhookFields(r)
	if err != nil {
		return reconcile.Payload{}, err
	}
	fields := make(map[string]any, len(raw))
	for key, value := range raw {
		if value == nil {
			continue
		}
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		if canonical, ok := webhookAliases[key]; ok {
			if _, exists := raw[canonical]; exists {
				continue
			}
			key = canonical
		}
		if _, numeric := numericWebhookFields[key]; numeric {
			n, ok := toInt(value)
			if !ok {
				continue
			}
			value = n
		}
		fields[key] = value
	}

	var p reconcile.Payload
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &p,
		TagName:          "mapstructure",
	})
	if err != nil {
		return reconcile.Payload{}, fmt.Errorf("build decoder: %w", err)
	}
	if err := dec.Decode(fields); err != nil {
		return reconcile.Payload{}, fmt.Errorf("decode webhook: %w", err)
	}
	p.SessionID = strings.TrimSpace(p.SessionID)
	return p, nil
}

func readWebhookFields(r *http.Request) (map[string]any, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	body := http.MaxBytesReader(nil, r.Body, maxWebhookBody)
	if mediaType == "application/json" {
		out := map[string]any{}
		dec := json.NewDecoder(body)
		dec.UseNumber()
		if err := dec.Decode(&out); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		for k, v := range out {
			if n, ok := v.(json.Number); ok {
				out[k] = n.String()
			}
		}
		return out, nil
	}
	r.Body = body
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("invalid form: %w", err)
	}
	out := make(map[string]any, len(r.Form))
	for k, values := range r.Form {
		if len(values) > 0 {
			out[k] = values[0]
		}
	}
	return out, nil
}

func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	p, err := decodeWebhook(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.deps.Engine.HandleWebhook(r.Context(), p)
	switch {
	case errors.Is(err, reconcile.ErrSessionNotFound):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      "Session not found",
			"session_id": p.SessionID,
		})
		return
	case err != nil:
		s.logger.Error("webhook processing failed",
			zap.String("session_id", p.SessionID),
			zap.String("type", string(p.Type)),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "webhook processing failed")
		return
	}
	resp := map[string]any{"success": true}
	if out.Ignored {
		resp["ignored"] = true
	}
	if out.Completed {
		resp["completed"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}
