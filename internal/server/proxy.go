package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	gateway "github.com/mstiller/switchboard/internal"
	"github.com/mstiller/switchboard/internal/transcode"
	"github.com/mstiller/switchboard/internal/upstream"
)

// maxRequestBody bounds inbound bodies; audio uploads dominate the sizing.
const maxRequestBody = 32 << 20

// readBody drains the request body under the size cap. A limit overflow or
// read failure is reported in the family's error shape.
func (s *server) readBody(w http.ResponseWriter, r *http.Request, fam gateway.APIFamily) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		upstream.WriteError(w, fam, http.StatusBadRequest,
			gateway.KindClientBadRequest, "read request body: "+err.Error())
		return nil, false
	}
	return body, true
}

// handleConversational serves the three families whose model and stream flag
// live in the JSON body.
func (s *server) handleConversational(fam gateway.APIFamily) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := s.readBody(w, r, fam)
		if !ok {
			return
		}
		shape := transcode.InspectRequest(fam, body)
		if shape.Model == "" {
			upstream.WriteError(w, fam, http.StatusBadRequest,
				gateway.KindClientBadRequest, "missing model")
			return
		}
		s.dispatch(w, r, upstream.Request{
			Family: fam,
			Model:  shape.Model,
			Body:   body,
			Stream: shape.Stream,
		})
	}
}

// handleGemini serves the Google wire shape, where the model and the stream
// decision ride in the URL rather than the body.
func (s *server) handleGemini(w http.ResponseWriter, r *http.Request) {
	call := chi.URLParam(r, "call")
	model, verb, found := strings.Cut(call, ":")
	if !found || model == "" {
		upstream.WriteError(w, gateway.FamilyGemini, http.StatusNotFound,
			gateway.KindClientBadRequest, "unknown method "+call)
		return
	}
	var stream bool
	switch verb {
	case "generateContent":
	case "streamGenerateContent":
		stream = true
	default:
		upstream.WriteError(w, gateway.FamilyGemini, http.StatusNotFound,
			gateway.KindClientBadRequest, "unknown method "+verb)
		return
	}

	body, ok := s.readBody(w, r, gateway.FamilyGemini)
	if !ok {
		return
	}
	s.dispatch(w, r, upstream.Request{
		Family: gateway.FamilyGemini,
		Model:  model,
		Body:   body,
		Stream: stream,
	})
}

// handleSpecialized serves the JSON-bodied single-shape families.
func (s *server) handleSpecialized(fam gateway.APIFamily) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := s.readBody(w, r, fam)
		if !ok {
			return
		}
		model := gjson.GetBytes(body, "model").String()
		if model == "" {
			upstream.WriteError(w, fam, http.StatusBadRequest,
				gateway.KindClientBadRequest, "missing model")
			return
		}
		s.dispatch(w, r, upstream.Request{Family: fam, Model: model, Body: body})
	}
}

// handleTranscriptions serves audio uploads, whose model field lives inside a
// multipart form.
func (s *server) handleTranscriptions(w http.ResponseWriter, r *http.Request) {
	fam := gateway.FamilyTranscriptions
	body, ok := s.readBody(w, r, fam)
	if !ok {
		return
	}
	contentType := r.Header.Get("Content-Type")
	model, err := transcode.MultipartModel(body, contentType)
	if err != nil {
		upstream.WriteError(w, fam, http.StatusBadRequest,
			gateway.KindClientBadRequest, err.Error())
		return
	}
	if model == "" {
		upstream.WriteError(w, fam, http.StatusBadRequest,
			gateway.KindClientBadRequest, "missing model")
		return
	}
	s.dispatch(w, r, upstream.Request{
		Family:      fam,
		Model:       model,
		Body:        body,
		ContentType: contentType,
	})
}

// dispatch runs the request and renders any pre-wire error in the inbound
// family's shape. Internal failures leak only the request id.
func (s *server) dispatch(w http.ResponseWriter, r *http.Request, req upstream.Request) {
	err := s.deps.Dispatcher.Dispatch(r.Context(), w, req)
	if err == nil {
		return
	}
	status := upstream.ErrorStatus(err)
	kind := upstream.ErrorKindOf(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = "internal error: " + gateway.RequestIDFromContext(r.Context())
	}
	if s.deps.Journal != nil {
		s.deps.Journal.RecordError(gateway.ErrorRecord{
			RequestID:  gateway.RequestIDFromContext(r.Context()),
			TS:         time.Now(),
			Kind:       kind,
			StatusCode: status,
			Message:    err.Error(),
		})
	}
	upstream.WriteError(w, req.Family, status, kind, msg)
}
