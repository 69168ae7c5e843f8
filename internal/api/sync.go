package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/p-n-ai/pai-progress/internal/ledger"
	"github.com/p-n-ai/pai-progress/internal/progress"
	"github.com/p-n-ai/pai-progress/internal/syncer"
)

// syncSchema rejects malformed batches before any decoding happens. Field
// ranges mirror ProgressEvent.Validate; the schema exists so a bad payload
// never reaches domain code.
const syncSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["learner_id", "course_id", "events"],
  "additionalProperties": false,
  "properties": {
    "learner_id": {"type": "string", "minLength": 1},
    "course_id": {"type": "string", "minLength": 1},
    "events": {
      "type": "array",
      "maxItems": 1000,
      "items": {
        "type": "object",
        "required": ["learner_id", "course_id", "section_id", "type", "client_timestamp", "device_id", "sequence_number"],
        "additionalProperties": false,
        "properties": {
          "learner_id": {"type": "string", "minLength": 1},
          "course_id": {"type": "string", "minLength": 1},
          "section_id": {"type": "string", "minLength": 1},
          "type": {"enum": ["started", "completed", "score_submitted"]},
          "score": {"type": "integer", "minimum": 0, "maximum": 100},
          "client_timestamp": {"type": "string", "format": "date-time"},
          "device_id": {"type": "string", "minLength": 1},
          "sequence_number": {"type": "integer", "minimum": 1}
        }
      }
    }
  }
}`

type syncValidator struct {
	schema *gojsonschema.Schema
}

func newSyncValidator() (*syncValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(syncSchema))
	if err != nil {
		return nil, err
	}
	return &syncValidator{schema: schema}, nil
}

func (v *syncValidator) validate(body []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("validating request: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

type syncRequest struct {
	LearnerID string                 `json:"learner_id"`
	CourseID  string                 `json:"course_id"`
	Events    []ledger.ProgressEvent `json:"events"`
}

// syncResponse acknowledges every event individually so a device can dequeue
// exactly what the server saw, whichever bucket it landed in.
type syncResponse struct {
	Accepted   []ledger.Entry         `json:"accepted"`
	Duplicates []ledger.ProgressEvent `json:"duplicates"`
	Conflicts  []syncer.Conflict      `json:"conflicts"`
	Snapshot   *progress.Snapshot     `json:"snapshot,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		respond(w, http.StatusRequestEntityTooLarge, map[string]string{
			"code": "PAYLOAD_TOO_LARGE", "message": "request body too large",
		})
		return
	}

	if err := s.syncValidator.validate(body); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{
			"code": "INVALID_REQUEST", "message": err.Error(),
		})
		return
	}

	var req syncRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{
			"code": "INVALID_REQUEST", "message": "malformed JSON",
		})
		return
	}

	res, err := s.reconciler.Reconcile(r.Context(), req.LearnerID, req.CourseID, req.Events)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	respond(w, http.StatusOK, syncResponse{
		Accepted:   res.Accepted,
		Duplicates: res.Duplicates,
		Conflicts:  res.Conflicts,
		Snapshot:   res.Snapshot,
	})
}
