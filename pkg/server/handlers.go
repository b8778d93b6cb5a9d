package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sheetsmith/sheetsmith/pkg/documents"
	"github.com/sheetsmith/sheetsmith/pkg/layout"
	"github.com/sheetsmith/sheetsmith/pkg/policy"
)

type okResponse struct {
	OK      bool     `json:"ok"`
	Dropped []string `json:"dropped,omitempty"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sess.Snapshot())
}

// handlePostConfig replaces the whole state with a client snapshot and waits
// for it to be stored.
func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.sess.Apply(r.Context(), data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse{OK: true, Dropped: res.Dropped})
}

type documentsResponse struct {
	JSONs     []string             `json:"jsons"`
	Documents []documents.Document `json:"documents"`
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.docs.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := documentsResponse{
		JSONs:     make([]string, 0, len(docs)),
		Documents: docs,
	}
	for _, d := range docs {
		resp.JSONs = append(resp.JSONs, d.ID)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type uploadResponse struct {
	Path     string             `json:"path"`
	Document documents.Document `json:"document"`
}

// handleUpload stores the multipart "file" part and selects it.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, badRequest("invalid upload: %v", err))
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.writeError(w, badRequest("invalid upload: %v", err))
			return
		}
		if part.FormName() != "file" || part.FileName() == "" {
			_ = part.Close()
			continue
		}

		doc, err := s.docs.Upload(r.Context(), part.FileName(), part)
		_ = part.Close()
		if err != nil {
			s.writeError(w, err)
			return
		}

		_ = s.tel.Events.PublishDocumentUploaded(doc.ID, doc.Size)
		s.sess.SelectDocument(doc.ID)
		s.writeJSON(w, http.StatusOK, uploadResponse{Path: doc.ID, Document: doc})
		return
	}

	s.writeError(w, badRequest("invalid upload: no file part"))
}

// generateRequest is the optional body of generate and preview. Fields that
// are present update the session before the generator runs.
type generateRequest struct {
	JSONPath string          `json:"json_path"`
	Sections map[string]bool `json:"sections"`
}

type generateResponse struct {
	OK       bool               `json:"ok"`
	Mode     documents.Mode     `json:"mode"`
	Output   string             `json:"output"`
	Warnings []policy.Violation `json:"warnings,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	s.runGenerator(w, r, documents.ModeGenerate)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	s.runGenerator(w, r, documents.ModePreview)
}

func (s *Server) runGenerator(w http.ResponseWriter, r *http.Request, mode documents.Mode) {
	ctx := r.Context()

	var body generateRequest
	if err := decodeBody(w, r, &body, true); err != nil {
		s.writeError(w, err)
		return
	}

	if body.JSONPath != "" {
		doc, err := s.docs.Resolve(ctx, body.JSONPath)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.sess.SelectDocument(doc.ID)
	}
	s.sess.ApplySections(body.Sections)

	var warnings []policy.Violation
	if s.guard != nil {
		res, err := s.guard.Evaluate(ctx, s.sess.GuardInput(string(mode)))
		if err != nil {
			s.writeError(w, fmt.Errorf("policy evaluation failed: %w", err))
			return
		}
		if !res.Allowed {
			s.tel.Metrics.RecordError("policy")
			s.writeJSON(w, http.StatusBadRequest, errorResponse{
				Error:      res.Err().Error(),
				Violations: res.Violations,
			})
			return
		}
		warnings = res.Warnings
	}

	req := s.sess.Request()
	if req.JSONPath == "" {
		s.writeError(w, badRequest("json_path required"))
		return
	}
	// A stored last_json may point at a file that is gone.
	if _, err := s.docs.Resolve(ctx, req.JSONPath); err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.gen.Generate(ctx, mode, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if mode == documents.ModePreview {
		s.sess.SetPreview(res.Output)
	}

	s.writeJSON(w, http.StatusOK, generateResponse{
		OK:       true,
		Mode:     res.Mode,
		Output:   res.Output,
		Warnings: warnings,
	})
}

func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sess.View())
}

type includedRequest struct {
	Included *bool `json:"included"`
}

func (req includedRequest) value() (bool, error) {
	if req.Included == nil {
		return false, badRequest("included is required")
	}
	return *req.Included, nil
}

// handleSetSection sets a section or a subsection, whichever the key names.
func (s *Server) handleSetSection(w http.ResponseWriter, r *http.Request) {
	var body includedRequest
	if err := decodeBody(w, r, &body, false); err != nil {
		s.writeError(w, err)
		return
	}
	v, err := body.value()
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.sess.Set(r.PathValue("key"), v); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.sess.View())
}

func (s *Server) handleSetAll(w http.ResponseWriter, r *http.Request) {
	var body includedRequest
	if err := decodeBody(w, r, &body, false); err != nil {
		s.writeError(w, err)
		return
	}
	v, err := body.value()
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.sess.SetAll(v)
	s.writeJSON(w, http.StatusOK, s.sess.View())
}

// moveRequest carries either a relative step (the move buttons) or a target
// section (drag and drop).
type moveRequest struct {
	Delta  *int    `json:"delta"`
	Target *string `json:"target"`
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var body moveRequest
	if err := decodeBody(w, r, &body, false); err != nil {
		s.writeError(w, err)
		return
	}

	key := r.PathValue("key")
	schema := s.sess.Schema()

	switch {
	case body.Delta != nil && body.Target != nil:
		s.writeError(w, badRequest("delta and target are mutually exclusive"))
		return
	case body.Delta != nil:
		if d := *body.Delta; d != -1 && d != 1 {
			s.writeError(w, badRequest("delta must be -1 or 1"))
			return
		}
		if err := s.sess.MoveRelative(key, *body.Delta); err != nil {
			s.writeError(w, err)
			return
		}
	case body.Target != nil:
		for _, k := range []string{key, *body.Target} {
			if !schema.IsSection(k) {
				s.writeError(w, layout.UnknownKeyError(k, "section").WithOperation("move_to"))
				return
			}
		}
		s.sess.MoveTo(key, *body.Target)
	default:
		s.writeError(w, badRequest("delta or target is required"))
		return
	}

	s.writeJSON(w, http.StatusOK, s.sess.View())
}

type documentRequest struct {
	ID string `json:"id"`
}

// handleSelectDocument selects a listed document. An empty id clears the
// selection.
func (s *Server) handleSelectDocument(w http.ResponseWriter, r *http.Request) {
	var body documentRequest
	if err := decodeBody(w, r, &body, false); err != nil {
		s.writeError(w, err)
		return
	}

	id := body.ID
	if id != "" {
		doc, err := s.docs.Resolve(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		id = doc.ID
	}

	s.sess.SelectDocument(id)
	s.writeJSON(w, http.StatusOK, s.sess.View())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
