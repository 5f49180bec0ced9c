package httpapi

import (
	"encoding/json"
	"net/http"

	"gopkg.in/yaml.v3"

	"github.com/grps-serving/grps/pkg/apperror"
	"github.com/grps-serving/grps/pkg/wire"
)

// handleServerMetadata serves the two configuration texts concatenated
// exactly, with nothing inserted between them.
func (s *Server) handleServerMetadata(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(s.loaded.InferenceText))
	_, _ = w.Write([]byte(s.loaded.ServerText))
}

// handleModelMetadata renders one model's descriptor as text, looked up by
// the name carried in str_data.
func (s *Server) handleModelMetadata(w http.ResponseWriter, r *http.Request) {
	var req wire.GrpsMessage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, apperror.Wrap(err, apperror.CodeBadRequest, "invalid json body"))
		return
	}

	for _, m := range s.loaded.Inference.Models {
		if m.Key() == req.StrData || m.Name == req.StrData {
			out, err := yaml.Marshal(m)
			if err != nil {
				writeFailure(w, apperror.Wrap(err, apperror.CodeInternal, "render model descriptor"))
				return
			}
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(out)
			return
		}
	}
	writeFailure(w, apperror.New(apperror.CodeNotFound, "model not found").WithField(req.StrData))
}
