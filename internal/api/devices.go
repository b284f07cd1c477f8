package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nerrad567/dkn-bridge/internal/cloud"
)

// DeviceView is the API representation of a twin. State is absent until
// the device has reported data.
type DeviceView struct {
	Key            string          `json:"key"`
	InstallationID string          `json:"installation_id"`
	Mac            string          `json:"mac"`
	Name           string          `json:"name"`
	Populated      bool            `json:"populated"`
	State          *cloud.Snapshot `json:"state,omitempty"`
}

func newDeviceView(t *cloud.Twin) DeviceView {
	v := DeviceView{
		Key:            t.Key(),
		InstallationID: t.InstallationID(),
		Mac:            t.Mac(),
		Name:           t.Name(),
	}
	if st, err := t.State(); err == nil {
		v.Populated = true
		v.State = &st
	}
	return v
}

func deviceViews(twins []*cloud.Twin) []DeviceView {
	out := make([]DeviceView, 0, len(twins))
	for _, t := range twins {
		out = append(out, newDeviceView(t))
	}
	return out
}

// CommandResponse acknowledges an applied command.
type CommandResponse struct {
	ID      string `json:"id"`
	Mac     string `json:"mac"`
	Applied bool   `json:"applied"`
}

// handleListDevices returns all twins, optionally filtered by installation.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	twins := s.session.Devices()
	if inst := r.URL.Query().Get("installation"); inst != "" {
		filtered := twins[:0:0]
		for _, t := range twins {
			if t.InstallationID() == inst {
				filtered = append(filtered, t)
			}
		}
		twins = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": deviceViews(twins),
		"count":   len(twins),
	})
}

// handleGetDevice returns one twin by mac.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	mac := chi.URLParam(r, "mac")
	t, ok := s.session.Device(mac)
	if !ok {
		writeNotFound(w, "device not found: "+mac)
		return
	}
	writeJSON(w, http.StatusOK, newDeviceView(t))
}

// handleDeviceCommand applies a command body to a twin.
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	mac := chi.URLParam(r, "mac")

	var cmd cloud.Command
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cmd); err != nil {
		writeBadRequest(w, "invalid command body: "+err.Error())
		return
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	if err := s.execute(mac, cmd); err != nil {
		switch {
		case errors.Is(err, cloud.ErrUnknownDevice):
			writeNotFound(w, "device not found: "+mac)
		case errors.Is(err, cloud.ErrInvalidCommand):
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		default:
			s.logger.Error("command failed", "mac", mac, "command_id", cmd.ID, "error", err)
			writeInternalError(w, "command failed")
		}
		return
	}

	s.logger.Info("command applied", "mac", mac, "command_id", cmd.ID, "source", "api")
	writeJSON(w, http.StatusOK, CommandResponse{ID: cmd.ID, Mac: mac, Applied: true})
}

func (s *Server) execute(mac string, cmd cloud.Command) error {
	if s.executor != nil {
		return s.executor.Execute(mac, cmd)
	}
	t, ok := s.session.Device(mac)
	if !ok {
		return cloud.ErrUnknownDevice
	}
	return cmd.Apply(t)
}
