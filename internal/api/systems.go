package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-power/internal/device"
	"github.com/nerrad567/gray-logic-power/internal/power"
)

// SystemSummary is one entry of the system list.
type SystemSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SystemView is the full representation of one system.
type SystemView struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	PowerState device.PowerState `json:"power_state"`
	Boot       BootView          `json:"boot"`
	NICs       []power.NIC       `json:"nics"`
}

// BootView groups the boot settings of a system.
type BootView struct {
	Device     string `json:"device"`
	Mode       string `json:"mode"`
	SecureBoot bool   `json:"secure_boot"`
}

// PowerRequest is the body of PUT /systems/{id}/power.
type PowerRequest struct {
	PowerState string `json:"power_state"`
}

// BootPatch is the body of PATCH /systems/{id}/boot. Absent fields are
// left unchanged.
type BootPatch struct {
	Device     *string `json:"device,omitempty"`
	Mode       *string `json:"mode,omitempty"`
	SecureBoot *bool   `json:"secure_boot,omitempty"`
}

// MediaRequest is the body of PUT /systems/{id}/media/{device}.
type MediaRequest struct {
	Image          string `json:"image"`
	WriteProtected *bool  `json:"write_protected,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleListSystems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ids := s.power.Systems(ctx)
	systems := make([]SystemSummary, 0, len(ids))
	for _, id := range ids {
		name, err := s.power.Name(ctx, id)
		if err != nil {
			// Removed between listing and lookup.
			continue
		}
		systems = append(systems, SystemSummary{ID: id, Name: name})
	}

	writeJSON(w, http.StatusOK, map[string]any{"systems": systems, "count": len(systems)})
}

// handleGetSystem returns the full view of a system. Addressing a system
// by display name redirects to its canonical identity.
func (s *Server) handleGetSystem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref := chi.URLParam(r, "id")

	id, err := s.power.UUID(ctx, ref)
	if err != nil {
		var alias *device.AliasAccessError
		if errors.As(err, &alias) {
			http.Redirect(w, r, "/api/v1/systems/"+url.PathEscape(alias.Identity), http.StatusFound)
			return
		}
		s.writeServiceError(w, r, err)
		return
	}

	view := SystemView{ID: id}
	if view.Name, err = s.power.Name(ctx, id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if view.PowerState, err = s.power.PowerState(ctx, id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if view.Boot.Device, err = s.power.BootDevice(ctx, id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if view.Boot.Mode, err = s.power.BootMode(ctx, id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if view.Boot.SecureBoot, err = s.power.SecureBoot(ctx, id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if view.NICs, err = s.power.NICs(ctx, id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetPower(w http.ResponseWriter, r *http.Request) {
	state, err := s.power.PowerState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]device.PowerState{"power_state": state})
}

// handleSetPower blocks until the change has been handed to the hardware.
func (s *Server) handleSetPower(w http.ResponseWriter, r *http.Request) {
	var req PowerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.PowerState == "" {
		writeBadRequest(w, "power_state field is required")
		return
	}

	if err := s.power.SetPowerState(r.Context(), chi.URLParam(r, "id"), req.PowerState); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePatchBoot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var patch BootPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if patch.Device == nil && patch.Mode == nil && patch.SecureBoot == nil {
		writeBadRequest(w, "nothing to update")
		return
	}
	if (patch.Device != nil && *patch.Device == "") || (patch.Mode != nil && *patch.Mode == "") {
		writeBadRequest(w, "device and mode must not be empty")
		return
	}

	if patch.Device != nil {
		if err := s.power.SetBootDevice(ctx, id, *patch.Device); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
	}
	if patch.Mode != nil {
		if err := s.power.SetBootMode(ctx, id, *patch.Mode); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
	}
	if patch.SecureBoot != nil {
		if err := s.power.SetSecureBoot(ctx, id, *patch.SecureBoot); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListNICs(w http.ResponseWriter, r *http.Request) {
	nics, err := s.power.NICs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nics": nics, "count": len(nics)})
}

func (s *Server) handleGetMedia(w http.ResponseWriter, r *http.Request) {
	img, err := s.power.BootImage(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "device"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

func (s *Server) handleInsertMedia(w http.ResponseWriter, r *http.Request) {
	var req MediaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Image == "" {
		writeBadRequest(w, "image field is required; use DELETE to eject")
		return
	}

	var opts []power.BootImageOption
	if req.WriteProtected != nil {
		opts = append(opts, power.WriteProtected(*req.WriteProtected))
	}
	if err := s.power.SetBootImage(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "device"), req.Image, opts...); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEjectMedia(w http.ResponseWriter, r *http.Request) {
	if err := s.power.SetBootImage(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "device"), ""); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
