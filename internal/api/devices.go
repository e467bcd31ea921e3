package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/tuyable/internal/device"
	"github.com/nerrad567/tuyable/internal/tuya"
	"github.com/nerrad567/tuyable/internal/tuya/catalog"
	"github.com/nerrad567/tuyable/internal/tuya/datapoint"
)

// datapointView is the JSON form of one datapoint.
type datapointView struct {
	DeviceID        string         `json:"device_id"`
	Name            string         `json:"name"`
	ID              uint8          `json:"id"`
	Type            datapoint.Type `json:"type"`
	Value           any            `json:"value"`
	ChangedByDevice bool           `json:"changed_by_device"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func newDatapointView(deviceID string, v tuya.Value) datapointView {
	return datapointView{
		DeviceID:        deviceID,
		Name:            v.Name,
		ID:              v.ID,
		Type:            v.Type,
		Value:           tuya.Plain(v.Value),
		ChangedByDevice: v.ChangedByDevice,
		UpdatedAt:       v.UpdatedAt,
	}
}

// deviceView is the JSON form of a device.
type deviceView struct {
	tuya.Status
	LastSeenAt *time.Time      `json:"last_seen_at,omitempty"`
	Schema     []catalog.Field `json:"schema,omitempty"`
	State      []datapointView `json:"state,omitempty"`
}

// setDatapointRequest is the body of PUT /devices/{id}/datapoints/{name}.
type setDatapointRequest struct {
	Value any `json:"value"`
}

// handleListDevices returns every managed device with its status.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.devices.Devices()
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceView{
			Status:     d.Status(),
			LastSeenAt: s.lastSeen(r.Context(), d.ID()),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": views, "count": len(views)})
}

// handleGetDevice returns one device with its schema and current state.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, deviceView{
		Status:     d.Status(),
		LastSeenAt: s.lastSeen(r.Context(), d.ID()),
		Schema:     d.Schema().Fields(),
		State:      stateViews(d),
	})
}

// handleRefreshDevice asks the device to report all datapoints.
func (s *Server) handleRefreshDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.writeTimeout)
	defer cancel()
	if err := d.Refresh(ctx); err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"device_id": d.ID(), "status": "refresh_requested"})
}

// handleListDatapoints returns every datapoint the device has reported.
func (s *Server) handleListDatapoints(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	views := stateViews(d)
	writeJSON(w, http.StatusOK, map[string]any{"datapoints": views, "count": len(views)})
}

// handleGetDatapoint returns one datapoint by schema name or numeric id.
func (s *Server) handleGetDatapoint(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")

	id, _, err := d.Schema().Resolve(name)
	if err != nil {
		writeDeviceError(w, fmt.Errorf("%w: %s.%s", tuya.ErrUnknownDatapoint, d.ID(), name))
		return
	}
	for _, v := range d.State() {
		if v.ID == id {
			writeJSON(w, http.StatusOK, newDatapointView(d.ID(), v))
			return
		}
	}
	writeError(w, http.StatusNotFound, ErrCodeNotFound, "datapoint has not been reported yet")
}

// handleSetDatapoint writes one datapoint and waits for the device ack.
func (s *Server) handleSetDatapoint(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var req setDatapointRequest
	if err := dec.Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Value == nil {
		writeBadRequest(w, "value is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.writeTimeout)
	defer cancel()
	if err := d.SetDatapoint(ctx, name, req.Value); err != nil {
		s.logger.Warn("datapoint write failed", "device_id", d.ID(), "datapoint", name, "error", err)
		writeDeviceError(w, err)
		return
	}

	value, _ := d.GetDatapoint(name)
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": d.ID(),
		"datapoint": name,
		"status":    "completed",
		"value":     tuya.Plain(value),
	})
}

// lookupDevice resolves the {id} URL parameter, writing a 404 if unknown.
func (s *Server) lookupDevice(w http.ResponseWriter, r *http.Request) (*tuya.Device, bool) {
	d, err := s.devices.Device(chi.URLParam(r, "id"))
	if err != nil {
		writeDeviceError(w, err)
		return nil, false
	}
	return d, true
}

// lastSeen returns the stored last-seen time, or nil without an inventory.
func (s *Server) lastSeen(ctx context.Context, id string) *time.Time {
	if s.inventory == nil {
		return nil
	}
	rec, err := s.inventory.GetDevice(ctx, id)
	if err != nil {
		if !errors.Is(err, device.ErrDeviceNotFound) {
			s.logger.Debug("inventory lookup failed", "device_id", id, "error", err)
		}
		return nil
	}
	return rec.LastSeenAt
}

func stateViews(d *tuya.Device) []datapointView {
	state := d.State()
	views := make([]datapointView, 0, len(state))
	for _, v := range state {
		views = append(views, newDatapointView(d.ID(), v))
	}
	return views
}
