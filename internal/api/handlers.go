package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/probestation/probe-agent/internal/ota"
	"github.com/probestation/probe-agent/internal/otaerr"
)

type handlers struct {
	up  Updater
	cfg *config
}

// Repository names the release source.
type Repository struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
}

// PartitionSizes are the byte sizes of the update targets.
type PartitionSizes struct {
	Firmware int64 `json:"firmware"`
	Spiffs   int64 `json:"spiffs"`
}

// MemoryInfo is the memory sample taken with the request.
type MemoryInfo struct {
	FreeHeap    uint64 `json:"freeHeap"`
	MinFreeHeap uint64 `json:"minFreeHeap"`
}

// LatestRelease is the cached release as the web UI sees it.
type LatestRelease struct {
	Tag       string       `json:"tag"`
	Name      string       `json:"name"`
	Notes     string       `json:"notes"`
	FetchedAt *time.Time   `json:"fetchedAt,omitempty"`
	Assets    AssetPresent `json:"assets"`
}

// AssetPresent reports which assets the release carries.
type AssetPresent struct {
	Firmware bool `json:"firmware"`
	Spiffs   bool `json:"spiffs"`
}

// InfoResponse is the body of GET /api/ota/info.
type InfoResponse struct {
	Current         string         `json:"current"`
	GitHub          Repository     `json:"github"`
	Partition       PartitionSizes `json:"partition"`
	Memory          MemoryInfo     `json:"memory"`
	State           *ota.State     `json:"state,omitempty"`
	StatusMessage   string         `json:"statusMessage,omitempty"`
	Latest          *LatestRelease `json:"latest,omitempty"`
	UpdateAvailable bool           `json:"updateAvailable"`
	ConfigPreserved bool           `json:"configPreserved"`
	Error           string         `json:"error,omitempty"`
}

// StatusResponse is the body of GET /api/ota/status.
type StatusResponse = ota.Progress

// UpdateRequest is the body of POST /api/ota/update.
type UpdateRequest struct {
	Target string `json:"target"`
}

// Result is the generic success/error body.
type Result struct {
	Success bool   `json:"success,omitempty"`
	Error   bool   `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Health is the body of GET /api/health.
type Health struct {
	Status  string `json:"status"`
	Device  string `json:"device,omitempty"`
	Version string `json:"version"`
	State   string `json:"state"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, Health{
		Status:  "healthy",
		Device:  h.cfg.device,
		Version: h.up.CurrentVersion(),
		State:   h.up.Progress().State.String(),
	})
}

func (h *handlers) info(w http.ResponseWriter, r *http.Request) {
	pi := h.up.PartitionInfo()
	resp := InfoResponse{
		Current:         h.up.CurrentVersion(),
		GitHub:          Repository{Owner: h.cfg.owner, Repo: h.cfg.repo},
		Partition:       PartitionSizes{Firmware: pi.FirmwarePartitionSize, Spiffs: pi.SecondaryPartitionSize},
		Memory:          MemoryInfo{FreeHeap: pi.FreeHeap, MinFreeHeap: pi.MinFreeHeap},
		ConfigPreserved: true,
	}
	if !h.up.Enabled() {
		resp.Error = "OTA disabled"
		h.writeJSON(w, http.StatusOK, resp)
		return
	}

	var checkErr error
	if r.URL.Query().Get("force") == "1" {
		checkErr = h.up.EnsureFresh(true)
	}

	p := h.up.Progress()
	rel := h.up.ReleaseInfo()
	resp.State = &p.State
	resp.StatusMessage = p.Message
	resp.Latest = &LatestRelease{
		Tag:    rel.Tag,
		Name:   rel.Name,
		Notes:  rel.Notes,
		Assets: AssetPresent{Firmware: rel.HasFirmwareAsset, Spiffs: rel.HasSecondaryAsset},
	}
	if !rel.FetchedAt.IsZero() {
		resp.Latest.FetchedAt = &rel.FetchedAt
	}
	resp.UpdateAvailable = h.up.IsUpdateAvailable()
	switch {
	case p.Error != "":
		resp.Error = p.Error
	case checkErr != nil:
		resp.Error = otaerr.Message(checkErr)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, StatusResponse(h.up.Progress()))
}

func (h *handlers) partitions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.up.PartitionInfo())
}

func (h *handlers) startUpdate(w http.ResponseWriter, r *http.Request) {
	if !h.up.Enabled() {
		h.sendError(w, http.StatusForbidden, "OTA disabled")
		return
	}

	var req UpdateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1024)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.sendError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	target, err := ota.ParseTarget(req.Target)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.up.StartUpdate(target); err != nil {
		status := http.StatusBadRequest
		if otaerr.IsKind(err, otaerr.Precondition) && otaerr.Message(err) == "OTA disabled" {
			status = http.StatusForbidden
		}
		h.sendError(w, status, otaerr.Message(err))
		return
	}
	h.cfg.log.Info("update started over HTTP", zap.Stringer("target", target), zap.String("remote_addr", r.RemoteAddr))
	h.sendSuccess(w, "OTA update started")
}

func (h *handlers) sendError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, Result{Error: true, Message: message})
}

func (h *handlers) sendSuccess(w http.ResponseWriter, message string) {
	h.writeJSON(w, http.StatusOK, Result{Success: true, Message: message})
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.cfg.log.Error("Failed to encode response", zap.Error(err))
	}
}
