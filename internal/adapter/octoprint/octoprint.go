// Package octoprint implements the adapter.Adapter contract for the
// OctoPrint-style HTTP/REST backend family: flag-set state,
// multipart file upload, a command endpoint for cancel/pause/resume, and a
// plain HTTP snapshot endpoint. Authentication is via an opaque header.
package octoprint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kiln-systems/kiln/internal/adapter"
	"github.com/kiln-systems/kiln/internal/clock"
	"github.com/kiln-systems/kiln/internal/models"
)

// Config holds per-printer connection settings.
type Config struct {
	Name       string
	BaseURL    string // e.g. http://192.168.1.40:80
	APIKey     string
	SnapshotURL string // optional; empty means CanSnapshot=false
	HTTPClient *http.Client
}

// Adapter is the OctoPrint-style backend.
type Adapter struct {
	cfg   Config
	clock clock.Clock
	http  *http.Client

	// mu serializes every transport call for this printer so interleaved
	// requests cannot corrupt session state.
	mu sync.Mutex
}

// New constructs an Adapter for cfg. clk defaults to the real clock if nil.
func New(cfg Config, clk clock.Clock) *Adapter {
	if clk == nil {
		clk = clock.Real()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: adapter.TimeoutStatus}
	}
	return &Adapter{cfg: cfg, clock: clk, http: httpClient}
}

func (a *Adapter) ID() models.PrinterId {
	return models.PrinterId{Name: a.cfg.Name, Backend: "octoprint"}
}

func (a *Adapter) Capabilities() models.PrinterCapabilities {
	return models.PrinterCapabilities{
		CanSetTemp:        true,
		CanSendGCode:      true,
		CanSnapshot:       a.cfg.SnapshotURL != "",
		CanUpdateFirmware: false,
		DeviceType:        "fdm",
	}
}

func (a *Adapter) Close() error { return nil }

type octoPrinterResponse struct {
	State struct {
		Flags struct {
			Operational bool `json:"operational"`
			Printing    bool `json:"printing"`
			Paused      bool `json:"paused"`
			Error       bool `json:"error"`
			Ready       bool `json:"ready"`
			Cancelling  bool `json:"cancelling"`
		} `json:"flags"`
		Text string `json:"text"`
	} `json:"state"`
	Temperature map[string]struct {
		Actual float64 `json:"actual"`
		Target float64 `json:"target"`
	} `json:"temperature"`
}

type octoJobResponse struct {
	Progress struct {
		Completion   *float64 `json:"completion"`
		PrintTimeLeft *int64  `json:"printTimeLeft"`
	} `json:"progress"`
	Job struct {
		File struct {
			Name string `json:"name"`
		} `json:"file"`
	} `json:"job"`
}

// GetStatus never returns an error: unreachable printers map to OFFLINE.
func (a *Adapter) GetStatus(ctx context.Context) models.PrinterState {
	a.mu.Lock()
	defer a.mu.Unlock()

	var printerResp octoPrinterResponse
	var jobResp octoJobResponse

	err := adapter.RetryIdempotent(ctx, a.clock, func() error {
		if err := a.getJSON(ctx, "/api/printer?history=false", &printerResp); err != nil {
			return err
		}
		return a.getJSON(ctx, "/api/job", &jobResp)
	})
	if err != nil {
		return models.PrinterState{Status: models.StatusOffline, ObservedAt: time.Now()}
	}

	status := mapFlags(printerResp.State.Flags)

	state := models.PrinterState{
		Status:     status,
		FileName:   jobResp.Job.File.Name,
		ObservedAt: time.Now(),
	}
	for tool, temp := range printerResp.Temperature {
		t := models.Temperature{Actual: temp.Actual, Target: temp.Target}
		switch {
		case tool == "bed":
			state.BedTemp = &t
		case tool == "chamber":
			state.ChamberTemp = &t
		default:
			state.ToolTemps = append(state.ToolTemps, t)
		}
	}
	if jobResp.Progress.Completion != nil {
		pct := *jobResp.Progress.Completion / 100.0
		state.JobProgress = &pct
	}
	if jobResp.Progress.PrintTimeLeft != nil {
		state.RemainingSeconds = jobResp.Progress.PrintTimeLeft
	}
	return state
}

func mapFlags(flags struct {
	Operational bool `json:"operational"`
	Printing    bool `json:"printing"`
	Paused      bool `json:"paused"`
	Error       bool `json:"error"`
	Ready       bool `json:"ready"`
	Cancelling  bool `json:"cancelling"`
}) models.PrinterStatus {
	switch {
	case flags.Error:
		return models.StatusError
	case flags.Paused:
		return models.StatusPaused
	case flags.Printing, flags.Cancelling:
		return models.StatusPrinting
	case flags.Operational && flags.Ready:
		return models.StatusIdle
	case flags.Operational:
		return models.StatusBusy
	default:
		return models.StatusOffline
	}
}

func (a *Adapter) ListFiles(ctx context.Context) ([]models.PrinterFile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var resp struct {
		Files []struct {
			Name string `json:"name"`
			Size int64  `json:"size"`
		} `json:"files"`
	}
	err := adapter.RetryIdempotent(ctx, a.clock, func() error {
		return a.getJSON(ctx, "/api/files/local", &resp)
	})
	if err != nil {
		return nil, errKind(err)
	}
	out := make([]models.PrinterFile, 0, len(resp.Files))
	for _, f := range resp.Files {
		out = append(out, models.PrinterFile{Name: f.Name, Size: f.Size})
	}
	return out, nil
}

func (a *Adapter) UploadFile(ctx context.Context, localPath, remoteName string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.Open(localPath)
	if err != nil {
		return kindFileMissing(err)
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(remoteName))
	if err != nil {
		return errKind(err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return errKind(err)
	}
	if err := writer.Close(); err != nil {
		return errKind(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/api/files/local", &body)
	if err != nil {
		return errKind(err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Api-Key", a.cfg.APIKey)

	resp, err := a.http.Do(req)
	if err != nil {
		return errKind(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return authError()
	}
	if resp.StatusCode >= 300 {
		return errKind(fmt.Errorf("upload failed with status %d", resp.StatusCode))
	}
	return nil
}

func (a *Adapter) StartPrint(ctx context.Context, remoteFilename string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.postCommand(ctx, fmt.Sprintf("/api/files/local/%s", remoteFilename), map[string]any{
		"command": "select",
		"print":   true,
	})
}

func (a *Adapter) CancelPrint(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.postCommand(ctx, "/api/job", map[string]any{"command": "cancel"})
}

func (a *Adapter) PausePrint(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.postCommand(ctx, "/api/job", map[string]any{"command": "pause", "action": "pause"})
}

func (a *Adapter) ResumePrint(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.postCommand(ctx, "/api/job", map[string]any{"command": "pause", "action": "resume"})
}

func (a *Adapter) SetTemperature(ctx context.Context, targets adapter.TemperatureTargets) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if targets.Hotend != nil {
		err := adapter.RetryIdempotent(ctx, a.clock, func() error {
			return a.postCommand(ctx, "/api/printer/tool", map[string]any{
				"command": "target",
				"targets": map[string]float64{"tool0": *targets.Hotend},
			})
		})
		if err != nil {
			return err
		}
	}
	if targets.Bed != nil {
		err := adapter.RetryIdempotent(ctx, a.clock, func() error {
			return a.postCommand(ctx, "/api/printer/bed", map[string]any{
				"command": "target",
				"target":  *targets.Bed,
			})
		})
		if err != nil {
			return err
		}
	}
	if targets.Chamber != nil {
		return adapterUnsupported("set_temperature(chamber)")
	}
	return nil
}

func (a *Adapter) SendGCode(ctx context.Context, lines []string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.postCommand(ctx, "/api/printer/command", map[string]any{"commands": lines})
	if err != nil {
		return nil, err
	}
	return lines, nil
}

func (a *Adapter) GetSnapshot(ctx context.Context) ([]byte, string, error) {
	if a.cfg.SnapshotURL == "" {
		return nil, "", adapterUnsupported("get_snapshot")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var data []byte
	var mime string
	err := adapter.RetryIdempotent(ctx, a.clock, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.SnapshotURL, nil)
		if err != nil {
			return err
		}
		resp, err := a.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("snapshot request failed with status %d", resp.StatusCode)
		}
		mime = resp.Header.Get("Content-Type")
		data, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, "", errKind(err)
	}
	return data, mime, nil
}

func (a *Adapter) GetStreamURL(ctx context.Context) (string, error) {
	return "", adapterUnsupported("get_stream_url")
}

func (a *Adapter) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", a.cfg.APIKey)
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("request to %s failed with status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *Adapter) postCommand(ctx context.Context, path string, payload map[string]any) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return errKind(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return errKind(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", a.cfg.APIKey)

	resp, err := a.http.Do(req)
	if err != nil {
		return errKind(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return authError()
	}
	if resp.StatusCode == http.StatusConflict {
		return notIdleError()
	}
	if resp.StatusCode >= 300 {
		return errKind(fmt.Errorf("%s failed with status %d", path, resp.StatusCode))
	}
	return nil
}
