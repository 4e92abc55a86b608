// Package klipper implements the adapter.Adapter contract for the
// Klipper-style HTTP/REST backend family, modeled on the Moonraker
// API: string state reported by /printer/objects/query, discrete G-code
// script execution, and a dynamically-discovered webcam endpoint for
// snapshots. Firmware update/rollback exists on this backend but has no
// corresponding Adapter method; it is
// only reflected in the declared PrinterCapabilities.
package klipper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kiln-systems/kiln/internal/adapter"
	"github.com/kiln-systems/kiln/internal/clock"
	"github.com/kiln-systems/kiln/internal/kerrors"
	"github.com/kiln-systems/kiln/internal/models"
)

// Config holds per-printer connection settings.
type Config struct {
	Name       string
	BaseURL    string // e.g. http://192.168.1.41:7125
	WebcamURL  string // discovered dynamically by the caller; empty disables snapshots
	HTTPClient *http.Client

	// OnUnmappedState is invoked with the raw print_stats.state value
	// whenever it doesn't match a known state. Nil means no one is listening.
	OnUnmappedState func(raw string)
}

// Adapter is the Klipper/Moonraker-style backend.
type Adapter struct {
	cfg   Config
	clock clock.Clock
	http  *http.Client
	mu    sync.Mutex
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
	if cfg.OnUnmappedState == nil {
		cfg.OnUnmappedState = func(string) {}
	}
	return &Adapter{cfg: cfg, clock: clk, http: httpClient}
}

func (a *Adapter) ID() models.PrinterId {
	return models.PrinterId{Name: a.cfg.Name, Backend: "klipper"}
}

func (a *Adapter) Capabilities() models.PrinterCapabilities {
	return models.PrinterCapabilities{
		CanSetTemp:        true,
		CanSendGCode:      true,
		CanSnapshot:       a.cfg.WebcamURL != "",
		CanUpdateFirmware: true,
		DeviceType:        "fdm",
	}
}

func (a *Adapter) Close() error { return nil }

type objectsQueryResponse struct {
	Result struct {
		Status struct {
			Extruder struct {
				Temperature float64 `json:"temperature"`
				Target      float64 `json:"target"`
			} `json:"extruder"`
			HeaterBed struct {
				Temperature float64 `json:"temperature"`
				Target      float64 `json:"target"`
			} `json:"heater_bed"`
			PrintStats struct {
				State    string `json:"state"`
				Filename string `json:"filename"`
			} `json:"print_stats"`
			VirtualSDCard struct {
				Progress    float64 `json:"progress"`
				IsActive    bool    `json:"is_active"`
			} `json:"virtual_sdcard"`
		} `json:"status"`
	} `json:"result"`
}

// GetStatus never returns an error: unreachable printers map to OFFLINE.
func (a *Adapter) GetStatus(ctx context.Context) models.PrinterState {
	a.mu.Lock()
	defer a.mu.Unlock()

	var resp objectsQueryResponse
	err := adapter.RetryIdempotent(ctx, a.clock, func() error {
		return a.getJSON(ctx, "/printer/objects/query?extruder&heater_bed&print_stats&virtual_sdcard", &resp)
	})
	if err != nil {
		return models.PrinterState{Status: models.StatusOffline, ObservedAt: time.Now()}
	}

	status := mapPrintState(resp.Result.Status.PrintStats.State)
	if status == models.StatusUnknown {
		a.cfg.OnUnmappedState(resp.Result.Status.PrintStats.State)
	}
	state := models.PrinterState{
		Status:   status,
		FileName: resp.Result.Status.PrintStats.Filename,
		ToolTemps: []models.Temperature{{
			Actual: resp.Result.Status.Extruder.Temperature,
			Target: resp.Result.Status.Extruder.Target,
		}},
		BedTemp: &models.Temperature{
			Actual: resp.Result.Status.HeaterBed.Temperature,
			Target: resp.Result.Status.HeaterBed.Target,
		},
		ObservedAt: time.Now(),
	}
	if resp.Result.Status.VirtualSDCard.IsActive {
		progress := resp.Result.Status.VirtualSDCard.Progress
		state.JobProgress = &progress
	}
	return state
}

func mapPrintState(raw string) models.PrinterStatus {
	switch raw {
	case "standby", "complete", "":
		return models.StatusIdle
	case "printing":
		return models.StatusPrinting
	case "paused":
		return models.StatusPaused
	case "error", "cancelled":
		return models.StatusError
	default:
		return models.StatusUnknown
	}
}

func (a *Adapter) ListFiles(ctx context.Context) ([]models.PrinterFile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var resp struct {
		Result []struct {
			Path string `json:"path"`
			Size int64  `json:"size"`
		} `json:"result"`
	}
	err := adapter.RetryIdempotent(ctx, a.clock, func() error {
		return a.getJSON(ctx, "/server/files/list?root=gcodes", &resp)
	})
	if err != nil {
		return nil, kerrors.Transport(err)
	}
	out := make([]models.PrinterFile, 0, len(resp.Result))
	for _, f := range resp.Result {
		out = append(out, models.PrinterFile{Name: f.Path, Size: f.Size})
	}
	return out, nil
}

func (a *Adapter) UploadFile(ctx context.Context, localPath, remoteName string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.Open(localPath)
	if err != nil {
		return kerrors.New(kerrors.KindFileMissing, "local file not found", err, nil)
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("root", "gcodes"); err != nil {
		return kerrors.Transport(err)
	}
	part, err := writer.CreateFormFile("file", filepath.Base(remoteName))
	if err != nil {
		return kerrors.Transport(err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return kerrors.Transport(err)
	}
	if err := writer.Close(); err != nil {
		return kerrors.Transport(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/server/files/upload", &body)
	if err != nil {
		return kerrors.Transport(err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := a.http.Do(req)
	if err != nil {
		return kerrors.Transport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return kerrors.Transport(fmt.Errorf("upload failed with status %d", resp.StatusCode))
	}
	return nil
}

func (a *Adapter) StartPrint(ctx context.Context, remoteFilename string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.postForm(ctx, "/printer/print/start", url.Values{"filename": {remoteFilename}})
}

func (a *Adapter) CancelPrint(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.postForm(ctx, "/printer/print/cancel", nil)
}

func (a *Adapter) PausePrint(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.postForm(ctx, "/printer/print/pause", nil)
}

func (a *Adapter) ResumePrint(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.postForm(ctx, "/printer/print/resume", nil)
}

func (a *Adapter) SetTemperature(ctx context.Context, targets adapter.TemperatureTargets) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if targets.Hotend != nil {
		script := fmt.Sprintf("SET_HEATER_TEMPERATURE HEATER=extruder TARGET=%.1f", *targets.Hotend)
		if err := adapter.RetryIdempotent(ctx, a.clock, func() error { return a.runGCode(ctx, script) }); err != nil {
			return err
		}
	}
	if targets.Bed != nil {
		script := fmt.Sprintf("SET_HEATER_TEMPERATURE HEATER=heater_bed TARGET=%.1f", *targets.Bed)
		if err := adapter.RetryIdempotent(ctx, a.clock, func() error { return a.runGCode(ctx, script) }); err != nil {
			return err
		}
	}
	if targets.Chamber != nil {
		return kerrors.Unsupported("set_temperature(chamber)")
	}
	return nil
}

func (a *Adapter) SendGCode(ctx context.Context, lines []string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, line := range lines {
		if err := a.runGCode(ctx, line); err != nil {
			return nil, err
		}
	}
	return lines, nil
}

func (a *Adapter) GetSnapshot(ctx context.Context) ([]byte, string, error) {
	if a.cfg.WebcamURL == "" {
		return nil, "", kerrors.Unsupported("get_snapshot")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var data []byte
	var mime string
	err := adapter.RetryIdempotent(ctx, a.clock, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.WebcamURL, nil)
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
		return nil, "", kerrors.Transport(err)
	}
	return data, mime, nil
}

func (a *Adapter) GetStreamURL(ctx context.Context) (string, error) {
	if a.cfg.WebcamURL == "" {
		return "", kerrors.Unsupported("get_stream_url")
	}
	return a.cfg.WebcamURL, nil
}

func (a *Adapter) runGCode(ctx context.Context, script string) error {
	buf, err := json.Marshal(map[string]string{"script": script})
	if err != nil {
		return kerrors.Transport(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/printer/gcode/script", bytes.NewReader(buf))
	if err != nil {
		return kerrors.Transport(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.http.Do(req)
	if err != nil {
		return kerrors.Transport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return kerrors.Transport(fmt.Errorf("gcode script failed with status %d", resp.StatusCode))
	}
	return nil
}

func (a *Adapter) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
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

func (a *Adapter) postForm(ctx context.Context, path string, form url.Values) error {
	target := a.cfg.BaseURL + path
	if len(form) > 0 {
		target += "?" + form.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return kerrors.Transport(err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return kerrors.Transport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return kerrors.Transport(fmt.Errorf("%s failed with status %d", path, resp.StatusCode))
	}
	return nil
}
