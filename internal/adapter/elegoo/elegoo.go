// Package elegoo implements the adapter.Adapter contract for the
// Elegoo-style WebSocket/SDCP backend family: a persistent
// WebSocket on port 3030 carries status and commands; file upload is
// pull-based: this adapter opens a short-lived local HTTP server, hands
// the printer a URL, and the printer fetches the file itself. Discovery
// (UDP broadcast on port 3000) happens outside this adapter; it is
// constructed with a known host.
package elegoo

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/kiln-systems/kiln/internal/adapter"
	"github.com/kiln-systems/kiln/internal/clock"
	"github.com/kiln-systems/kiln/internal/kerrors"
	"github.com/kiln-systems/kiln/internal/models"
)

// Config holds per-printer connection settings.
type Config struct {
	Name    string
	Host    string // printer IP/hostname
	Port    int    // default 3030
	LocalIP string // address the printer can reach back to for pull uploads

	// OnUnmappedState is invoked with the raw numeric status code whenever
	// it doesn't match a known SDCP state, so the owner can surface an
	// ADAPTER_UNMAPPED_STATE event. Optional.
	OnUnmappedState func(raw string)
}

// Adapter is the Elegoo-style SDCP WebSocket backend.
type Adapter struct {
	cfg   Config
	clock clock.Clock
	mu    sync.Mutex

	conn *websocket.Conn

	statusMu sync.RWMutex
	latest   models.PrinterState
	online   bool

	requests   map[string]chan sdcpResponse
	requestsMu sync.Mutex
}

// sdcpStatusCodes maps the numeric SDCP status field to the normalized
// enum. Unmapped codes become UNKNOWN and fire Config.OnUnmappedState.
var sdcpStatusCodes = map[int]models.PrinterStatus{
	0: models.StatusIdle,
	1: models.StatusPrinting,
	2: models.StatusPaused,
	3: models.StatusError,
	4: models.StatusBusy, // homing/leveling/preparing
}

type sdcpEnvelope struct {
	Topic     string          `json:"Topic"`
	RequestID string          `json:"RequestID,omitempty"`
	Status    *sdcpStatusPush `json:"Status,omitempty"`
	Data      json.RawMessage `json:"Data,omitempty"`
}

type sdcpStatusPush struct {
	CurrentStatus []int   `json:"CurrentStatus"`
	PrintInfo     struct {
		Status       int     `json:"Status"`
		Filename     string  `json:"Filename"`
		Progress     float64 `json:"Progress"`
		RemainingSec int64   `json:"RemainingTicks"`
	} `json:"PrintInfo"`
	TempOfHotbed     float64 `json:"TempOfHotbed"`
	TempTargetHotbed float64 `json:"TempTargetHotbed"`
	TempOfNozzle     float64 `json:"TempOfNozzle"`
	TempTargetNozzle float64 `json:"TempTargetNozzle"`
}

type sdcpResponse struct {
	Ack  int             `json:"Ack"`
	Data json.RawMessage `json:"Data"`
}

// New dials the printer's WebSocket endpoint and starts the read loop.
func New(ctx context.Context, cfg Config, clk clock.Clock) (*Adapter, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.Port == 0 {
		cfg.Port = 3030
	}
	if cfg.OnUnmappedState == nil {
		cfg.OnUnmappedState = func(string) {}
	}

	url := fmt.Sprintf("ws://%s:%d/websocket", cfg.Host, cfg.Port)
	dialer := websocket.Dialer{HandshakeTimeout: adapter.TimeoutStatus}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, kerrors.Transport(err)
	}

	a := &Adapter{
		cfg:      cfg,
		clock:    clk,
		conn:     conn,
		online:   true,
		requests: make(map[string]chan sdcpResponse),
		latest:   models.PrinterState{Status: models.StatusUnknown},
	}
	go a.readLoop()
	return a, nil
}

func (a *Adapter) ID() models.PrinterId {
	return models.PrinterId{Name: a.cfg.Name, Backend: "elegoo"}
}

func (a *Adapter) Capabilities() models.PrinterCapabilities {
	return models.PrinterCapabilities{
		CanSetTemp:        true,
		CanSendGCode:      false, // SDCP has no raw gcode console on most firmware
		CanSnapshot:       false,
		CanUpdateFirmware: false,
		DeviceType:        "fdm",
	}
}

func (a *Adapter) Close() error {
	a.statusMu.Lock()
	a.online = false
	a.statusMu.Unlock()
	return a.conn.Close()
}

func (a *Adapter) readLoop() {
	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			a.statusMu.Lock()
			a.online = false
			a.statusMu.Unlock()
			return
		}
		var env sdcpEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Status != nil {
			a.applyStatus(env.Status)
		}
		if env.RequestID != "" {
			a.requestsMu.Lock()
			ch, ok := a.requests[env.RequestID]
			a.requestsMu.Unlock()
			if ok {
				var resp sdcpResponse
				_ = json.Unmarshal(data, &resp)
				select {
				case ch <- resp:
				default:
				}
			}
		}
	}
}

func (a *Adapter) applyStatus(push *sdcpStatusPush) {
	status := models.StatusUnknown
	if len(push.CurrentStatus) > 0 {
		code := push.CurrentStatus[0]
		if mapped, ok := sdcpStatusCodes[code]; ok {
			status = mapped
		} else if a.cfg.OnUnmappedState != nil {
			a.cfg.OnUnmappedState(strconv.Itoa(code))
		}
	}
	progress := push.PrintInfo.Progress / 100.0
	remaining := push.PrintInfo.RemainingSec

	state := models.PrinterState{
		Status:           status,
		FileName:         push.PrintInfo.Filename,
		JobProgress:      &progress,
		RemainingSeconds: &remaining,
		ToolTemps: []models.Temperature{{
			Actual: push.TempOfNozzle,
			Target: push.TempTargetNozzle,
		}},
		BedTemp:    &models.Temperature{Actual: push.TempOfHotbed, Target: push.TempTargetHotbed},
		ObservedAt: time.Now(),
	}

	a.statusMu.Lock()
	a.latest = state
	a.online = true
	a.statusMu.Unlock()
}

// GetStatus never returns an error: a closed socket maps to OFFLINE.
func (a *Adapter) GetStatus(ctx context.Context) models.PrinterState {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()
	if !a.online {
		return models.PrinterState{Status: models.StatusOffline, ObservedAt: time.Now()}
	}
	return a.latest
}

func (a *Adapter) send(ctx context.Context, topic string, data map[string]any) (sdcpResponse, error) {
	reqID := ulid.Make().String()
	envelope := map[string]any{
		"Topic":     topic,
		"RequestID": reqID,
		"Data":      data,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return sdcpResponse{}, kerrors.Transport(err)
	}

	ch := make(chan sdcpResponse, 1)
	a.requestsMu.Lock()
	a.requests[reqID] = ch
	a.requestsMu.Unlock()
	defer func() {
		a.requestsMu.Lock()
		delete(a.requests, reqID)
		a.requestsMu.Unlock()
	}()

	a.mu.Lock()
	err = a.conn.WriteMessage(websocket.TextMessage, payload)
	a.mu.Unlock()
	if err != nil {
		return sdcpResponse{}, kerrors.Transport(err)
	}

	select {
	case resp := <-ch:
		if resp.Ack != 0 {
			return resp, kerrors.Transport(fmt.Errorf("printer returned ack code %d", resp.Ack))
		}
		return resp, nil
	case <-a.clock.After(adapter.TimeoutGCode):
		return sdcpResponse{}, kerrors.Timeout("sdcp command", nil)
	case <-ctx.Done():
		return sdcpResponse{}, ctx.Err()
	}
}

func (a *Adapter) ListFiles(ctx context.Context) ([]models.PrinterFile, error) {
	resp, err := a.send(ctx, "listFiles", nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Files []struct {
			Name string `json:"Name"`
			Size int64  `json:"Size"`
		} `json:"Files"`
	}
	if err := json.Unmarshal(resp.Data, &parsed); err != nil {
		return nil, kerrors.Transport(err)
	}
	out := make([]models.PrinterFile, 0, len(parsed.Files))
	for _, f := range parsed.Files {
		out = append(out, models.PrinterFile{Name: f.Name, Size: f.Size})
	}
	return out, nil
}

// UploadFile serves the local file from a short-lived local HTTP server and
// tells the printer to pull it; SDCP uploads are pull-based.
func (a *Adapter) UploadFile(ctx context.Context, localPath, remoteName string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return kerrors.New(kerrors.KindFileMissing, "local file not found", err, nil)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return kerrors.Transport(err)
	}

	listener, err := net.Listen("tcp", a.cfg.LocalIP+":0")
	if err != nil {
		f.Close()
		return kerrors.Transport(err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	served := make(chan struct{}, 1)
	mux.HandleFunc("/"+filepath.Base(remoteName), func(w http.ResponseWriter, r *http.Request) {
		defer f.Close()
		http.ServeContent(w, r, remoteName, info.ModTime(), f)
		select {
		case served <- struct{}{}:
		default:
		}
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(listener)
	defer srv.Close()

	fetchURL := fmt.Sprintf("http://%s:%d/%s", a.cfg.LocalIP, port, filepath.Base(remoteName))
	_, err = a.send(ctx, "uploadFile", map[string]any{"Url": fetchURL, "Filename": remoteName})
	if err != nil {
		return err
	}

	select {
	case <-served:
		return nil
	case <-a.clock.After(adapter.TimeoutUpload):
		return kerrors.Timeout("upload fetch by printer", nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) StartPrint(ctx context.Context, remoteFilename string) error {
	_, err := a.send(ctx, "startPrint", map[string]any{"Filename": remoteFilename})
	return err
}

func (a *Adapter) CancelPrint(ctx context.Context) error {
	_, err := a.send(ctx, "stopPrint", nil)
	return err
}

func (a *Adapter) PausePrint(ctx context.Context) error {
	_, err := a.send(ctx, "pausePrint", nil)
	return err
}

func (a *Adapter) ResumePrint(ctx context.Context) error {
	_, err := a.send(ctx, "resumePrint", nil)
	return err
}

func (a *Adapter) SetTemperature(ctx context.Context, targets adapter.TemperatureTargets) error {
	data := map[string]any{}
	if targets.Hotend != nil {
		data["TempNozzle"] = *targets.Hotend
	}
	if targets.Bed != nil {
		data["TempHotbed"] = *targets.Bed
	}
	if targets.Chamber != nil {
		return kerrors.Unsupported("set_temperature(chamber)")
	}
	if len(data) == 0 {
		return nil
	}
	_, err := a.send(ctx, "setTemperature", data)
	return err
}

func (a *Adapter) SendGCode(ctx context.Context, lines []string) ([]string, error) {
	return nil, kerrors.Unsupported("send_gcode")
}

func (a *Adapter) GetSnapshot(ctx context.Context) ([]byte, string, error) {
	return nil, "", kerrors.Unsupported("get_snapshot")
}

func (a *Adapter) GetStreamURL(ctx context.Context) (string, error) {
	return "", kerrors.Unsupported("get_stream_url")
}
