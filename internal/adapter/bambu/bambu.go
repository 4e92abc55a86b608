// Package bambu implements the adapter.Adapter contract for the
// Bambu-style MQTT+FTPS backend family: a persistent MQTT session
// over TLS on port 8883 drives status and commands, and implicit FTPS on
// port 990 moves files. Some firmware versions report uppercase state
// strings; this adapter lowercases before mapping. Remote paths are
// restricted to two known prefixes and traversal is rejected.
package bambu

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jlaffaye/ftp"

	"github.com/kiln-systems/kiln/internal/adapter"
	"github.com/kiln-systems/kiln/internal/clock"
	"github.com/kiln-systems/kiln/internal/kerrors"
	"github.com/kiln-systems/kiln/internal/models"
)

// allowedRemotePrefixes are the only two directories a file operation may
// target; anything else, or any path containing "..", is rejected.
var allowedRemotePrefixes = []string{"/cache/", "/model/"}

// startConfirmWindow is how long StartPrint waits for the printer to report
// a printing state before giving up with KindStartUnconfirmed.
const startConfirmWindow = 30 * time.Second

// Config holds per-printer connection settings.
type Config struct {
	Name         string
	Host         string // MQTT + FTPS host
	MQTTPort     int    // default 8883
	FTPPort      int    // default 990
	SerialNumber string
	AccessCode   string
	TLSConfig    *tls.Config // if nil, a permissive default is built (LAN-mode self-signed certs)

	// OnUnmappedState is invoked with the raw (lowercased) gcode_state
	// value whenever it doesn't match a known state. Nil means no one is listening.
	OnUnmappedState func(raw string)
}

// Adapter is the Bambu-style MQTT+FTPS backend.
type Adapter struct {
	cfg   Config
	clock clock.Clock
	mu    sync.Mutex

	client mqtt.Client

	statusMu sync.RWMutex
	latest   models.PrinterState
	online   bool
}

// New constructs and connects an Adapter for cfg. clk defaults to the real
// clock if nil.
func New(ctx context.Context, cfg Config, clk clock.Clock) (*Adapter, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.MQTTPort == 0 {
		cfg.MQTTPort = 8883
	}
	if cfg.FTPPort == 0 {
		cfg.FTPPort = 990
	}
	if cfg.OnUnmappedState == nil {
		cfg.OnUnmappedState = func(string) {}
	}
	tlsCfg := cfg.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{InsecureSkipVerify: true} // LAN-mode firmware ships self-signed certs
	}

	a := &Adapter{cfg: cfg, clock: clk, latest: models.PrinterState{Status: models.StatusOffline}}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tls://%s:%d", cfg.Host, cfg.MQTTPort))
	opts.SetClientID("kiln-" + cfg.SerialNumber)
	opts.SetUsername("bblp")
	opts.SetPassword(cfg.AccessCode)
	opts.SetTLSConfig(tlsCfg)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(mqtt.Client, error) {
		a.statusMu.Lock()
		a.online = false
		a.statusMu.Unlock()
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		a.statusMu.Lock()
		a.online = true
		a.statusMu.Unlock()
		topic := fmt.Sprintf("device/%s/report", cfg.SerialNumber)
		c.Subscribe(topic, 0, a.handleReport)
	})

	a.client = mqtt.NewClient(opts)
	token := a.client.Connect()
	if !token.WaitTimeout(adapter.TimeoutStart) {
		return nil, kerrors.Timeout("mqtt connect", nil)
	}
	if err := token.Error(); err != nil {
		return nil, kerrors.Transport(err)
	}
	return a, nil
}

func (a *Adapter) ID() models.PrinterId {
	return models.PrinterId{Name: a.cfg.Name, Backend: "bambu"}
}

func (a *Adapter) Capabilities() models.PrinterCapabilities {
	return models.PrinterCapabilities{
		CanSetTemp:        true,
		CanSendGCode:      true,
		CanSnapshot:       false,
		CanUpdateFirmware: false,
		DeviceType:        "fdm",
	}
}

func (a *Adapter) Close() error {
	a.client.Disconnect(250)
	return nil
}

// bambuReport is the subset of the device/+/report payload this adapter
// consumes. Bambu's own field is gcode_state; some firmware revisions emit
// it uppercase.
type bambuReport struct {
	Print struct {
		GcodeState    string  `json:"gcode_state"`
		GcodeFile     string  `json:"gcode_file"`
		McPercent     float64 `json:"mc_percent"`
		McRemainingMin int    `json:"mc_remaining_time"`
		NozzleTemper  float64 `json:"nozzle_temper"`
		NozzleTarget  float64 `json:"nozzle_target_temper"`
		BedTemper     float64 `json:"bed_temper"`
		BedTarget     float64 `json:"bed_target_temper"`
		ChamberTemper float64 `json:"chamber_temper"`
	} `json:"print"`
}

func (a *Adapter) handleReport(_ mqtt.Client, msg mqtt.Message) {
	var report bambuReport
	if err := json.Unmarshal(msg.Payload(), &report); err != nil {
		return
	}
	if report.Print.GcodeState == "" {
		return
	}

	status := mapGcodeState(report.Print.GcodeState)
	if status == models.StatusUnknown && a.cfg.OnUnmappedState != nil {
		a.cfg.OnUnmappedState(strings.ToLower(report.Print.GcodeState))
	}
	progress := report.Print.McPercent / 100.0
	remaining := int64(report.Print.McRemainingMin) * 60

	state := models.PrinterState{
		Status:           status,
		FileName:         report.Print.GcodeFile,
		JobProgress:      &progress,
		RemainingSeconds: &remaining,
		ToolTemps: []models.Temperature{{
			Actual: report.Print.NozzleTemper,
			Target: report.Print.NozzleTarget,
		}},
		BedTemp: &models.Temperature{Actual: report.Print.BedTemper, Target: report.Print.BedTarget},
		ChamberTemp: &models.Temperature{Actual: report.Print.ChamberTemper},
		ObservedAt:  time.Now(),
	}

	a.statusMu.Lock()
	a.latest = state
	a.online = true
	a.statusMu.Unlock()
}

// mapGcodeState lowercases raw before mapping.
func mapGcodeState(raw string) models.PrinterStatus {
	switch strings.ToLower(raw) {
	case "idle", "finish":
		return models.StatusIdle
	case "running", "prepare", "slicing":
		return models.StatusPrinting
	case "pause":
		return models.StatusPaused
	case "failed":
		return models.StatusError
	case "":
		return models.StatusUnknown
	default:
		return models.StatusUnknown
	}
}

// GetStatus never returns an error: a lost MQTT session maps to OFFLINE.
func (a *Adapter) GetStatus(ctx context.Context) models.PrinterState {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()
	if !a.online || !a.client.IsConnectionOpen() {
		return models.PrinterState{Status: models.StatusOffline, ObservedAt: time.Now()}
	}
	return a.latest
}

func (a *Adapter) currentStatus() models.PrinterStatus {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()
	return a.latest.Status
}

func (a *Adapter) publish(command map[string]any) error {
	payload, err := json.Marshal(map[string]any{"print": command})
	if err != nil {
		return kerrors.Transport(err)
	}
	topic := fmt.Sprintf("device/%s/request", a.cfg.SerialNumber)
	token := a.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(adapter.TimeoutGCode) {
		return kerrors.Timeout("mqtt publish", nil)
	}
	if err := token.Error(); err != nil {
		return kerrors.Transport(err)
	}
	return nil
}

func validateRemotePath(path string) error {
	if strings.Contains(path, "..") {
		return kerrors.Simple(kerrors.KindPathEscape, "remote path contains traversal segment")
	}
	for _, prefix := range allowedRemotePrefixes {
		if strings.HasPrefix(path, prefix) {
			return nil
		}
	}
	return kerrors.Simple(kerrors.KindPathEscape, "remote path is outside the allowed cache/model directories")
}

func (a *Adapter) dialFTP() (*ftp.ServerConn, error) {
	tlsCfg := a.cfg.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{InsecureSkipVerify: true}
	}
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.FTPPort)
	conn, err := ftp.Dial(addr, ftp.DialWithTLS(tlsCfg), ftp.DialWithTimeout(adapter.TimeoutUpload))
	if err != nil {
		return nil, kerrors.Transport(err)
	}
	if err := conn.Login("bblp", a.cfg.AccessCode); err != nil {
		_ = conn.Quit()
		return nil, kerrors.Simple(kerrors.KindAuth, "ftps login rejected")
	}
	return conn, nil
}

func (a *Adapter) ListFiles(ctx context.Context) ([]models.PrinterFile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []models.PrinterFile
	err := adapter.RetryIdempotent(ctx, a.clock, func() error {
		conn, err := a.dialFTP()
		if err != nil {
			return err
		}
		defer conn.Quit()

		out = out[:0]
		for _, prefix := range allowedRemotePrefixes {
			entries, err := conn.List(prefix)
			if err != nil {
				continue
			}
			for _, e := range entries {
				out = append(out, models.PrinterFile{Name: prefix + e.Name, Size: int64(e.Size)})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Adapter) UploadFile(ctx context.Context, localPath, remoteName string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := validateRemotePath(remoteName); err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return kerrors.New(kerrors.KindFileMissing, "local file not found", err, nil)
	}
	defer f.Close()

	conn, err := a.dialFTP()
	if err != nil {
		return err
	}
	defer conn.Quit()

	if err := conn.Stor(remoteName, f); err != nil {
		return kerrors.Transport(err)
	}
	return nil
}

func (a *Adapter) StartPrint(ctx context.Context, remoteFilename string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := validateRemotePath(remoteFilename); err != nil {
		return err
	}

	if err := a.publish(map[string]any{
		"command":      "project_file",
		"param":        remoteFilename,
		"subtask_name": remoteFilename,
	}); err != nil {
		return err
	}

	deadline := a.clock.Now().Add(startConfirmWindow)
	for a.clock.Now().Before(deadline) {
		if a.currentStatus() == models.StatusPrinting {
			return nil
		}
		select {
		case <-a.clock.After(500 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return kerrors.Simple(kerrors.KindStartUnconfirmed, "printer did not confirm print start within 30s")
}

func (a *Adapter) CancelPrint(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.publish(map[string]any{"command": "stop"})
}

func (a *Adapter) PausePrint(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.publish(map[string]any{"command": "pause"})
}

func (a *Adapter) ResumePrint(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.publish(map[string]any{"command": "resume"})
}

func (a *Adapter) SetTemperature(ctx context.Context, targets adapter.TemperatureTargets) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var lines []string
	if targets.Hotend != nil {
		lines = append(lines, fmt.Sprintf("M104 S%.0f", *targets.Hotend))
	}
	if targets.Bed != nil {
		lines = append(lines, fmt.Sprintf("M140 S%.0f", *targets.Bed))
	}
	if targets.Chamber != nil {
		return kerrors.Unsupported("set_temperature(chamber)")
	}
	if len(lines) == 0 {
		return nil
	}
	return a.publish(map[string]any{"command": "gcode_line", "param": strings.Join(lines, "\n")})
}

func (a *Adapter) SendGCode(ctx context.Context, lines []string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.publish(map[string]any{"command": "gcode_line", "param": strings.Join(lines, "\n")}); err != nil {
		return nil, err
	}
	return lines, nil
}

func (a *Adapter) GetSnapshot(ctx context.Context) ([]byte, string, error) {
	return nil, "", kerrors.Unsupported("get_snapshot")
}

func (a *Adapter) GetStreamURL(ctx context.Context) (string, error) {
	return "", kerrors.Unsupported("get_stream_url")
}
