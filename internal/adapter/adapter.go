// Package adapter defines the uniform capability contract every printer
// backend implements and the registry the scheduler uses to look
// adapters up by printer id. Backend-specific protocol handling lives in the
// octoprint, klipper, bambu, and elegoo subpackages; this package only
// defines the shape they all satisfy.
package adapter

import (
	"context"

	"github.com/kiln-systems/kiln/internal/models"
)

// TemperatureTargets is the input to SetTemperature. A nil pointer leaves
// that heater unchanged.
type TemperatureTargets struct {
	Hotend  *float64
	Bed     *float64
	Chamber *float64
}

// Adapter is the uniform operation set every backend family implements.
// Method semantics are identical across backends; a backend returns
// kiln.Unsupported for an optional method when its Capabilities() says so.
//
// GetStatus never returns an error for a reachable-but-erroring printer and
// never returns an error at all for unreachability: connection failures are
// reported as PrinterState{Status: StatusOffline} "connection
// failures never throw out of get_status".
type Adapter interface {
	ID() models.PrinterId
	Capabilities() models.PrinterCapabilities

	GetStatus(ctx context.Context) models.PrinterState
	ListFiles(ctx context.Context) ([]models.PrinterFile, error)
	UploadFile(ctx context.Context, localPath, remoteName string) error
	StartPrint(ctx context.Context, remoteFilename string) error
	CancelPrint(ctx context.Context) error
	PausePrint(ctx context.Context) error
	ResumePrint(ctx context.Context) error
	SetTemperature(ctx context.Context, targets TemperatureTargets) error
	SendGCode(ctx context.Context, lines []string) ([]string, error)
	GetSnapshot(ctx context.Context) (data []byte, mime string, err error)
	GetStreamURL(ctx context.Context) (string, error)

	// Close releases the adapter's transport connection. Called once when
	// the printer is unregistered.
	Close() error
}
