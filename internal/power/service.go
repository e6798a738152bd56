package power

import (
	"context"
	"fmt"

	"github.com/nerrad567/gray-logic-power/internal/device"
	"github.com/nerrad567/gray-logic-power/internal/reconcile"
)

// Defaults reported for passthrough attributes that were never set.
const (
	DefaultBootDevice = "Hdd"
	DefaultBootMode   = "UEFI"
)

// NIC is the projection of a configured network interface.
type NIC struct {
	ID  string `json:"id"`
	MAC string `json:"mac"`
}

// Logger is the logging interface used by the service.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Service exposes the public power operations.
//
// Thread Safety: all methods are safe for concurrent use.
type Service struct {
	registry *device.Registry
	engine   *reconcile.Engine
	logger   Logger
}

// NewService creates a service over registry and engine. The engine must
// use registry as its store.
func NewService(registry *device.Registry, engine *reconcile.Engine, logger Logger) *Service {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Service{registry: registry, engine: engine, logger: logger}
}

// Systems lists every managed identity.
func (s *Service) Systems(ctx context.Context) []string {
	return s.registry.Identities(ctx)
}

// UUID returns the canonical identity for identity. Passing a display
// name returns a *device.AliasAccessError carrying the identity.
func (s *Service) UUID(ctx context.Context, identity string) (string, error) {
	rec, viaAlias, err := s.registry.Lookup(ctx, identity)
	if err != nil {
		return "", err
	}
	if viaAlias {
		return "", &device.AliasAccessError{Alias: identity, Identity: rec.ID}
	}
	return rec.ID, nil
}

// Name returns the display name of identity (which may itself be a name).
func (s *Service) Name(ctx context.Context, identity string) (string, error) {
	rec, _, err := s.registry.Lookup(ctx, identity)
	if err != nil {
		return "", err
	}
	return rec.Name, nil
}

// PowerState returns the reconciled power state. See
// reconcile.Engine.PowerState for when hardware is probed.
func (s *Service) PowerState(ctx context.Context, identity string) (device.PowerState, error) {
	id, err := s.resolve(ctx, identity)
	if err != nil {
		return "", err
	}
	return s.engine.PowerState(ctx, id)
}

// SetPowerState requests a power change such as "On", "ForceOff" or
// "ForceRestart".
func (s *Service) SetPowerState(ctx context.Context, identity, requested string) error {
	id, err := s.resolve(ctx, identity)
	if err != nil {
		return err
	}
	return s.engine.SetPowerState(ctx, id, requested)
}

// BootDevice returns the boot device, "Hdd" if never set.
func (s *Service) BootDevice(ctx context.Context, identity string) (string, error) {
	rec, err := s.inspect(ctx, identity)
	if err != nil {
		return "", err
	}
	return withDefault(rec.BootDevice, DefaultBootDevice), nil
}

// SetBootDevice records the boot device.
func (s *Service) SetBootDevice(ctx context.Context, identity, bootDevice string) error {
	return s.update(ctx, identity, func(rec *device.Record) {
		rec.BootDevice = bootDevice
	})
}

// BootMode returns the boot mode, "UEFI" if never set.
func (s *Service) BootMode(ctx context.Context, identity string) (string, error) {
	rec, err := s.inspect(ctx, identity)
	if err != nil {
		return "", err
	}
	return withDefault(rec.BootMode, DefaultBootMode), nil
}

// SetBootMode records the boot mode.
func (s *Service) SetBootMode(ctx context.Context, identity, bootMode string) error {
	return s.update(ctx, identity, func(rec *device.Record) {
		rec.BootMode = bootMode
	})
}

// SecureBoot reports whether secure boot is enabled. Defaults to false.
func (s *Service) SecureBoot(ctx context.Context, identity string) (bool, error) {
	rec, err := s.inspect(ctx, identity)
	if err != nil {
		return false, err
	}
	return rec.SecureBoot, nil
}

// SetSecureBoot records the secure boot flag.
func (s *Service) SetSecureBoot(ctx context.Context, identity string, enabled bool) error {
	return s.update(ctx, identity, func(rec *device.Record) {
		rec.SecureBoot = enabled
	})
}

// BootImage returns the virtual media slot for bootDevice. An empty slot
// is the zero BootImage.
func (s *Service) BootImage(ctx context.Context, identity, bootDevice string) (device.BootImage, error) {
	rec, err := s.inspect(ctx, identity)
	if err != nil {
		return device.BootImage{}, err
	}
	return rec.BootImages[bootDevice], nil
}

// BootImageOption adjusts SetBootImage.
type BootImageOption func(*device.BootImage)

// WriteProtected sets the write-protect flag of the inserted image. Images
// are write-protected unless told otherwise.
func WriteProtected(protected bool) BootImageOption {
	return func(b *device.BootImage) { b.WriteProtected = protected }
}

// SetBootImage inserts image into the bootDevice slot. An empty image
// ejects whatever was inserted.
func (s *Service) SetBootImage(ctx context.Context, identity, bootDevice, image string, opts ...BootImageOption) error {
	slot := device.BootImage{Image: image, WriteProtected: true, Inserted: image != ""}
	for _, opt := range opts {
		opt(&slot)
	}

	return s.update(ctx, identity, func(rec *device.Record) {
		if rec.BootImages == nil {
			rec.BootImages = make(map[string]device.BootImage)
		}
		rec.BootImages[bootDevice] = slot
	})
}

// NICs lists the configured network interfaces, identified by MAC.
func (s *Service) NICs(ctx context.Context, identity string) ([]NIC, error) {
	rec, err := s.inspect(ctx, identity)
	if err != nil {
		return nil, err
	}
	nics := make([]NIC, 0, len(rec.NICs))
	for _, n := range rec.NICs {
		nics = append(nics, NIC{ID: n.Address, MAC: n.Address})
	}
	return nics, nil
}

// Seed adds records for identities not yet in the registry, then probes
// every system whose state has never been read. That includes persisted
// records whose earlier probe failed. Existing records are otherwise left
// untouched. It returns the created identities.
func (s *Service) Seed(ctx context.Context, records []*device.Record) ([]string, error) {
	created, err := s.registry.Seed(ctx, records)
	if len(created) > 0 {
		s.logger.Info("new systems seeded", "count", len(created))
	}
	if perr := s.engine.Initialize(ctx); perr != nil {
		s.logger.Warn("initial probe interrupted", "error", perr)
	}
	if err != nil {
		return created, fmt.Errorf("seeding systems: %w", err)
	}
	return created, nil
}

func (s *Service) resolve(ctx context.Context, identity string) (string, error) {
	rec, _, err := s.registry.Lookup(ctx, identity)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (s *Service) inspect(ctx context.Context, identity string) (*device.Record, error) {
	id, err := s.resolve(ctx, identity)
	if err != nil {
		return nil, err
	}
	return s.engine.Inspect(ctx, id)
}

func (s *Service) update(ctx context.Context, identity string, fn func(*device.Record)) error {
	id, err := s.resolve(ctx, identity)
	if err != nil {
		return err
	}
	_, err = s.engine.Update(ctx, id, func(rec *device.Record) error {
		fn(rec)
		return nil
	})
	return err
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
