package system

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/middlewared/pkg/events"
	"github.com/cuemby/middlewared/pkg/hooks"
	"github.com/cuemby/middlewared/pkg/log"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventName is the event system state changes are published on.
const EventName = "system"

// Product types
const (
	ProductScale           = "SCALE"
	ProductScaleEnterprise = "SCALE_ENTERPRISE"
)

const (
	firstBootFile = "first-boot"
	bootReadyFile = ".bootready"
)

// Options configures State.
type Options struct {
	StateDir    string
	LicensePath string
	Version     string
}

// State holds the process-wide system state. It is created once by the
// process entry point and handed to the components that need it.
type State struct {
	opts   Options
	bus    *events.Broker
	hooks  *hooks.Registry
	logger zerolog.Logger

	bootID    string
	firstBoot bool
	started   time.Time

	ready        atomic.Bool
	shuttingDown atomic.Bool

	mu      sync.RWMutex
	license *License
}

// Info is a snapshot of the system state
type Info struct {
	BootID       string   `json:"boot_id"`
	Version      string   `json:"version"`
	Ready        bool     `json:"ready"`
	ShuttingDown bool     `json:"shutting_down"`
	FirstBoot    bool     `json:"first_boot"`
	ProductType  string   `json:"product_type"`
	HA           bool     `json:"ha"`
	License      *License `json:"license"`
	Uptime       float64  `json:"uptime_seconds"`
}

// New creates the system state. A new boot id is generated and the
// first-boot sentinel is read once. A missing license file is not an
// error; an invalid one is logged and ignored.
func New(opts Options, bus *events.Broker, registry *hooks.Registry) (*State, error) {
	if opts.StateDir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if err := os.MkdirAll(opts.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	if bus == nil {
		bus = events.NewBroker()
	}
	if registry == nil {
		registry = hooks.NewRegistry(1)
	}
	bus.Register(EventName, "System ready, shutdown or license change")

	s := &State{
		opts:    opts,
		bus:     bus,
		hooks:   registry,
		logger:  log.WithComponent("system"),
		bootID:  uuid.New().String(),
		started: time.Now(),
	}
	if _, err := os.Stat(filepath.Join(opts.StateDir, firstBootFile)); err == nil {
		s.firstBoot = true
	}

	lic, err := s.readLicense()
	if err != nil {
		s.logger.Warn().Err(err).Str("path", opts.LicensePath).Msg("Ignoring invalid license")
	}
	s.license = lic
	return s, nil
}

// BootID changes on every process start.
func (s *State) BootID() string {
	return s.bootID
}

// Version is the running software version.
func (s *State) Version() string {
	return s.opts.Version
}

// FirstBoot reports whether the first-boot sentinel existed at start.
func (s *State) FirstBoot() bool {
	return s.firstBoot
}

// CompleteFirstBoot removes the first-boot sentinel so the next start is
// a regular boot. FirstBoot keeps its value for this process.
func (s *State) CompleteFirstBoot() error {
	err := os.Remove(filepath.Join(s.opts.StateDir, firstBootFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove first boot sentinel: %w", err)
	}
	return nil
}

// Ready reports whether boot has completed.
func (s *State) Ready() bool {
	return s.ready.Load()
}

// BootReady reports whether the boot-ready sentinel exists. Unlike Ready
// it survives a middleware restart within the same boot.
func (s *State) BootReady() bool {
	_, err := os.Stat(filepath.Join(s.opts.StateDir, bootReadyFile))
	return err == nil
}

// SetReady marks boot as complete. Only the first call has an effect.
func (s *State) SetReady() error {
	if !s.ready.CompareAndSwap(false, true) {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(s.opts.StateDir, bootReadyFile), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create boot ready sentinel: %w", err)
	}
	_ = f.Close()
	s.logger.Info().Str("boot_id", s.bootID).Msg("System ready")
	s.publish("ready")
	return nil
}

// ShuttingDown reports whether shutdown has begun.
func (s *State) ShuttingDown() bool {
	return s.shuttingDown.Load()
}

// BeginShutdown flags the system as shutting down. Only the first call
// has an effect.
func (s *State) BeginShutdown() {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info().Msg("System shutting down")
	s.publish("shutdown")
}

// License returns a copy of the current license, or nil.
func (s *State) License() *License {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.license == nil {
		return nil
	}
	lic := *s.license
	lic.Features = append([]string(nil), s.license.Features...)
	return &lic
}

// ProductType derives the product from the license.
func (s *State) ProductType() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return productType(s.license)
}

func productType(lic *License) string {
	if lic == nil {
		return ProductScale
	}
	return ProductScaleEnterprise
}

// HA reports whether this is licensed as a two-controller system.
func (s *State) HA() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.license != nil && s.license.HA()
}

// Info returns a snapshot of the system state.
func (s *State) Info() Info {
	return Info{
		BootID:       s.bootID,
		Version:      s.opts.Version,
		Ready:        s.Ready(),
		ShuttingDown: s.ShuttingDown(),
		FirstBoot:    s.firstBoot,
		ProductType:  s.ProductType(),
		HA:           s.HA(),
		License:      s.License(),
		Uptime:       time.Since(s.started).Seconds(),
	}
}

// UpdateLicense validates data, writes it to the license file and applies
// it. Dependent components are told through the
// system.post_license_update hook, which receives the previous product
// type.
func (s *State) UpdateLicense(ctx context.Context, data []byte) error {
	lic, err := ParseLicense(data)
	if err != nil {
		return err
	}
	if s.opts.LicensePath == "" {
		return fmt.Errorf("license path is not configured")
	}
	if err := writeFileAtomic(s.opts.LicensePath, data, 0o600); err != nil {
		return err
	}
	return s.apply(ctx, lic)
}

// Reload re-reads the license file and applies it if it changed.
func (s *State) Reload(ctx context.Context) error {
	lic, err := s.readLicense()
	if err != nil {
		return err
	}
	return s.apply(ctx, lic)
}

func (s *State) apply(ctx context.Context, lic *License) error {
	s.mu.Lock()
	if reflect.DeepEqual(s.license, lic) {
		s.mu.Unlock()
		return nil
	}
	prev := productType(s.license)
	s.license = lic
	s.mu.Unlock()

	s.logger.Info().Str("prev_product_type", prev).Str("product_type", productType(lic)).Msg("License updated")
	s.publish("license")
	if err := s.hooks.Call(ctx, hooks.SystemPostLicenseUpdate, prev); err != nil {
		return fmt.Errorf("license update hooks failed: %w", err)
	}
	return nil
}

func (s *State) readLicense() (*License, error) {
	if s.opts.LicensePath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.opts.LicensePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read license: %w", err)
	}
	return ParseLicense(data)
}

func (s *State) publish(what string) {
	info := s.Info()
	s.bus.Send(EventName, events.Changed, what, map[string]any{
		"boot_id":       info.BootID,
		"ready":         info.Ready,
		"shutting_down": info.ShuttingDown,
		"first_boot":    info.FirstBoot,
		"product_type":  info.ProductType,
		"ha":            info.HA,
	})
}

// Watch reloads the license whenever the file is changed by something
// other than UpdateLicense. It blocks until ctx is done.
func (s *State) Watch(ctx context.Context) error {
	if s.opts.LicensePath == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create license watcher: %w", err)
	}
	defer watcher.Close()

	// The directory is watched so that atomic replacement and
	// re-creation of the file are seen.
	dir := filepath.Dir(s.opts.LicensePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create license directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	name := filepath.Clean(s.opts.LicensePath)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to reload license")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(err).Msg("License watcher error")
		case <-ctx.Done():
			return nil
		}
	}
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
