package system

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/middlewared/pkg/apierr"
	"github.com/cuemby/middlewared/pkg/events"
	"github.com/cuemby/middlewared/pkg/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validLicense = `id: LIC-0001
model: M50
system_serial: A1-123
system_serial_ha: A1-124
contract_type: GOLD
contract_start: "2026-01-01"
contract_end: "2029-01-01"
features: [DEDUP, FIBRECHANNEL]
`

func newState(t *testing.T, registry *hooks.Registry) (*State, *events.Broker, string) {
	t.Helper()
	dir := t.TempDir()
	bus := events.NewBroker()
	t.Cleanup(bus.Stop)
	s, err := New(Options{StateDir: dir, LicensePath: filepath.Join(dir, "license"), Version: "25.10.0"}, bus, registry)
	require.NoError(t, err)
	return s, bus, dir
}

func TestParseLicense(t *testing.T) {
	tests := []struct {
		name       string
		doc        string
		attributes []string
	}{
		{name: "valid", doc: validLicense},
		{
			name:       "missing fields",
			doc:        "id: X\nmodel: M40\n",
			attributes: []string{"license.system_serial", "license.contract_type", "license.contract_start", "license.contract_end"},
		},
		{
			name:       "bad values",
			doc:        "id: X\nmodel: M40\nsystem_serial: S\nsystem_serial_ha: S\ncontract_type: TIN\ncontract_start: 2026/01/01\ncontract_end: \"2027-01-01\"\nfeatures: [WARP]\n",
			attributes: []string{"license.system_serial_ha", "license.contract_type", "license.contract_start", "license.features[0]"},
		},
		{
			name:       "not a document",
			doc:        "id: [",
			attributes: []string{"license"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lic, err := ParseLicense([]byte(tt.doc))
			if tt.attributes == nil {
				require.NoError(t, err)
				assert.True(t, lic.HA())
				assert.True(t, lic.HasFeature("DEDUP"))
				assert.False(t, lic.Expired(time.Date(2028, 6, 1, 0, 0, 0, 0, time.UTC)))
				assert.True(t, lic.Expired(time.Date(2029, 1, 3, 0, 0, 0, 0, time.UTC)))
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, apierr.ErrValidation))
			var verrs *apierr.ValidationErrors
			require.True(t, errors.As(err, &verrs))
			var got []string
			for _, fe := range verrs.Errors {
				got = append(got, fe.Attribute)
			}
			assert.ElementsMatch(t, tt.attributes, got)
		})
	}
}

func TestBootState(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, firstBootFile), nil, 0o644))

	s, err := New(Options{StateDir: dir}, nil, nil)
	require.NoError(t, err)
	other, err := New(Options{StateDir: t.TempDir()}, nil, nil)
	require.NoError(t, err)

	assert.NotEqual(t, s.BootID(), other.BootID())
	assert.True(t, s.FirstBoot())
	assert.False(t, other.FirstBoot())

	require.NoError(t, s.CompleteFirstBoot())
	assert.True(t, s.FirstBoot())
	assert.NoFileExists(t, filepath.Join(dir, firstBootFile))

	assert.False(t, s.Ready())
	assert.False(t, s.BootReady())
	require.NoError(t, s.SetReady())
	require.NoError(t, s.SetReady())
	assert.True(t, s.Ready())
	assert.True(t, s.BootReady())

	s.BeginShutdown()
	assert.True(t, s.ShuttingDown())
	assert.Equal(t, ProductScale, s.ProductType())
}

func TestUpdateLicenseFiresHook(t *testing.T) {
	registry := hooks.NewRegistry(2)
	var (
		mu    sync.Mutex
		prevs []string
	)
	require.NoError(t, registry.Register(hooks.SystemPostLicenseUpdate, hooks.Hook{
		ID:   "record",
		Sync: true,
		Fn: func(_ context.Context, args ...any) error {
			mu.Lock()
			prevs = append(prevs, args[0].(string))
			mu.Unlock()
			return nil
		},
	}))
	s, bus, dir := newState(t, registry)

	var changes []any
	var cmu sync.Mutex
	bus.Subscribe(EventName, func(e *events.Event) {
		cmu.Lock()
		changes = append(changes, e.ID)
		cmu.Unlock()
	})

	require.NoError(t, s.UpdateLicense(context.Background(), []byte(validLicense)))
	assert.Equal(t, ProductScaleEnterprise, s.ProductType())
	assert.True(t, s.HA())
	assert.Equal(t, "LIC-0001", s.License().ID)

	data, err := os.ReadFile(filepath.Join(dir, "license"))
	require.NoError(t, err)
	assert.Equal(t, validLicense, string(data))

	// Applying the same license again changes nothing.
	require.NoError(t, s.UpdateLicense(context.Background(), []byte(validLicense)))

	mu.Lock()
	assert.Equal(t, []string{ProductScale}, prevs)
	mu.Unlock()

	require.Eventually(t, func() bool {
		cmu.Lock()
		defer cmu.Unlock()
		return len(changes) == 1 && changes[0] == "license"
	}, time.Second, 5*time.Millisecond)
}

func TestUpdateLicenseRejectsInvalid(t *testing.T) {
	s, _, dir := newState(t, nil)
	err := s.UpdateLicense(context.Background(), []byte("id: X\n"))
	require.Error(t, err)
	assert.Nil(t, s.License())
	assert.NoFileExists(t, filepath.Join(dir, "license"))
}

func TestWatchReloadsExternalEdits(t *testing.T) {
	s, _, dir := newState(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()

	// Give the watcher time to register the directory.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(dir, "license"), []byte(validLicense), 0o600)
		return s.ProductType() == ProductScaleEnterprise
	}, 3*time.Second, 50*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "license")))
	require.Eventually(t, func() bool {
		return s.ProductType() == ProductScale
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
