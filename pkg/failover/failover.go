package failover

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cuemby/middlewared/pkg/apierr"
	"github.com/cuemby/middlewared/pkg/datastore"
	"github.com/cuemby/middlewared/pkg/events"
	"github.com/cuemby/middlewared/pkg/log"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// EventName is the event role changes are published on.
const EventName = "failover.status"

// HealthService is the gRPC health service probed on the peer.
const HealthService = "middlewared"

// chunkSize is the raw size of one database chunk shipped to the peer.
const chunkSize = 4 << 20

// Options configures a Failover.
type Options struct {
	Enabled      bool
	Node         string
	LocalVersion string
	PeerGRPC     string
	ProbeTimeout time.Duration
}

// Resetter receives the marker that discards pending journal entries.
type Resetter interface {
	PutReset()
}

// PeerState is a snapshot of the HA pair as seen from this node.
type PeerState struct {
	Node          string `json:"node"`
	Role          Status `json:"role"`
	PeerReachable bool   `json:"peer_reachable"`
	PeerVersion   string `json:"peer_version,omitempty"`
	LocalVersion  string `json:"local_version"`
}

// Failover tracks the HA role of this node and talks to the peer.
type Failover struct {
	opts   Options
	db     *datastore.Engine
	bus    *events.Broker
	remote *Remote
	logger zerolog.Logger

	mu     sync.RWMutex
	status Status

	probeMu   sync.Mutex
	probeConn *grpc.ClientConn
}

// New creates a new Failover. remote may be nil when HA is disabled.
func New(opts Options, db *datastore.Engine, bus *events.Broker, remote *Remote) *Failover {
	if bus == nil {
		bus = events.NewBroker()
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	bus.Register(EventName, "HA role of this node changed")

	status := StatusSingle
	if opts.Enabled {
		status = StatusBackup
		if opts.Node == "A" {
			status = StatusMaster
		}
	}
	return &Failover{
		opts:   opts,
		db:     db,
		bus:    bus,
		remote: remote,
		status: status,
		logger: log.WithComponent("failover"),
	}
}

// Enabled reports whether HA is configured.
func (f *Failover) Enabled() bool {
	return f.opts.Enabled
}

// Remote returns the peer link, or nil.
func (f *Failover) Remote() *Remote {
	return f.remote
}

// Status returns the local HA role.
func (f *Failover) Status(ctx context.Context) (Status, error) {
	if !f.opts.Enabled {
		return StatusSingle, nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.status, nil
}

// SetStatus records a role change reported by the failover machinery.
func (f *Failover) SetStatus(s Status) error {
	if !s.Valid() {
		return apierr.New(int(unix.EINVAL), "Invalid failover status %q", s)
	}
	if !f.opts.Enabled && s != StatusSingle {
		return apierr.New(int(unix.EINVAL), "HA is not enabled")
	}

	f.mu.Lock()
	prev := f.status
	f.status = s
	f.mu.Unlock()

	if prev != s {
		f.logger.Info().Str("from", string(prev)).Str("to", string(s)).Msg("Failover status changed")
		f.bus.Send(EventName, events.Changed, nil, map[string]any{"status": string(s), "previous": string(prev)})
	}
	return nil
}

// LocalVersion returns the software version of this node.
func (f *Failover) LocalVersion() string {
	return f.opts.LocalVersion
}

// RemoteVersion asks the peer for its software version.
func (f *Failover) RemoteVersion(ctx context.Context) (string, error) {
	if f.remote == nil {
		return "", apierr.PeerUnreachable(errors.New("HA is not enabled"))
	}
	var v string
	if err := f.remote.CallInto(ctx, &v, "system.version"); err != nil {
		if errors.Is(err, apierr.ErrPeerUnreachable) {
			return "", err
		}
		return "", apierr.UnknownOSVersion(err)
	}
	if v == "" {
		return "", apierr.UnknownOSVersion(errors.New("empty version"))
	}
	return v, nil
}

// ApplySQL runs one journaled statement on the peer.
func (f *Failover) ApplySQL(ctx context.Context, query string, params []any) error {
	if f.remote == nil {
		return apierr.PeerUnreachable(errors.New("HA is not enabled"))
	}
	if params == nil {
		params = []any{}
	}
	_, err := f.remote.Call(ctx, "datastore.sql", query, params)
	return err
}

// Probe checks the peer's gRPC health service. Without a configured
// address it falls back to a ping over the RPC link.
func (f *Failover) Probe(ctx context.Context) bool {
	if f.remote == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, f.opts.ProbeTimeout)
	defer cancel()

	if f.opts.PeerGRPC == "" {
		return f.remote.Ping(ctx) == nil
	}

	conn, err := f.probeClient()
	if err != nil {
		f.logger.Debug().Err(err).Msg("Failed to create peer health client")
		return false
	}
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
	if err != nil {
		f.logger.Debug().Err(err).Msg("Peer health check failed")
		return false
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

func (f *Failover) probeClient() (*grpc.ClientConn, error) {
	f.probeMu.Lock()
	defer f.probeMu.Unlock()
	if f.probeConn != nil {
		return f.probeConn, nil
	}
	conn, err := grpc.NewClient(f.opts.PeerGRPC, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	f.probeConn = conn
	return conn, nil
}

// PeerState reports this node's role, whether the peer answers and the
// peer's version.
func (f *Failover) PeerState(ctx context.Context) PeerState {
	role, _ := f.Status(ctx)
	st := PeerState{
		Node:         f.opts.Node,
		Role:         role,
		LocalVersion: f.opts.LocalVersion,
	}
	if !f.opts.Enabled {
		return st
	}
	st.PeerReachable = f.Probe(ctx)
	if st.PeerReachable {
		if v, err := f.RemoteVersion(ctx); err == nil {
			st.PeerVersion = v
		}
	}
	return st
}

// SendDatabase ships the whole configuration database to the peer and has
// it swap the copy in. It runs under the datastore write lock and first
// tells the journal that pending entries are covered by the copy.
func (f *Failover) SendDatabase(ctx context.Context, journal Resetter) error {
	if f.remote == nil {
		return apierr.PeerUnreachable(errors.New("HA is not enabled"))
	}
	return f.db.WithWriteLock(ctx, func(ctx context.Context) error {
		journal.PutReset()

		file, err := os.Open(f.db.Path())
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer file.Close()

		buf := make([]byte, chunkSize)
		sent := 0
		for {
			n, err := io.ReadFull(file, buf)
			if n > 0 {
				chunk := base64.StdEncoding.EncodeToString(buf[:n])
				if _, cerr := f.remote.Call(ctx, "failover.receive_database_chunk", chunk, sent > 0); cerr != nil {
					return fmt.Errorf("failed to send database chunk: %w", cerr)
				}
				sent += n
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			if err != nil {
				return fmt.Errorf("failed to read database: %w", err)
			}
		}

		if _, err := f.remote.Call(ctx, "failover.receive_database"); err != nil {
			return fmt.Errorf("peer failed to load database: %w", err)
		}
		f.logger.Info().Int("bytes", sent).Msg("Database sent to peer")
		return nil
	})
}

func (f *Failover) incomingPath() string {
	return f.db.Path() + ".sync"
}

// ReceiveDatabaseChunk stores one base64 chunk of a database sent by the
// peer. The first chunk truncates any previous partial copy.
func (f *Failover) ReceiveDatabaseChunk(chunk string, appendChunk bool) error {
	data, err := base64.StdEncoding.DecodeString(chunk)
	if err != nil {
		return apierr.New(int(unix.EINVAL), "Invalid database chunk: %v", err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendChunk {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(f.incomingPath(), flags, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open incoming database: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("failed to write incoming database: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync incoming database: %w", err)
	}
	return file.Close()
}

// ReceiveDatabase swaps in the database received from the peer.
func (f *Failover) ReceiveDatabase(ctx context.Context) error {
	if _, err := os.Stat(f.incomingPath()); err != nil {
		return apierr.NotFound("incoming database")
	}
	if err := f.db.Swap(ctx, f.incomingPath()); err != nil {
		return err
	}
	f.logger.Info().Uint64("generation", f.db.Generation()).Msg("Database received from peer")
	return nil
}

// Close releases the peer connections.
func (f *Failover) Close() error {
	f.probeMu.Lock()
	if f.probeConn != nil {
		_ = f.probeConn.Close()
		f.probeConn = nil
	}
	f.probeMu.Unlock()
	if f.remote != nil {
		return f.remote.Close()
	}
	return nil
}
