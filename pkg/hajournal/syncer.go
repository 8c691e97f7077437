package hajournal

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/middlewared/pkg/alert"
	"github.com/cuemby/middlewared/pkg/apierr"
	"github.com/cuemby/middlewared/pkg/failover"
	"github.com/cuemby/middlewared/pkg/log"
	"github.com/cuemby/middlewared/pkg/metrics"
	"github.com/rs/zerolog"
)

// Failover is what the syncer needs from the HA layer.
type Failover interface {
	// Status returns the local HA role.
	Status(ctx context.Context) (failover.Status, error)
	LocalVersion() string
	RemoteVersion(ctx context.Context) (string, error)
	// ApplySQL runs a statement on the peer through datastore.sql.
	ApplySQL(ctx context.Context, query string, params []any) error
}

// Alerter raises and clears one-shot alerts.
type Alerter interface {
	OneshotCreate(klass string, args map[string]any) (*alert.Alert, error)
	OneshotDelete(klass string, query map[string]any) int
}

// Syncer moves statements from the queue into the journal and flushes the
// journal to the peer.
type Syncer struct {
	journal *Journal
	queue   *Queue
	ha      Failover
	alerts  Alerter
	retry   time.Duration
	logger  zerolog.Logger

	status     failover.Status
	syncFailed bool
	lastFailed bool
}

// NewSyncer creates a new Syncer. retry is the pause between attempts while
// the peer is behind.
func NewSyncer(journal *Journal, queue *Queue, ha Failover, alerts Alerter, retry time.Duration) *Syncer {
	if retry <= 0 {
		retry = 5 * time.Second
	}
	return &Syncer{
		journal: journal,
		queue:   queue,
		ha:      ha,
		alerts:  alerts,
		retry:   retry,
		logger:  log.WithComponent("hajournal"),
	}
}

// Journal returns the journal the syncer flushes.
func (s *Syncer) Journal() *Journal {
	return s.journal
}

// Queue returns the queue the syncer consumes.
func (s *Syncer) Queue() *Queue {
	return s.queue
}

// Run processes the journal until ctx is done. After a complete flush it
// sleeps until a new statement is queued, otherwise it retries after the
// retry interval.
func (s *Syncer) Run(ctx context.Context) {
	s.logger.Info().Msg("HA journal syncer started")
	for {
		synced := s.Process(ctx)

		var timeout time.Duration
		if !synced {
			timeout = s.retry
		}
		s.queue.Wait(ctx, timeout)

		if ctx.Err() != nil {
			if err := s.journal.Write(); err != nil {
				s.logger.Error().Err(err).Msg("Failed to persist journal")
			}
			s.logger.Info().Msg("HA journal syncer stopped")
			return
		}
	}
}

// Process performs one sync round and reports whether the peer is fully
// caught up.
func (s *Syncer) Process(ctx context.Context) bool {
	s.updateStatus(ctx)

	if s.status != failover.StatusMaster {
		if n := s.journal.Len(); n > 0 {
			s.logger.Warn().Str("status", string(s.status)).Int("entries", n).Msg("Node is not MASTER but has queries in journal")
		}
		s.journal.Clear()
	}

	s.consume()

	synced := true
	if s.status == failover.StatusMaster && s.journal.Len() > 0 {
		synced = s.checkVersion(ctx) && s.flush(ctx)
	}

	if err := s.journal.Write(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist journal")
	}
	return synced && s.journal.Len() == 0
}

func (s *Syncer) updateStatus(ctx context.Context) {
	st, err := s.ha.Status(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to determine failover status")
		st = failover.StatusError
	}
	s.status = st
}

func (s *Syncer) consume() {
	for _, it := range s.queue.drain() {
		if it.reset {
			s.journal.Clear()
			continue
		}
		switch s.status {
		case failover.StatusSingle:
		case failover.StatusMaster:
			s.journal.Append(it.entry)
		default:
			s.logger.Warn().Str("status", string(s.status)).Str("sql", it.entry.SQL).Msg("Node is not MASTER but executed SQL query")
		}
	}
}

func (s *Syncer) checkVersion(ctx context.Context) bool {
	local := s.ha.LocalVersion()
	remote, err := s.ha.RemoteVersion(ctx)
	switch {
	case errors.Is(err, apierr.ErrPeerUnreachable):
		s.logger.Trace().Err(err).Msg("Skipping journal sync, peer is down")
		return false
	case err != nil:
		s.logger.Warn().Err(err).Msg("Unable to determine remote version")
		s.raise(alert.UnableToDetermineOSVersion.Name, map[string]any{"error": err.Error()})
		return false
	}
	s.alerts.OneshotDelete(alert.UnableToDetermineOSVersion.Name, nil)

	if local != remote {
		s.logger.Warn().Str("local", local).Str("remote", remote).Msg("Version mismatch, holding journal")
		s.raise(alert.OSVersionMismatch.Name, map[string]any{"local": local, "remote": remote})
		return false
	}
	s.alerts.OneshotDelete(alert.OSVersionMismatch.Name, nil)
	return true
}

func (s *Syncer) flush(ctx context.Context) bool {
	for {
		e, ok := s.journal.Peek()
		if !ok {
			return true
		}

		if err := s.ha.ApplySQL(ctx, e.SQL, e.Params); err != nil {
			metrics.JournalFlushFailures.Inc()
			if errors.Is(err, apierr.ErrPeerUnreachable) || ctx.Err() != nil {
				s.logger.Trace().Err(err).Msg("Skipping journal sync, peer is down")
				return false
			}
			if !s.lastFailed {
				s.logger.Error().Err(err).Str("sql", e.SQL).Msg("Failed to apply query on peer")
				s.lastFailed = true
			}
			if !s.syncFailed {
				s.raise(alert.FailoverSyncFailed.Name, map[string]any{"error": err.Error()})
				s.syncFailed = true
			}
			return false
		}

		s.lastFailed = false
		if s.syncFailed {
			s.alerts.OneshotDelete(alert.FailoverSyncFailed.Name, nil)
			s.syncFailed = false
		}
		s.journal.Shift()
		metrics.JournalFlushed.Inc()
		if err := s.journal.Write(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to persist journal")
		}
	}
}

func (s *Syncer) raise(klass string, args map[string]any) {
	if _, err := s.alerts.OneshotCreate(klass, args); err != nil {
		s.logger.Error().Err(err).Str("klass", klass).Msg("Failed to raise alert")
	}
}
