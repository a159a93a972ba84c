package integrity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/i5heu/ouroboros-svdb/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

// AutoRepair fetches every queued target from the peers, reinserts the
// verified bytes and verifies the state again. Targets no peer could
// supply stay queued; the run then fails with ErrUnrecoverable and
// further runs are refused with ErrRepairCooldown until the cooldown
// expires. Concurrent calls share one run.
func (m *Manager) AutoRepair(ctx context.Context) error {
	_, err, _ := m.repair.Do("repair", func() (interface{}, error) {
		return nil, m.autoRepair(ctx)
	})
	return err
}

func (m *Manager) autoRepair(ctx context.Context) error {
	m.mu.Lock()
	until := m.cooldownUntil
	m.mu.Unlock()
	if now := m.cfg.Now(); now.Before(until) {
		m.cfg.Metrics.Repair("cooldown")
		return fmt.Errorf("%w until %s", ErrRepairCooldown, until.Format("15:04:05"))
	}

	ok, err := m.Verify(ctx)
	if err != nil {
		return err
	}
	targets := m.Pending()
	if ok && len(targets) == 0 {
		m.cfg.Metrics.Repair("clean")
		return nil
	}

	runID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "integrity.AutoRepair")
	defer span.End()
	span.SetAttributes(attribute.String("svdb.repair.run", runID), attribute.Int("svdb.repair.targets", len(targets)))
	log := m.log.With(logKeyRun, runID)
	log.Warn("state corruption detected, repairing from peers", "targets", len(targets), "peers", len(m.cfg.Peers))

	var failed []error
	for _, t := range targets {
		if err := m.repairTarget(ctx, log, t); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.cfg.Metrics.RepairTarget(t.Kind.String(), "failed")
			failed = append(failed, fmt.Errorf("%s: %w", t, err))
			continue
		}
		m.cfg.Metrics.RepairTarget(t.Kind.String(), "repaired")
		m.resolve(t)
	}

	if len(failed) > 0 {
		m.armCooldown()
		err := fmt.Errorf("%w: %d of %d targets exhausted all peers: %w",
			ErrUnrecoverable, len(failed), len(targets), errors.Join(failed...))
		span.RecordError(err)
		span.SetStatus(codes.Error, "unrecoverable")
		m.cfg.Metrics.Repair("unrecoverable")
		log.Error("repair left unrecoverable targets", logKeyErr, err)
		return err
	}

	ok, err = m.Verify(ctx)
	if err != nil {
		return err
	}
	if !ok {
		m.armCooldown()
		m.cfg.Metrics.Repair("unrecoverable")
		return fmt.Errorf("%w: trie still missing nodes after repair", ErrUnrecoverable)
	}
	m.cfg.Metrics.Repair("repaired")
	log.Info("repair finished", "targets", len(targets))
	return nil
}

func (m *Manager) armCooldown() {
	m.mu.Lock()
	m.cooldownUntil = m.cfg.Now().Add(m.cfg.Cooldown)
	m.mu.Unlock()
}

// repairTarget asks the peers in order until one returns bytes that verify
// and can be reinserted.
func (m *Manager) repairTarget(ctx context.Context, log *slog.Logger, t Target) error {
	if len(m.cfg.Peers) == 0 {
		return errors.New("no peers configured")
	}
	var errs []error
	for _, p := range m.cfg.Peers {
		data, err := m.fetch(ctx, p, t)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Debug("peer could not supply target", logKeyPeer, p.Name, logKeyTarget, t, logKeyErr, err)
			errs = append(errs, fmt.Errorf("peer %s: %w", p.Name, err))
			continue
		}
		if err := m.cfg.Reinserter.Reinsert(ctx, t, data); err != nil {
			return fmt.Errorf("reinsert: %w", err)
		}
		log.Info("target repaired", logKeyPeer, p.Name, logKeyTarget, t)
		return nil
	}
	return errors.Join(errs...)
}

// fetch requests t from one peer with a timeout per attempt and
// exponential backoff between attempts. Responses that fail verification
// and peers that do not have the target are not retried.
func (m *Manager) fetch(ctx context.Context, p Peer, t Target) ([]byte, error) {
	lim := m.limiter(p.Name)
	req := t.Request()

	var data []byte
	op := func() error {
		if err := lim.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		cctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
		defer cancel()

		got, err := p.Fetcher.RequestState(cctx, req)
		switch {
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case errors.Is(err, storage.ErrNotFound):
			m.cfg.Metrics.PeerRequest("not_found")
			return backoff.Permanent(err)
		case err != nil:
			m.cfg.Metrics.PeerRequest("error")
			return err
		}
		if err := t.Verify(got); err != nil {
			m.cfg.Metrics.PeerRequest("invalid")
			return backoff.Permanent(err)
		}
		m.cfg.Metrics.PeerRequest("ok")
		data = got
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BackoffInitial
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.cfg.MaxAttempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return data, nil
}

func (m *Manager) limiter(peer string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	lim, ok := m.limiters[peer]
	if !ok {
		lim = rate.NewLimiter(m.cfg.PeerRate, m.cfg.PeerBurst)
		m.limiters[peer] = lim
	}
	return lim
}
