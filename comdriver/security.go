package comdriver

import (
	"encoding/binary"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/LoveWonYoung/osycomm/routing"
	"github.com/LoveWonYoung/osycomm/tp"
	"github.com/LoveWonYoung/osycomm/uds"
)

const (
	// Non-secure servers accept this key and hand out this seed.
	nonSecureKey  = 23
	nonSecureSeed = 42

	signatureSize = 128
)

// routingSession is the session routers have to be in to forward traffic.
func (d *Driver) routingSession() uint8 {
	if d.cfg.Mode == routing.ModeUpdate {
		return uds.SessionPreProgramming
	}
	return uds.SessionExtendedDiagnostic
}

// setSession switches svc to session unless it is active already. A refused
// session is tried once more as extended diagnosis.
func (d *Driver) setSession(svc ProtocolService, server tp.NodeID, session uint8) error {
	if current, err := svc.ReadActiveDiagnosticSession(); err == nil && current == session {
		return nil
	}
	err := svc.DiagnosticSessionControl(session)
	if err == nil {
		return nil
	}
	var er *tp.ErrorResponse
	if !errors.As(err, &er) || session == uds.SessionExtendedDiagnostic {
		return errors.Wrapf(err, "session 0x%02X on %s", session, server)
	}
	d.logger.Info("session refused, falling back to extended diagnosis",
		zap.Stringer("server", server), zap.Uint8("session", session), zap.Error(err))
	if err := svc.DiagnosticSessionControl(uds.SessionExtendedDiagnostic); err != nil {
		return errors.Wrapf(err, "fallback session on %s", server)
	}
	return nil
}

// securityAccess unlocks level on svc. A server that still enforces its
// delay after a failed attempt gets exactly one retry.
func (d *Driver) securityAccess(svc ProtocolService, server tp.NodeID, level uint8) error {
	return retry.Do(
		func() error { return d.unlock(svc, server, level) },
		retry.Attempts(2),
		retry.Delay(d.cfg.SecurityRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.WithTimer(d.clock),
		retry.RetryIf(func(err error) bool {
			return tp.IsErrorResponse(err, uds.NRCRequiredTimeDelayNotExpired)
		}),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Info("security access delayed, retrying", zap.Stringer("server", server), zap.Error(err))
		}),
	)
}

func (d *Driver) unlock(svc ProtocolService, server tp.NodeID, level uint8) error {
	seed, secure, err := svc.SecurityAccessRequestSeed(level)
	if err != nil {
		return errors.Wrapf(err, "request seed level %d from %s", level, server)
	}
	if !secure {
		if seed != nonSecureSeed {
			d.logger.Warn("unexpected seed from non-secure server",
				zap.Stringer("server", server), zap.Uint64("seed", seed))
		}
		key := binary.BigEndian.AppendUint32(nil, nonSecureKey)
		return errors.Wrapf(svc.SecurityAccessSendKey(level, key), "send key level %d to %s", level, server)
	}

	if d.cfg.Keys == nil || d.cfg.Signer == nil {
		return errors.Wrapf(tp.ErrNotConfigured, "%s runs secure but no key store is set", server)
	}
	serial, err := svc.ReadCertificateSerialNumber()
	if err != nil {
		return errors.Wrapf(err, "read certificate serial of %s", server)
	}
	key, err := d.cfg.Keys.PrivateKey(serial)
	if err != nil {
		return errors.Wrapf(tp.ErrSecurityHandshake, "no key for certificate %X: %v", serial, err)
	}
	signature, err := d.cfg.Signer.Sign(key, binary.BigEndian.AppendUint64(nil, seed))
	if err != nil {
		return errors.Wrapf(tp.ErrSecurityHandshake, "sign seed for %s: %v", server, err)
	}
	if len(signature) != signatureSize {
		return errors.Wrapf(tp.ErrSecurityHandshake, "signature has %d bytes, want %d", len(signature), signatureSize)
	}
	return errors.Wrapf(svc.SecurityAccessSendKey(level, signature), "send key level %d to %s", level, server)
}

// elevate sets session and, for a non-zero level, unlocks it.
func (d *Driver) elevate(svc ProtocolService, server tp.NodeID, session, level uint8) error {
	if err := d.setSession(svc, server, session); err != nil {
		return err
	}
	if level == 0 {
		return nil
	}
	return d.securityAccess(svc, server, level)
}

func (d *Driver) SetSessionAndSecurityLevel(index int, session, level uint8) error {
	n, err := d.node(index)
	if err != nil {
		return err
	}
	return d.elevate(n.service, n.server, session, level)
}

// SetSessionAndSecurityLevelForAll runs the session change on every active
// node, then security access on every node whose session change succeeded.
// A node that timed out is not contacted again. The result holds one entry
// per active node, nil on success.
func (d *Driver) SetSessionAndSecurityLevelForAll(session, level uint8) map[int]error {
	results := make(map[int]error, len(d.nodes))
	for _, n := range d.nodes {
		results[n.index] = d.setSession(n.service, n.server, session)
	}
	if level == 0 {
		return results
	}
	for _, n := range d.nodes {
		if err := results[n.index]; err != nil {
			d.logger.Debug("skip security access", zap.Stringer("server", n.server), zap.Error(err))
			continue
		}
		if err := d.securityAccess(n.service, n.server, level); err != nil {
			results[n.index] = err
		}
	}
	return results
}
