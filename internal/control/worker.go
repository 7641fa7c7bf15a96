package control

import (
	"time"

	apperrors "github.com/crossdeck/crossdeck/internal/errors"
	"github.com/crossdeck/crossdeck/internal/identity"
	"github.com/crossdeck/crossdeck/internal/session"
	"github.com/crossdeck/crossdeck/pkg/protocol"
)

type jobKind uint8

const (
	jobSend jobKind = iota + 1
	jobTelemetryOut
	jobInbound
	jobTelemetryIn
)

func (k jobKind) String() string {
	switch k {
	case jobSend:
		return "send"
	case jobTelemetryOut:
		return "telemetry-out"
	case jobInbound:
		return "inbound"
	case jobTelemetryIn:
		return "telemetry-in"
	default:
		return "unknown"
	}
}

type job struct {
	kind    jobKind
	episode uint64
	sess    *session.Session
	cmd     protocol.Command
	targets []identity.Peer
	data    []byte
	from    identity.Peer
}

// worker encodes, decodes and dispatches off the loop goroutine. Results go
// back to the loop through post and are dropped if the episode has ended.
func (m *Manager) worker() {
	defer close(m.workDone)
	for {
		select {
		case <-m.ctx.Done():
			return
		case j := <-m.jobs:
			m.run(j)
		}
	}
}

func (m *Manager) run(j job) {
	switch j.kind {
	case jobSend:
		data, err := protocol.Encode(j.cmd)
		if err != nil {
			m.report(j.episode, apperrors.MalformedCommand(err))
			return
		}
		if err := j.sess.Send(data, j.targets, session.Reliable); err != nil {
			m.logger.Warn("send failed", "command", j.cmd.Type.String(), "error", err)
			m.report(j.episode, err)
			return
		}
		m.logger.Debug("command sent", "command", j.cmd.Type.String(), "targets", len(j.targets))

	case jobTelemetryOut:
		if err := j.sess.Send(j.data, j.targets, session.Unreliable); err != nil {
			m.report(j.episode, err)
		}

	case jobTelemetryIn:
		m.opts.Telemetry(j.from, j.data)

	case jobInbound:
		log := m.logger.With("peer", j.from.DisplayName)
		cmd, err := protocol.Decode(j.data)
		if err != nil {
			log.Warn("dropping malformed command", "error", err, "bytes", len(j.data))
			m.report(j.episode, apperrors.MalformedCommand(err))
			return
		}
		outcome, err := m.router.Dispatch(m.ctx, cmd, j.from)
		rc := ReceivedCommand{
			Command:    cmd,
			From:       j.from,
			Outcome:    outcome.String(),
			ReceivedAt: time.Now(),
		}
		m.post(func() {
			if j.episode != m.episode {
				return
			}
			m.recordReceived(rc)
			if err != nil {
				m.setError(err)
			}
			m.publish()
		})
	}
}

// report records err on the loop if the job's episode is still current.
func (m *Manager) report(episode uint64, err error) {
	m.post(func() {
		if episode != m.episode {
			return
		}
		m.setError(err)
		m.publish()
	})
}
