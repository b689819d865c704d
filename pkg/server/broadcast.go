package server

import (
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aeolun/lanchat/pkg/protocol"
)

const defaultBroadcastWorkers = 32

// broadcast sends env (and binary, if non-nil) to every logged-in user
// except the one named exclude. An empty exclude reaches everyone.
func (s *Server) broadcast(exclude string, env *protocol.Envelope, binary []byte) error {
	snapshot := s.sessions.Snapshot()
	targets := make([]*Session, 0, len(snapshot))
	for _, sess := range snapshot {
		if exclude != "" && sess.Username() == exclude {
			continue
		}
		targets = append(targets, sess)
	}
	return s.deliver(targets, env, binary)
}

// broadcastOnlineStatus sends the sorted user list to every logged-in
// user. The list and the recipients come from the same snapshot.
func (s *Server) broadcastOnlineStatus() error {
	snapshot := s.sessions.Snapshot()
	usernames := make([]string, len(snapshot))
	for i, sess := range snapshot {
		usernames[i] = sess.Username()
	}
	return s.deliver(snapshot, protocol.OnlineStatusEnvelope(usernames), nil)
}

// sendTo delivers to a single session. Unlike deliver, a write failure
// is returned to the caller and the recipient is left open.
func (s *Server) sendTo(sess *Session, env *protocol.Envelope, binary []byte) error {
	frames, err := encodeEnvelopeFrames(env, binary)
	if err != nil {
		return err
	}
	if err := sess.Conn.WriteFrames(frames...); err != nil {
		debugLog.Printf("Session %s → SEND %s failed: %v", sess.ID, env.Type, err)
		return err
	}

	s.metrics.RecordEnvelopesSent(metricsTypeLabel(env.Type), 1)
	if binary != nil {
		s.metrics.RecordBinaryBytes(len(binary))
	}
	return nil
}

// deliver writes env to every target. The frames are encoded once, and
// writes run in parallel up to the configured worker count so one slow
// client only costs its own write deadline.
//
// A recipient whose write fails is closed. Its handler then sees the
// closed stream and runs the normal departure path; deliver itself never
// touches the registry.
func (s *Server) deliver(targets []*Session, env *protocol.Envelope, binary []byte) error {
	if len(targets) == 0 {
		return nil
	}

	frames, err := encodeEnvelopeFrames(env, binary)
	if err != nil {
		return err
	}

	workers := s.config.BroadcastWorkers
	if workers <= 0 {
		workers = defaultBroadcastWorkers
	}

	start := time.Now()
	var g errgroup.Group
	g.SetLimit(workers)

	for _, sess := range targets {
		g.Go(func() error {
			if err := sess.Conn.WriteFrames(frames...); err != nil {
				debugLog.Printf("Session %s → SEND %s failed, dropping client: %v", sess.ID, env.Type, err)
				sess.Conn.Close()
			}
			return nil
		})
	}
	g.Wait()

	s.metrics.RecordBroadcast(time.Since(start), len(targets))
	s.metrics.RecordEnvelopesSent(metricsTypeLabel(env.Type), len(targets))
	if binary != nil {
		s.metrics.RecordBinaryBytes(len(binary) * len(targets))
	}
	return nil
}
