package app

import (
	"github.com/dkeye/callhub/internal/core"
	"github.com/dkeye/callhub/internal/domain"
	"github.com/rs/zerolog/log"
)

// RouteResult reports delivery stats for one envelope.
type RouteResult struct {
	SentTo  int
	Dropped []core.SignalConnection
	// Unroutable is set when the recipient or room had no live handle.
	Unroutable bool
}

// Relay forwards envelopes between parties without interpreting the payload.
type Relay struct {
	dir    *Directory
	policy Policy
}

func NewRelay(dir *Directory, policy Policy) *Relay {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Relay{dir: dir, policy: policy}
}

// Route delivers env to its direct recipient, or to every handle in env's room
// except the sender's own handles. Unroutable envelopes are dropped.
func (r *Relay) Route(env core.Envelope) RouteResult {
	if err := env.Validate(); err != nil {
		log.Warn().Err(err).Str("module", "app.relay").Str("type", string(env.Type)).Msg("drop invalid envelope")
		return RouteResult{Unroutable: true}
	}
	if env.To != "" {
		return r.direct(env)
	}
	switch env.Type.Scope() {
	case core.ScopeRoom:
		return r.room(env)
	case core.ScopeDirect, core.ScopeNotice, core.ScopeUnknown:
	}
	return RouteResult{Unroutable: true}
}

func (r *Relay) direct(env core.Envelope) RouteResult {
	conns, ok := r.dir.Resolve(env.To)
	if !ok {
		log.Debug().Str("module", "app.relay").Str("type", string(env.Type)).Str("to", string(env.To)).Msg("recipient offline, dropped")
		return RouteResult{Unroutable: true}
	}
	return r.fanout(env, conns)
}

func (r *Relay) room(env core.Envelope) RouteResult {
	all := r.dir.ResolveGroup(env.RoomID)
	conns := make([]core.SignalConnection, 0, len(all))
	for _, c := range all {
		if owner, ok := r.dir.Owner(c); ok && owner == env.From {
			continue
		}
		conns = append(conns, c)
	}
	if len(conns) == 0 {
		return RouteResult{Unroutable: true}
	}
	return r.fanout(env, conns)
}

// SendTo delivers env to every handle of a participant regardless of env.To.
// The room authority uses it to answer and notify individual members.
func (r *Relay) SendTo(id domain.UserID, env core.Envelope) RouteResult {
	conns, ok := r.dir.Resolve(id)
	if !ok {
		return RouteResult{Unroutable: true}
	}
	return r.fanout(env, conns)
}

func (r *Relay) fanout(env core.Envelope, conns []core.SignalConnection) RouteResult {
	frame, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("encode envelope")
		return RouteResult{Unroutable: true}
	}
	res := RouteResult{}
	for _, c := range conns {
		if err := c.TrySend(frame); err != nil {
			res.Dropped = append(res.Dropped, c)
			r.onDropped(env, c, err)
			continue
		}
		res.SentTo++
	}
	log.Debug().Str("module", "app.relay").Str("type", string(env.Type)).Str("from", string(env.From)).Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("route result")
	return res
}

func (r *Relay) onDropped(env core.Envelope, c core.SignalConnection, err error) {
	log.Warn().Err(err).Str("module", "app.relay").Str("type", string(env.Type)).Msg("handle dropped envelope")
	switch r.policy.OnBackPressure(env, c) {
	case Disconnect:
		c.Close()
	case DropMessage, NoAction:
	}
}
