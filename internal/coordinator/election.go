package coordinator

import (
	"time"
)

// State is the election state of one tab.
type State int

const (
	StateFollower State = iota
	StateCandidate
	StateLeader
)

func (s State) String() string {
	switch s {
	case StateFollower:
		return "follower"
	case StateCandidate:
		return "candidate"
	case StateLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// Role is the externally visible part of State: a candidate is still a
// follower until it wins.
type Role string

const (
	RoleFollower Role = "follower"
	RoleLeader   Role = "leader"
)

// Role maps an election state to the role reported to listeners.
func (s State) Role() Role {
	if s == StateLeader {
		return RoleLeader
	}
	return RoleFollower
}

// Rank orders competing claims. A higher term wins, then the earlier claim,
// then the smaller session token.
type Rank struct {
	Term      uint64    `json:"term"`
	ClaimedAt time.Time `json:"claimed_at"`
	Token     string    `json:"token"`
}

// Beats reports whether r wins over o.
func (r Rank) Beats(o Rank) bool {
	if r.Term != o.Term {
		return r.Term > o.Term
	}
	if !r.ClaimedAt.Equal(o.ClaimedAt) {
		return r.ClaimedAt.Before(o.ClaimedAt)
	}
	return r.Token < o.Token
}

// Heartbeat is sent periodically by the leader.
type Heartbeat struct {
	Leader string `json:"leader"`
	Rank   Rank   `json:"rank"`
}

// Claim is sent by a candidate when it bids for leadership.
type Claim struct {
	Candidate string `json:"candidate"`
	Rank      Rank   `json:"rank"`
}

// Resign is sent by a leader that shuts down cleanly.
type Resign struct {
	Leader string `json:"leader"`
}

// Timing holds the election intervals.
type Timing struct {
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long a follower waits without hearing a
	// leader before it becomes a candidate.
	HeartbeatTimeout time.Duration
	// ClaimWindow is the minimum time a candidate waits for competing
	// claims; the actual wait is randomized in [ClaimWindow, 2*ClaimWindow).
	ClaimWindow time.Duration
}

// Output lists what the runtime must do after a transition.
type Output struct {
	SendHeartbeat bool
	SendClaim     bool
	SendResign    bool
	RoleChanged   bool
}

// Election is the leader election state machine for one tab. It never
// reads the clock or sleeps; every trigger carries the current time, so
// transitions are fully deterministic under test.
type Election struct {
	id     string
	token  string
	timing Timing
	jitter func(max time.Duration) time.Duration

	phase State

	term       uint64 // highest term of an established leader seen
	rank       Rank   // own claim while candidate or leader
	leader     string
	leaderRank Rank

	lastHeard     time.Time
	lastBeat      time.Time
	claimDeadline time.Time
}

// NewElection creates the state machine for tab id in the follower state.
// jitter returns a random duration in [0, max); nil means no jitter.
func NewElection(id, token string, timing Timing, jitter func(time.Duration) time.Duration, now time.Time) *Election {
	if jitter == nil {
		jitter = func(time.Duration) time.Duration { return 0 }
	}
	return &Election{
		id:        id,
		token:     token,
		timing:    timing,
		jitter:    jitter,
		phase:     StateFollower,
		lastHeard: now,
	}
}

// State returns the current election state.
func (e *Election) State() State { return e.phase }

// Role returns the current role.
func (e *Election) Role() Role { return e.phase.Role() }

// Leader returns the id of the leader this tab currently follows, or its
// own id when leading. Empty while no leader is known.
func (e *Election) Leader() string { return e.leader }

// Rank returns the tab's own claim rank.
func (e *Election) Rank() Rank { return e.rank }

// Term returns the highest leadership term observed.
func (e *Election) Term() uint64 { return e.term }

// Heartbeat builds the heartbeat message for this tab.
func (e *Election) Heartbeat() Heartbeat {
	return Heartbeat{Leader: e.id, Rank: e.rank}
}

// Claim builds the claim message for this tab.
func (e *Election) Claim() Claim {
	return Claim{Candidate: e.id, Rank: e.rank}
}

// Tick advances timers: heartbeat timeout, claim window, heartbeat period.
func (e *Election) Tick(now time.Time) Output {
	var out Output
	switch e.phase {
	case StateFollower:
		if now.Sub(e.lastHeard) >= e.timing.HeartbeatTimeout {
			e.becomeCandidate(now)
			out.SendClaim = true
		}
	case StateCandidate:
		if !now.Before(e.claimDeadline) {
			e.phase = StateLeader
			e.term = e.rank.Term
			e.leader = e.id
			e.leaderRank = e.rank
			e.lastBeat = now
			out.SendHeartbeat = true
			out.RoleChanged = true
		}
	case StateLeader:
		if now.Sub(e.lastBeat) >= e.timing.HeartbeatInterval {
			e.lastBeat = now
			out.SendHeartbeat = true
		}
	}
	return out
}

// OnHeartbeat handles a heartbeat from another tab.
func (e *Election) OnHeartbeat(now time.Time, hb Heartbeat) Output {
	var out Output
	if hb.Leader == e.id {
		return out
	}

	switch e.phase {
	case StateFollower:
		if hb.Rank.Term < e.term && hb.Leader != e.leader {
			// A deposed leader that has not noticed yet.
			return out
		}
		e.follow(now, hb)
	case StateCandidate:
		if hb.Rank.Term < e.term {
			return out
		}
		e.follow(now, hb)
	case StateLeader:
		if hb.Rank.Beats(e.rank) {
			e.follow(now, hb)
			out.RoleChanged = true
			return out
		}
		// Assert leadership so the other leader steps down.
		e.lastBeat = now
		out.SendHeartbeat = true
	}
	return out
}

// OnClaim handles a leadership claim from another tab.
func (e *Election) OnClaim(now time.Time, c Claim) Output {
	var out Output
	if c.Candidate == e.id {
		return out
	}

	switch e.phase {
	case StateFollower:
		// An election is in progress; give it a full timeout to settle.
		e.lastHeard = now
	case StateCandidate:
		if c.Rank.Beats(e.rank) {
			e.phase = StateFollower
			e.lastHeard = now
		}
	case StateLeader:
		e.lastBeat = now
		out.SendHeartbeat = true
	}
	return out
}

// OnResign handles a clean shutdown announcement from a leader.
func (e *Election) OnResign(now time.Time, r Resign) Output {
	var out Output
	if r.Leader == e.id || r.Leader != e.leader || e.phase != StateFollower {
		return out
	}
	e.leader = ""
	// Start an election at the next tick instead of waiting out the timeout.
	e.lastHeard = now.Add(-e.timing.HeartbeatTimeout)
	return out
}

// Resign gives up leadership before the tab closes.
func (e *Election) Resign(now time.Time) Output {
	var out Output
	if e.phase != StateLeader {
		e.phase = StateFollower
		return out
	}
	e.phase = StateFollower
	e.leader = ""
	e.lastHeard = now
	out.SendResign = true
	out.RoleChanged = true
	return out
}

func (e *Election) becomeCandidate(now time.Time) {
	e.phase = StateCandidate
	e.leader = ""
	e.rank = Rank{Term: e.term + 1, ClaimedAt: now, Token: e.token}
	e.claimDeadline = now.Add(e.timing.ClaimWindow + e.jitter(e.timing.ClaimWindow))
}

func (e *Election) follow(now time.Time, hb Heartbeat) {
	e.phase = StateFollower
	e.leader = hb.Leader
	e.leaderRank = hb.Rank
	if hb.Rank.Term > e.term {
		e.term = hb.Rank.Term
	}
	e.lastHeard = now
}
