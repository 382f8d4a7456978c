package core

import (
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/LingshijunRenzy/ICS-guard/state"
)

// HandleVerdict turns an AI inference verdict into an enforcement action by
// synthesizing a one-shot policy and executing it immediately. The policy
// is never stored; repeated identical verdicts inside the dedup window are
// ignored so the enforcement rules are installed once.
func (p *PolicyEngine) HandleVerdict(s *state.State, v state.Verdict) {
	if v.Decision == state.DecisionNormal {
		return
	}
	if got := p.verdicts.Get(v.FlowId); got != nil && got.Value() == v.Decision {
		return
	}
	p.verdicts.Set(v.FlowId, v.Decision, ttlcache.DefaultTTL)

	pol, ok := p.verdictPolicy(s, v)
	if !ok {
		return
	}
	s.Log.Info("enforcing verdict",
		"flow", v.FlowId, "decision", v.Decision, "action", pol.Primary.Kind())
	p.ExecutePolicy(s, pol, v.Flow.Target(), &v.Flow)
}

func (p *PolicyEngine) verdictPolicy(s *state.State, v state.Verdict) (*state.Policy, bool) {
	pol := &state.Policy{
		Id:        "verdict-" + v.FlowId,
		Name:      "automated response (" + string(v.Decision) + ")",
		Scope:     v.Flow.Target(),
		Priority:  state.VerdictPolicyPriority,
		Status:    state.PolicyActive,
		UpdatedAt: time.Now(),
		OneShot:   true,
	}
	switch v.Decision {
	case state.DecisionAlert:
		pol.Primary = state.Alert{Reason: "ai verdict: alert"}
	case state.DecisionThrottle:
		pol.Primary = state.Throttle{RateKbps: 1024}
		pol.Secondary = []state.Action{state.Alert{Reason: "ai verdict: throttle"}}
	case state.DecisionBlock:
		pol.Primary = state.Block{}
		pol.Secondary = []state.Action{state.Alert{Reason: "ai verdict: block"}}
	case state.DecisionRedirect:
		target, ok := p.nearestHoneypot(s, v.Flow)
		if !ok {
			// no decoy available, fall back to containment
			pol.Primary = state.Block{}
			pol.Secondary = []state.Action{state.Alert{Reason: "ai verdict: redirect (no honeypot, blocked)"}}
			break
		}
		pol.Primary = state.Redirect{Targets: []state.RedirectTarget{target}}
		pol.Secondary = []state.Action{state.Alert{Reason: "ai verdict: redirect"}}
	default:
		s.Log.Warn("unknown verdict decision", "flow", v.FlowId, "decision", v.Decision)
		return nil, false
	}
	return pol, true
}

// nearestHoneypot picks the honeypot with the fewest hops from the flow's
// ingress switch. Snapshot honeypot order is deterministic, so ties always
// resolve to the same decoy.
func (p *PolicyEngine) nearestHoneypot(s *state.State, flow state.FlowRef) (state.RedirectTarget, bool) {
	snap := Get[*TopologyManager](s).CurrentSnapshot()
	paths := Get[*PathEngine](s)

	best := state.RedirectTarget{}
	bestLen := -1
	for _, h := range snap.Honeypots() {
		hops, err := paths.PathBetween(snap, flow.Ingress.Dpid, h.Attach.Dpid)
		if err != nil {
			continue
		}
		if bestLen == -1 || len(hops) < bestLen {
			bestLen = len(hops)
			best = state.RedirectTarget{
				Mac:  h.Mac,
				IP:   h.IP,
				Dpid: h.Attach.Dpid,
				Port: h.Attach.Port,
			}
		}
	}
	return best, bestLen != -1
}
