package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LingshijunRenzy/ICS-guard/mock"
	"github.com/LingshijunRenzy/ICS-guard/state"
)

func submitVerdict(t *testing.T, s *state.State, v state.Verdict) {
	t.Helper()
	_, err := s.DispatchWait(func(s *state.State) (any, error) {
		Get[*PolicyEngine](s).HandleVerdict(s, v)
		return nil, nil
	})
	require.NoError(t, err)
}

func flowVerdict(decision state.DecisionLevel) state.Verdict {
	flow := testFrame(1, 9, mock.Mac(1), mock.Mac(2)).Ref()
	return state.Verdict{FlowId: flow.Id, Decision: decision, Flow: flow, At: time.Now()}
}

func TestNormalVerdictIsIgnored(t *testing.T) {
	s := newTestState(t)
	conns := connectLine(t, s, 2)
	waitVersion(t, s, 2)

	submitVerdict(t, s, flowVerdict(state.DecisionNormal))
	assert.Empty(t, conns[1].Installs())
}

func TestBlockVerdict(t *testing.T) {
	s := newTestState(t)
	conns := connectLine(t, s, 2)
	waitVersion(t, s, 2)
	sub := s.Bus.Subscribe()
	defer sub.Close()

	submitVerdict(t, s, flowVerdict(state.DecisionBlock))

	installs := conns[1].Installs()
	require.Len(t, installs, 1, "exactly one drop at the flow's ingress switch")
	assert.Equal(t, state.ActDrop, installs[0].Action.Type)
	assert.Equal(t, state.EnforceRulePriority, installs[0].Priority)
	assert.Empty(t, conns[2].Installs())

	var alerts, actions int
	drain := time.After(300 * time.Millisecond)
loop:
	for {
		select {
		case ev := <-sub.C:
			switch e := ev.(type) {
			case state.AlertRaised:
				alerts++
			case state.PolicyActionExecuted:
				actions++
				assert.True(t, e.Automated, "verdict responses are flagged as automated")
			}
		case <-drain:
			break loop
		}
	}
	assert.Equal(t, 1, alerts, "block verdicts carry one alert")
	assert.NotZero(t, actions)

	// an identical verdict inside the dedup window is a no-op
	submitVerdict(t, s, flowVerdict(state.DecisionBlock))
	assert.Len(t, conns[1].Installs(), 1)
}

func TestThrottleVerdict(t *testing.T) {
	s := newTestState(t)
	conns := connectLine(t, s, 2)
	waitVersion(t, s, 2)

	submitVerdict(t, s, flowVerdict(state.DecisionThrottle))

	installs := conns[1].Installs()
	require.Len(t, installs, 1)
	assert.Equal(t, state.ActRateLimit, installs[0].Action.Type)
	assert.Equal(t, state.ThrottleRulePriority, installs[0].Priority)
	assert.NotZero(t, installs[0].Action.RateKbps)
}

func TestRedirectVerdictUsesHoneypot(t *testing.T) {
	s := newTestState(t)
	conns := connectLine(t, s, 2)
	version := waitVersion(t, s, 2).Version
	learnHost(t, s, mock.Mac(9), 2, 9) // decoy-1, honeypot class in the inventory
	waitVersion(t, s, version+1)
	sub := s.Bus.Subscribe()
	defer sub.Close()

	submitVerdict(t, s, flowVerdict(state.DecisionRedirect))

	installs := conns[1].Installs()
	require.Len(t, installs, 1)
	assert.Equal(t, state.ActRewrite, installs[0].Action.Type)
	require.Len(t, installs[0].Action.Targets, 1)
	assert.Equal(t, mock.Mac(9), installs[0].Action.Targets[0].Mac)
	assert.Equal(t, state.Dpid(2), installs[0].Action.Targets[0].Dpid)

	var sawHoneypot bool
	deadline := time.After(time.Second)
	for !sawHoneypot {
		select {
		case ev := <-sub.C:
			if hr, ok := ev.(state.HoneypotRedirect); ok {
				assert.Equal(t, mock.Mac(9), hr.Honeypot.Mac)
				sawHoneypot = true
			}
		case <-deadline:
			t.Fatal("no HoneypotRedirect event")
		}
	}
}

func TestRedirectWithoutHoneypotBlocks(t *testing.T) {
	s := newTestState(t)
	conns := connectLine(t, s, 2)
	waitVersion(t, s, 2)

	// no honeypot anywhere: containment instead of an open path
	submitVerdict(t, s, flowVerdict(state.DecisionRedirect))

	installs := conns[1].Installs()
	require.Len(t, installs, 1)
	assert.Equal(t, state.ActDrop, installs[0].Action.Type)
}

func TestRedirectSurvivesHoneypotLoss(t *testing.T) {
	s := newTestState(t)
	conns := connectLine(t, s, 2)
	version := waitVersion(t, s, 2).Version
	learnHost(t, s, mock.Mac(9), 2, 9)
	waitVersion(t, s, version+1)

	// the decoy's switch disappears before the verdict lands
	Get[*Sessions](s).Disconnect(2)
	flush(t, s)
	waitVersion(t, s, version+2)

	submitVerdict(t, s, flowVerdict(state.DecisionRedirect))

	installs := conns[1].Installs()
	require.Len(t, installs, 1)
	assert.Equal(t, state.ActDrop, installs[0].Action.Type, "no reachable decoy falls back to block")
}
