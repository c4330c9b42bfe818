package domain

import "time"

type ICEPolicy string

const (
	ICEPolicyAll   ICEPolicy = "all"
	ICEPolicyRelay ICEPolicy = "relay"
)

// Scenario is one provider x ICE policy combination tried against a target.
type Scenario struct {
	ID        string     `json:"id"`
	Target    string     `json:"deviceId"`
	Provider  ProviderID `json:"provider"`
	Policy    ICEPolicy  `json:"policy"`
	TimeoutMs int64      `json:"timeoutMs,omitempty"`
}

// Timeout returns the trial timeout, or def when none is set.
func (s Scenario) Timeout(def time.Duration) time.Duration {
	if s.TimeoutMs <= 0 {
		return def
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// CandidateInfo describes one side of the selected ICE candidate pair.
type CandidateInfo struct {
	Type     string
	Protocol string
}

func (c CandidateInfo) IsRelay() bool { return c.Type == "relay" }

func (c CandidateInfo) IsTCP() bool { return c.Protocol == "tcp" }

type PreflightResult struct {
	Scenario    Scenario
	ConnectTime time.Duration
	RTTs        []time.Duration
	Local       CandidateInfo
	Remote      CandidateInfo
	Err         error
}

func (r PreflightResult) OK() bool { return r.Err == nil }

// AvgRTT averages the successful ping samples; zero when none succeeded.
func (r PreflightResult) AvgRTT() time.Duration {
	if len(r.RTTs) == 0 {
		return 0
	}
	var total time.Duration
	for _, rtt := range r.RTTs {
		total += rtt
	}
	return total / time.Duration(len(r.RTTs))
}

// TargetQuality is the cached outcome of preflight for one target.
type TargetQuality struct {
	Target         string
	Quality        int
	BestScenarioID string
	Provider       ProviderID
	Policy         ICEPolicy
	Tag            string
	Reachable      bool
	MeasuredAt     time.Time
}
