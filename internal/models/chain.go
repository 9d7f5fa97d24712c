package models

// ChainPhase distinguishes entry-side and exit-side baton chains.
type ChainPhase string

const (
	PhaseEntry ChainPhase = "ENTRY"
	PhaseExit  ChainPhase = "EXIT"
)

// ChainState is the lifecycle state of a baton-passing chain.
type ChainState string

const (
	ChainActive    ChainState = "ACTIVE"
	ChainStalled   ChainState = "STALLED"
	ChainCompleted ChainState = "COMPLETED"
)

// Chain is one directed sequence of baton transfers seeded at one
// student, per spec.md §3/§4.2.
type Chain struct {
	SessionID  string     `json:"sessionId"`
	ChainID    string     `json:"chainId"`
	Phase      ChainPhase `json:"phase"`
	Index      int        `json:"index"`
	State      ChainState `json:"state"`
	LastHolder string     `json:"lastHolder"`
	LastSeq    int64      `json:"lastSeq"`
	LastAt     int64      `json:"lastAt"`
	CreatedAt  int64      `json:"createdAt"`
}
