package tempodto

// CreateSessionRequest starts a session. Empty fields take the server defaults.
type CreateSessionRequest struct {
	FEN         string  `json:"fen,omitempty"`
	TimeControl string  `json:"timeControl,omitempty"`
	Tuning      *Tuning `json:"tuning,omitempty"`
	MovesToGo   int     `json:"movesToGo,omitempty"`
}

type MoveRequest struct {
	Move string `json:"move"`
}

// MoveResponse reports one applied move and the resulting state.
type MoveResponse struct {
	UCI      string       `json:"uci"`
	SAN      string       `json:"san"`
	Source   string       `json:"source"`
	BudgetMs int64        `json:"budgetMs,omitempty"`
	State    SessionState `json:"state"`
}

type AnalyzeResponse struct {
	Depth    int    `json:"depth"`
	Lines    []Line `json:"lines"`
	Progress int    `json:"progress"`
}

// Tuning is the flat strength configuration used by PUT /sessions/{id}/tuning.
type Tuning struct {
	Mode     string `json:"mode,omitempty"`
	Auto     bool   `json:"auto"`
	Elo      int    `json:"elo,omitempty"`
	Preset   string `json:"preset,omitempty"`
	Depth    int    `json:"depth,omitempty"`
	MoveTime int64  `json:"movetime,omitempty"`
	MultiPV  int    `json:"multipv,omitempty"`
}

// TuningResponse reports whether a manual change took effect and the effective values.
type TuningResponse struct {
	Applied   bool            `json:"applied"`
	Effective EffectiveTuning `json:"effective"`
}
