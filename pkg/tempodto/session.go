package tempodto

type ClockState struct {
	BaseMs      int64  `json:"baseMs"`
	IncMs       int64  `json:"incMs"`
	WhiteMs     int64  `json:"whiteMs"`
	BlackMs     int64  `json:"blackMs"`
	White       string `json:"white"`
	Black       string `json:"black"`
	Turn        string `json:"turn"`
	Phase       string `json:"phase"`
	FlaggedSide string `json:"flaggedSide,omitempty"`
}

type EffectiveTuning struct {
	Mode     string `json:"mode"`
	Auto     bool   `json:"auto"`
	Elo      int    `json:"elo"`
	Depth    int    `json:"depth"`
	MoveTime int64  `json:"movetime"`
	MultiPV  int    `json:"multipv"`
}

type Line struct {
	Move    string   `json:"move"`
	Score   int      `json:"score"`
	Mate    int      `json:"mate,omitempty"`
	PV      []string `json:"pv,omitempty"`
	MultiPV int      `json:"multipv,omitempty"`
}

type Opening struct {
	Code  string `json:"code"`
	Title string `json:"title"`
}

type SessionState struct {
	ID         string          `json:"id"`
	StartFEN   string          `json:"startFen"`
	FEN        string          `json:"fen"`
	MovesUCI   []string        `json:"movesUci"`
	MovesSAN   []string        `json:"movesSan"`
	Turn       string          `json:"turn"`
	Status     string          `json:"status"`
	Winner     string          `json:"winner,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Clock      ClockState      `json:"clock"`
	Tuning     EffectiveTuning `json:"tuning"`
	Opening    *Opening        `json:"opening,omitempty"`
	Searching  bool            `json:"searching"`
	Analysis   []Line          `json:"analysis,omitempty"`
	AnalysisAt int             `json:"analysisDepth,omitempty"`
}
