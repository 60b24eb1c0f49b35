// Package protocol defines the JSON messages exchanged with a search worker.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType tags every request and reply.
type MessageType string

const (
	TypeAnalyze MessageType = "analyze"
	TypePlay    MessageType = "play"
	TypeStop    MessageType = "stop"

	TypeAnalysis MessageType = "analysis"
	TypeBestMove MessageType = "bestmove"
	TypeError    MessageType = "error"
)

var ErrMalformed = errors.New("malformed worker message")

// Request is sent coordinator → worker. Stop carries no id.
type Request struct {
	Type     MessageType `json:"type"`
	ID       uint64      `json:"id,omitempty"`
	FEN      string      `json:"fen,omitempty"`
	Depth    int         `json:"depth,omitempty"`
	MultiPV  int         `json:"multipv,omitempty"`
	Elo      int         `json:"elo,omitempty"`
	DepthCap int         `json:"depthCap,omitempty"`
	TimeMs   int64       `json:"timeMs,omitempty"`
}

// Analyze builds an analysis request. The dispatcher assigns the id.
func Analyze(fen string, depth, multiPV int, timeMs int64) Request {
	return Request{Type: TypeAnalyze, FEN: fen, Depth: depth, MultiPV: multiPV, TimeMs: timeMs}
}

// Play builds a move request at a given strength.
func Play(fen string, elo, depthCap int, timeMs int64) Request {
	return Request{Type: TypePlay, FEN: fen, Elo: elo, DepthCap: depthCap, TimeMs: timeMs}
}

func Stop() Request { return Request{Type: TypeStop} }

// Line is one candidate line. Score is in centipawns from the side to move.
type Line struct {
	Move    string   `json:"move"`
	Score   int      `json:"score"`
	Mate    int      `json:"mate,omitempty"`
	PV      []string `json:"pv,omitempty"`
	MultiPV int      `json:"multipv,omitempty"`
}

// Reply is sent worker → coordinator.
type Reply struct {
	Type    MessageType `json:"type"`
	ID      uint64      `json:"id"`
	Lines   []Line      `json:"lines,omitempty"`
	Final   bool        `json:"final,omitempty"`
	Depth   int         `json:"depth,omitempty"`
	UCI     string      `json:"uci,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Kind classifies a reply for the dispatcher.
type Kind int

const (
	KindUnknown Kind = iota
	KindProgress
	KindFinal
)

func (r Reply) Kind() Kind {
	switch r.Type {
	case TypeAnalysis:
		if r.Final {
			return KindFinal
		}
		return KindProgress
	case TypeBestMove:
		return KindFinal
	default:
		return KindUnknown
	}
}

// Best returns the first move of the reply: the bestmove, or the top analysis line.
func (r Reply) Best() string {
	if r.Type == TypeBestMove {
		return r.UCI
	}
	if len(r.Lines) > 0 {
		return r.Lines[0].Move
	}
	return ""
}

func EncodeRequest(req Request) ([]byte, error) {
	return json.Marshal(req)
}

func DecodeRequest(raw []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if req.Type == "" {
		return Request{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return req, nil
}

func EncodeReply(rep Reply) ([]byte, error) {
	return json.Marshal(rep)
}

// DecodeReply parses a reply. A reply without a type or id is malformed.
func DecodeReply(raw []byte) (Reply, error) {
	var rep Reply
	if err := json.Unmarshal(raw, &rep); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if rep.Type == "" {
		return Reply{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if rep.ID == 0 {
		return Reply{}, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	return rep, nil
}
