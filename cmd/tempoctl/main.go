package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/park285/chess-tempo/pkg/tempoclient"
	"github.com/park285/chess-tempo/pkg/tempodto"
)

// tempoctl plays a short engine-vs-engine game against a running tempo-server.
func main() {
	baseURL := os.Getenv("TEMPO_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	plies := 6
	if v := os.Getenv("TEMPO_PLIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			log.Fatalf("TEMPO_PLIES must be a positive integer: %q", v)
		}
		plies = n
	}

	client := tempoclient.New(baseURL, tempoclient.WithTimeout(30*time.Second), tempoclient.WithRetry(2))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	st, err := client.CreateSession(ctx, tempodto.CreateSessionRequest{
		FEN:         os.Getenv("TEMPO_FEN"),
		TimeControl: os.Getenv("TEMPO_TIME_CONTROL"),
	})
	if err != nil {
		log.Fatalf("create session error: %v", err)
	}
	log.Printf("session %s: clock %s/%s, elo %d", st.ID, st.Clock.White, st.Clock.Black, st.Tuning.Elo)
	defer func() {
		if err := client.DeleteSession(context.Background(), st.ID); err != nil {
			log.Printf("delete session error: %v", err)
		}
	}()

	for i := 0; i < plies; i++ {
		res, err := client.EngineMove(ctx, st.ID)
		if err != nil {
			log.Printf("engine move error: %v", err)
			return
		}
		fmt.Printf("%2d. %-7s %-5s budget=%dms white=%s black=%s\n",
			i+1, res.SAN, res.Source, res.BudgetMs, res.State.Clock.White, res.State.Clock.Black)
		if res.State.Status != "active" {
			fmt.Printf("game over: %s (%s)\n", res.State.Status, res.State.Reason)
			return
		}
	}

	an, err := client.Analyze(ctx, st.ID)
	if err != nil {
		log.Printf("analyze error: %v", err)
		return
	}
	for _, l := range an.Lines {
		fmt.Printf("depth %d  #%d %s  cp=%d mate=%d\n", an.Depth, l.MultiPV, l.Move, l.Score, l.Mate)
	}
}
