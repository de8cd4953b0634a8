// Command simulate generates a synthetic exam cohort and feeds it to a
// running engine, or prints the event stream as NDJSON for replay fixtures.
//
// Usage:
//
//	go run ./cmd/simulate -seed 42 -duration 10m > events.ndjson
//	go run ./cmd/simulate -target http://localhost:8080 -speedup 60
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/proctorgrid/engine/internal/signal"
	"github.com/proctorgrid/engine/internal/simulator"
)

func main() {
	var (
		seed     = flag.Int64("seed", 1, "random seed (same seed, same stream)")
		examID   = flag.String("exam", "exam_sim", "exam ID for the simulated cohort")
		duration = flag.Duration("duration", 30*time.Minute, "simulated exam duration")
		clean    = flag.Int("clean", 5, "students with a clean profile")
		nervous  = flag.Int("nervous", 3, "students with a nervous profile")
		cheater  = flag.Int("cheater", 2, "students with a cheater profile")
		target   = flag.String("target", "", "engine base URL; empty prints NDJSON to stdout")
		speedup  = flag.Float64("speedup", 60, "time compression factor when feeding a target")
	)
	flag.Parse()

	cfg := simulator.Config{
		Seed:     *seed,
		ExamID:   *examID,
		Start:    time.Now().UTC().Truncate(time.Second),
		Duration: *duration,
		Clean:    *clean,
		Nervous:  *nervous,
		Cheater:  *cheater,
	}

	sim := simulator.Run(cfg)
	log.Printf("simulated %d students, %d events over %s",
		len(sim.Students), len(sim.Events), *duration)

	if *target == "" {
		enc := json.NewEncoder(os.Stdout)
		for _, ev := range sim.Events {
			if err := enc.Encode(ev); err != nil {
				log.Fatalf("encode event: %v", err)
			}
		}
		return
	}

	if err := feed(*target, sim, *speedup); err != nil {
		log.Fatalf("feed failed: %v", err)
	}
}

// feed registers the cohort's sessions, then pushes events in timestamp
// order with inter-event gaps compressed by the speedup factor.
func feed(base string, sim *simulator.Simulation, speedup float64) error {
	client := &http.Client{Timeout: 10 * time.Second}

	for _, st := range sim.Students {
		body := map[string]string{
			"sessionId": st.SessionID,
			"studentId": st.StudentID,
			"examId":    sim.Events[0].ExamID,
		}
		if err := post(client, base+"/v1/sessions", body); err != nil {
			return fmt.Errorf("create session %s: %w", st.SessionID, err)
		}
	}

	var prev *signal.Event
	for i, ev := range sim.Events {
		if prev != nil && speedup > 0 {
			gap := ev.Timestamp.Sub(prev.Timestamp)
			time.Sleep(time.Duration(float64(gap) / speedup))
		}
		if err := post(client, base+"/v1/events", ev); err != nil {
			return fmt.Errorf("push event %d: %w", i, err)
		}
		prev = ev
	}

	log.Printf("pushed %d events", len(sim.Events))
	return nil
}

func post(client *http.Client, url string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return nil
}
