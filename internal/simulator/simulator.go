// Package simulator generates synthetic proctoring signal streams for load
// and behavior testing. Given the same seed, a simulation produces exactly
// the same event sequence, which makes simulator output usable as replay
// fixtures.
package simulator

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/proctorgrid/engine/internal/signal"
)

// Profile shapes how often a simulated student misbehaves.
type Profile string

const (
	// ProfileClean produces almost no signals.
	ProfileClean Profile = "clean"
	// ProfileNervous produces frequent low-severity signals.
	ProfileNervous Profile = "nervous"
	// ProfileCheater produces bursts that include high-severity signals.
	ProfileCheater Profile = "cheater"
)

// signals per minute by profile
var profileRates = map[Profile]float64{
	ProfileClean:   0.2,
	ProfileNervous: 3.0,
	ProfileCheater: 1.5,
}

var profileTypes = map[Profile][]signal.Type{
	ProfileClean: {
		signal.TypeWindowBlur,
		signal.TypeLookingAway,
	},
	ProfileNervous: {
		signal.TypeLookingAway,
		signal.TypeSuspiciousMovement,
		signal.TypeWindowBlur,
		signal.TypeFaceNotDetected,
		signal.TypeTabSwitch,
	},
	ProfileCheater: {
		signal.TypeTabSwitch,
		signal.TypePhoneDetected,
		signal.TypeMultipleFaces,
		signal.TypeCopyPaste,
		signal.TypeAudioDetected,
		signal.TypeLookingAway,
	},
}

// Config controls a simulation run.
type Config struct {
	Seed     int64
	ExamID   string
	Start    time.Time
	Duration time.Duration

	// Students per profile.
	Clean   int
	Nervous int
	Cheater int
}

// DefaultConfig simulates a small exam cohort.
func DefaultConfig() Config {
	return Config{
		Seed:     1,
		ExamID:   "exam_sim",
		Start:    time.Now().UTC().Truncate(time.Second),
		Duration: 30 * time.Minute,
		Clean:    5,
		Nervous:  3,
		Cheater:  2,
	}
}

// Student is one simulated exam participant.
type Student struct {
	SessionID string
	StudentID string
	Profile   Profile
}

// Simulation holds the generated cohort and event stream.
type Simulation struct {
	Students []Student
	Events   []*signal.Event
}

// Run generates the full event stream for the configured cohort. Events are
// returned in timestamp order across all students.
func Run(cfg Config) *Simulation {
	rng := rand.New(rand.NewSource(cfg.Seed))
	sim := &Simulation{}

	add := func(profile Profile, count int) {
		for i := 0; i < count; i++ {
			n := len(sim.Students) + 1
			sim.Students = append(sim.Students, Student{
				SessionID: fmt.Sprintf("ses_sim_%03d", n),
				StudentID: fmt.Sprintf("student_%03d", n),
				Profile:   profile,
			})
		}
	}
	add(ProfileClean, cfg.Clean)
	add(ProfileNervous, cfg.Nervous)
	add(ProfileCheater, cfg.Cheater)

	for _, st := range sim.Students {
		sim.Events = append(sim.Events, studentEvents(rng, cfg, st)...)
	}

	sort.Slice(sim.Events, func(i, j int) bool {
		return sim.Events[i].Timestamp.Before(sim.Events[j].Timestamp)
	})
	return sim
}

// studentEvents draws signal times from a Poisson process at the profile's
// rate, with types drawn uniformly from the profile's repertoire.
func studentEvents(rng *rand.Rand, cfg Config, st Student) []*signal.Event {
	var events []*signal.Event

	ratePerSec := profileRates[st.Profile] / 60.0
	types := profileTypes[st.Profile]

	t := cfg.Start
	end := cfg.Start.Add(cfg.Duration)
	for {
		// Exponential inter-arrival time.
		gap := time.Duration(rng.ExpFloat64() / ratePerSec * float64(time.Second))
		t = t.Add(gap)
		if t.After(end) {
			return events
		}

		events = append(events, &signal.Event{
			SessionID:  st.SessionID,
			StudentID:  st.StudentID,
			ExamID:     cfg.ExamID,
			Type:       types[rng.Intn(len(types))],
			Timestamp:  t,
			Confidence: 0.5 + rng.Float64()*0.5,
		})
	}
}
