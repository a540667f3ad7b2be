package service

import (
	"time"

	"github.com/prior-auth-server/internal/domain"
)

// Recorder receives measurements from the pipeline and the evaluator.
type Recorder interface {
	ObserveStage(stage domain.Stage, d time.Duration)
	ObserveAnswer(answer domain.TriState)
	ObserveRun(outcome domain.Outcome, err error)
}

type nopRecorder struct{}

func (nopRecorder) ObserveStage(domain.Stage, time.Duration) {}
func (nopRecorder) ObserveAnswer(domain.TriState)            {}
func (nopRecorder) ObserveRun(domain.Outcome, error)         {}

func recorderOrNop(r Recorder) Recorder {
	if r == nil {
		return nopRecorder{}
	}
	return r
}
