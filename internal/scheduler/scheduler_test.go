package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

type countingJobs struct {
	observed, rescored, swept atomic.Int32
	err                       error
}

func (j *countingJobs) ObserveWallets(context.Context) (int, error) {
	j.observed.Add(1)
	return 2, j.err
}

func (j *countingJobs) RescoreWallets(context.Context) (int, error) {
	j.rescored.Add(1)
	return 1, j.err
}

func (j *countingJobs) Sweep() int {
	j.swept.Add(1)
	return 3
}

type fakeBreaker struct{ resets atomic.Int32 }

func (b *fakeBreaker) ResetDailyIfDue() (bool, error) {
	b.resets.Add(1)
	return true, nil
}

func TestRegisterAllRejectsBadSpec(t *testing.T) {
	s := New(context.Background(), &countingJobs{}, nil, zerolog.Nop())
	err := s.RegisterAll(Specs{Observe: "every minute", Rescore: "0 * * * * *", Sweep: "0 * * * * *"})
	if err == nil {
		t.Error("Expected error for malformed spec")
	}
}

func TestRegisterAllAddsEveryTask(t *testing.T) {
	s := New(context.Background(), &countingJobs{}, &fakeBreaker{}, zerolog.Nop())
	err := s.RegisterAll(Specs{
		Observe:           "0 */5 * * * *",
		Rescore:           "0 */30 * * * *",
		Sweep:             "30 * * * * *",
		DailyResetHourUTC: 0,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := len(s.cron.Entries()); got != 4 {
		t.Errorf("Expected 4 entries, got %d", got)
	}
}

func TestTasksCallJobs(t *testing.T) {
	jobs := &countingJobs{}
	breaker := &fakeBreaker{}
	s := New(context.Background(), jobs, breaker, zerolog.Nop())

	s.observeTask()
	s.rescoreTask()
	s.sweepTask()
	s.dailyResetTask()

	if jobs.observed.Load() != 1 || jobs.rescored.Load() != 1 || jobs.swept.Load() != 1 {
		t.Errorf("Expected each job once, got observe=%d rescore=%d sweep=%d",
			jobs.observed.Load(), jobs.rescored.Load(), jobs.swept.Load())
	}
	if breaker.resets.Load() != 1 {
		t.Errorf("Expected 1 reset, got %d", breaker.resets.Load())
	}

	// Failures are logged, not fatal.
	jobs.err = errors.New("source down")
	s.observeTask()
	s.rescoreTask()
}
