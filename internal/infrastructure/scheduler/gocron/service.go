package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/payjoinlabs/payjoind/internal/core/ports"
)

type service struct {
	scheduler *gocron.Scheduler

	mtx  sync.Mutex
	jobs map[string]*gocron.Job
}

func NewScheduler() ports.SchedulerService {
	svc := gocron.NewScheduler(time.UTC)
	return &service{
		scheduler: svc,
		jobs:      make(map[string]*gocron.Job),
	}
}

func (s *service) Start() {
	s.scheduler.StartAsync()
}

func (s *service) Stop() {
	s.scheduler.Stop()
}

// ScheduleSessionExpiry arms a one-shot job firing when the session
// expires. Rescheduling the same session replaces the previous job.
func (s *service) ScheduleSessionExpiry(
	sessionId string, at time.Time, expireFunc func(),
) error {
	delay := time.Until(at)
	if delay < 0 {
		return fmt.Errorf("cannot schedule task in the past")
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if job, ok := s.jobs[sessionId]; ok {
		s.scheduler.RemoveByReference(job)
	}

	job, err := s.scheduler.
		Every(int(delay.Seconds()) + 1).Seconds().
		WaitForSchedule().LimitRunsTo(1).
		Do(expireFunc)
	if err != nil {
		return err
	}

	s.jobs[sessionId] = job
	return nil
}

func (s *service) CancelSessionExpiry(sessionId string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if job, ok := s.jobs[sessionId]; ok {
		s.scheduler.RemoveByReference(job)
		delete(s.jobs, sessionId)
	}
}
