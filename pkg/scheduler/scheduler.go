// Package scheduler runs periodic jobs. Production code uses the cron-backed
// implementation; tests drive a Manual scheduler by hand.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

type Scheduler interface {
	// Schedule runs fn every interval until the returned cancel is called.
	Schedule(interval time.Duration, fn func()) (cancel func(), err error)
}

type Cron struct {
	c *cron.Cron
}

func NewCron(logger *logrus.Logger) *Cron {
	l := cronLogger{logger: logger}
	return &Cron{
		c: cron.New(
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
	}
}

func (s *Cron) Start() {
	s.c.Start()
}

// Stop prevents new runs and waits for running jobs to finish.
func (s *Cron) Stop() {
	<-s.c.Stop().Done()
}

func (s *Cron) Schedule(interval time.Duration, fn func()) (func(), error) {
	if interval <= 0 {
		return nil, fmt.Errorf("invalid schedule interval %s", interval)
	}
	id := s.c.Schedule(cron.Every(interval), cron.FuncJob(fn))

	var once sync.Once
	return func() {
		once.Do(func() { s.c.Remove(id) })
	}, nil
}

type cronLogger struct {
	logger *logrus.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).WithError(err).Error(msg)
}

func fields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}

// Manual fires jobs only when Advance moves its virtual clock past their
// next due time.
type Manual struct {
	mu   sync.Mutex
	now  time.Time
	next int
	jobs map[int]*manualJob
}

type manualJob struct {
	interval time.Duration
	due      time.Time
	fn       func()
}

func NewManual() *Manual {
	return &Manual{
		now:  time.Unix(0, 0),
		jobs: make(map[int]*manualJob),
	}
}

func (m *Manual) Schedule(interval time.Duration, fn func()) (func(), error) {
	if interval <= 0 {
		return nil, fmt.Errorf("invalid schedule interval %s", interval)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.next
	m.next++
	m.jobs[id] = &manualJob{interval: interval, due: m.now.Add(interval), fn: fn}

	return func() {
		m.mu.Lock()
		delete(m.jobs, id)
		m.mu.Unlock()
	}, nil
}

// Advance moves the clock and synchronously runs every job that became due,
// in due order, as many times as it became due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		var (
			pick   *manualJob
			pickID int
		)
		for id, j := range m.jobs {
			if j.due.After(target) {
				continue
			}
			if pick == nil || j.due.Before(pick.due) || (j.due.Equal(pick.due) && id < pickID) {
				pick, pickID = j, id
			}
		}
		if pick == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = pick.due
		pick.due = pick.due.Add(pick.interval)
		fn := pick.fn
		m.mu.Unlock()

		fn()
	}
}

// Pending reports how many jobs are scheduled.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}
