package queue

import (
	"context"
	"sync"
	"time"
)

type delayed struct {
	raw string
	due time.Time
}

// Memory is an in-process queue for tests and single-binary deployments.
type Memory struct {
	mu       sync.Mutex
	ready    []string
	delayed  []delayed
	active   map[string]int
	attempts map[string]int
	failed   []FailedJob
	notify   chan struct{}

	now  func() time.Time
	poll time.Duration
}

var _ Queue = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		active:   make(map[string]int),
		attempts: make(map[string]int),
		notify:   make(chan struct{}, 1),
		now:      time.Now,
		poll:     20 * time.Millisecond,
	}
}

func (m *Memory) Enqueue(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := job.Encode()
	if err != nil {
		return err
	}
	return m.EnqueueRaw(raw)
}

// EnqueueRaw pushes a payload as is.
func (m *Memory) EnqueueRaw(raw string) error {
	m.mu.Lock()
	m.ready = append(m.ready, raw)
	m.mu.Unlock()
	m.wake()
	return nil
}

func (m *Memory) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Memory) Reserve(ctx context.Context) (*Delivery, error) {
	for {
		m.mu.Lock()
		m.promoteLocked()
		if len(m.ready) > 0 {
			raw := m.ready[0]
			m.ready = m.ready[1:]
			m.active[raw]++
			m.attempts[raw]++
			d := &Delivery{Raw: raw, Attempt: m.attempts[raw]}
			more := len(m.ready) > 0
			m.mu.Unlock()
			if more {
				m.wake()
			}
			return d, nil
		}
		m.mu.Unlock()

		t := time.NewTimer(m.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-m.notify:
		case <-t.C:
		}
		t.Stop()
	}
}

func (m *Memory) promoteLocked() {
	now := m.now()
	kept := m.delayed[:0]
	for _, d := range m.delayed {
		if !d.due.After(now) {
			m.ready = append(m.ready, d.raw)
			continue
		}
		kept = append(kept, d)
	}
	m.delayed = kept
}

func (m *Memory) release(raw string) {
	if m.active[raw] <= 1 {
		delete(m.active, raw)
		return
	}
	m.active[raw]--
}

func (m *Memory) Ack(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.release(d.Raw)
	delete(m.attempts, d.Raw)
	return nil
}

func (m *Memory) Retry(_ context.Context, d *Delivery, delay time.Duration) error {
	m.mu.Lock()
	m.release(d.Raw)
	m.delayed = append(m.delayed, delayed{raw: d.Raw, due: m.now().Add(delay)})
	m.mu.Unlock()
	m.wake()
	return nil
}

func (m *Memory) Fail(_ context.Context, d *Delivery, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.release(d.Raw)
	delete(m.attempts, d.Raw)
	m.failed = append([]FailedJob{{Raw: d.Raw, Error: errString(cause), Attempts: d.Attempt, FailedAt: m.now()}}, m.failed...)
	if len(m.failed) > failedKeep {
		m.failed = m.failed[:failedKeep]
	}
	return nil
}

// Failed returns dead-lettered jobs, newest first.
func (m *Memory) Failed() []FailedJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FailedJob(nil), m.failed...)
}

// Stats reports ready, delayed and in-flight counts.
func (m *Memory) Stats() (ready, delayedN, active int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.active {
		active += n
	}
	return len(m.ready), len(m.delayed), active
}
