package discovery

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Backend. Services registered on one Memory are
// visible to every Browse on the same Memory.
type Memory struct {
	mu       sync.Mutex
	services map[string]map[string]Service // service type -> instance -> service
	watchers map[string]map[*memWatcher]struct{}
}

// NewMemory returns an empty registry.
func NewMemory() *Memory {
	return &Memory{
		services: make(map[string]map[string]Service),
		watchers: make(map[string]map[*memWatcher]struct{}),
	}
}

var _ Backend = (*Memory)(nil)

type memEvent struct {
	svc      Service
	instance string
	lost     bool
}

// memWatcher delivers events to one Browse call in order.
type memWatcher struct {
	events chan memEvent
	done   <-chan struct{}
}

func (w *memWatcher) notify(ev memEvent) {
	select {
	case w.events <- ev:
	case <-w.done:
	}
}

// Register adds svc. Instance names are unique per service type.
func (m *Memory) Register(ctx context.Context, serviceType string, svc Service) (func(), error) {
	svc.Text = append([]string(nil), svc.Text...)

	m.mu.Lock()
	byInstance := m.services[serviceType]
	if byInstance == nil {
		byInstance = make(map[string]Service)
		m.services[serviceType] = byInstance
	}
	if _, taken := byInstance[svc.Instance]; taken {
		m.mu.Unlock()
		return nil, fmt.Errorf("instance %q already registered for %s", svc.Instance, serviceType)
	}
	byInstance[svc.Instance] = svc
	watchers := m.watchersLocked(serviceType)
	m.mu.Unlock()

	for _, w := range watchers {
		w.notify(memEvent{svc: svc})
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.unregister(serviceType, svc.Instance) })
	}, nil
}

func (m *Memory) unregister(serviceType, instance string) {
	m.mu.Lock()
	delete(m.services[serviceType], instance)
	watchers := m.watchersLocked(serviceType)
	m.mu.Unlock()

	for _, w := range watchers {
		w.notify(memEvent{instance: instance, lost: true})
	}
}

func (m *Memory) watchersLocked(serviceType string) []*memWatcher {
	out := make([]*memWatcher, 0, len(m.watchers[serviceType]))
	for w := range m.watchers[serviceType] {
		out = append(out, w)
	}
	return out
}

// Browse reports every registered instance, then later registrations and
// removals, until ctx is done.
func (m *Memory) Browse(ctx context.Context, serviceType string, found func(Service), lost func(string)) error {
	w := &memWatcher{events: make(chan memEvent, 64), done: ctx.Done()}

	m.mu.Lock()
	if m.watchers[serviceType] == nil {
		m.watchers[serviceType] = make(map[*memWatcher]struct{})
	}
	m.watchers[serviceType][w] = struct{}{}
	existing := make([]Service, 0, len(m.services[serviceType]))
	for _, svc := range m.services[serviceType] {
		existing = append(existing, svc)
	}
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.watchers[serviceType], w)
			m.mu.Unlock()
		}()
		for _, svc := range existing {
			if ctx.Err() != nil {
				return
			}
			found(svc)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-w.events:
				if ev.lost {
					lost(ev.instance)
				} else {
					found(ev.svc)
				}
			}
		}
	}()
	return nil
}

// Services returns the instances currently registered for serviceType.
func (m *Memory) Services(serviceType string) []Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Service, 0, len(m.services[serviceType]))
	for _, svc := range m.services[serviceType] {
		out = append(out, svc)
	}
	return out
}
