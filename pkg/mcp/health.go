package mcp

import (
	"sync"
	"time"
)

// healthMonitor periodically probes transport liveness and reports the first
// failure, then stops itself until the next successful connect restarts it.
type healthMonitor struct {
	interval  time.Duration
	probe     func() error
	onFailure func(error)

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
}

func newHealthMonitor(interval time.Duration, probe func() error, onFailure func(error)) *healthMonitor {
	return &healthMonitor{
		interval:  interval,
		probe:     probe,
		onFailure: onFailure,
	}
}

func (h *healthMonitor) start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})
	go h.loop(h.stopCh)
}

func (h *healthMonitor) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	h.running = false
	close(h.stopCh)
	h.stopCh = nil
}

func (h *healthMonitor) loop(stopCh chan struct{}) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := h.probe(); err != nil {
				h.stop()
				h.onFailure(err)
				return
			}
		}
	}
}
