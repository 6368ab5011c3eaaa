package bridge

import (
	"context"
	"sync/atomic"
)

// ProcessPool hands requests to its processes round-robin.
type ProcessPool struct {
	processes []*Process
	next      uint32
}

type PoolStats struct {
	Processes     int `json:"processes"`
	DeadProcesses int `json:"dead_processes"`
}

// NewPool starts count processes from cfg.
func NewPool(count int, cfg processConfig) (*ProcessPool, error) {
	processes := make([]*Process, 0, count)

	for i := 0; i < count; i++ {
		p, err := NewProcess(cfg)
		if err != nil {
			for _, started := range processes {
				started.Close()
			}
			return nil, err
		}
		processes = append(processes, p)
	}

	return &ProcessPool{processes: processes}, nil
}

func (p *ProcessPool) Dispatch(ctx context.Context, req *RequestPayload) (*ResponsePayload, error) {
	i := atomic.AddUint32(&p.next, 1)
	proc := p.processes[i%uint32(len(p.processes))]

	return proc.Handle(ctx, req)
}

// MarkAllDead makes every process restart before its next request.
func (p *ProcessPool) MarkAllDead() {
	for _, proc := range p.processes {
		proc.markDead()
	}
}

func (p *ProcessPool) Stats() PoolStats {
	stats := PoolStats{}
	if p == nil {
		return stats
	}

	stats.Processes = len(p.processes)
	for _, proc := range p.processes {
		if proc.isDead() {
			stats.DeadProcesses++
		}
	}
	return stats
}

func (p *ProcessPool) Close() error {
	for _, proc := range p.processes {
		proc.Close()
	}
	return nil
}
