package runtime

import (
	"sync"
	"time"

	"OpenMCP-Dispatch/internal/task"
)

// KindStats 汇总某一任务类型的执行耗时。
type KindStats struct {
	Count           int64         `json:"count"`
	TotalDuration   time.Duration `json:"total_duration"`
	AverageDuration time.Duration `json:"average_duration"`
}

// Stats 是运行时统计的快照。
type Stats struct {
	// TotalTasks 为通过准入控制并完成调度的任务数。
	TotalTasks int64 `json:"total_tasks"`
	// Rejected 为校验失败、超出并发上限或运行时已关闭而被拒绝的提交数。
	Rejected   int64                   `json:"rejected"`
	Active     int64                   `json:"active"`
	ByStatus   map[task.Status]int64   `json:"by_status"`
	ByProvider map[string]int64        `json:"by_provider"`
	ByKind     map[task.Kind]KindStats `json:"by_kind"`
	StartedAt  time.Time               `json:"started_at"`
	Uptime     time.Duration           `json:"uptime"`
}

type statsBook struct {
	mu         sync.Mutex
	total      int64
	rejected   int64
	byStatus   map[task.Status]int64
	byProvider map[string]int64
	byKind     map[task.Kind]KindStats
}

func newStatsBook() *statsBook {
	return &statsBook{
		byStatus:   make(map[task.Status]int64),
		byProvider: make(map[string]int64),
		byKind:     make(map[task.Kind]KindStats),
	}
}

// record 记录一次完成的调度。平均耗时按每次提交计算，失败的调度同样计入。
func (s *statsBook) record(kind task.Kind, status task.Status, providerName string, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.byStatus[status]++
	if providerName != "" {
		s.byProvider[providerName]++
	}
	ks := s.byKind[kind]
	ks.Count++
	ks.TotalDuration += elapsed
	ks.AverageDuration = ks.TotalDuration / time.Duration(ks.Count)
	s.byKind[kind] = ks
}

func (s *statsBook) reject() {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
}

func (s *statsBook) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Stats{
		TotalTasks: s.total,
		Rejected:   s.rejected,
		ByStatus:   make(map[task.Status]int64, len(s.byStatus)),
		ByProvider: make(map[string]int64, len(s.byProvider)),
		ByKind:     make(map[task.Kind]KindStats, len(s.byKind)),
	}
	for k, v := range s.byStatus {
		out.ByStatus[k] = v
	}
	for k, v := range s.byProvider {
		out.ByProvider[k] = v
	}
	for k, v := range s.byKind {
		out.ByKind[k] = v
	}
	return out
}
