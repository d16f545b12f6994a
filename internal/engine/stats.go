package engine

import (
	"log"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// SubscriberCounts is the number of registered subscribers per kind.
type SubscriberCounts struct {
	Snapshots int `json:"snapshots"`
	Events    int `json:"events"`
}

// MemoryStats reports how much the engine is holding on to.
type MemoryStats struct {
	EntryCount      int              `json:"entryCount"`
	OldestTimestamp *time.Time       `json:"oldestTimestamp"`
	NewestTimestamp *time.Time       `json:"newestTimestamp"`
	MaxEntries      int              `json:"maxEntries"`
	MaxAgeSeconds   float64          `json:"maxAgeSeconds"`
	EvictedTotal    int              `json:"evictedTotal"`
	DedupIndexSize  int              `json:"dedupIndexSize"`
	Subscribers     SubscriberCounts `json:"subscribers"`
	ProcessRSSBytes uint64           `json:"processRssBytes"`
	HeapAllocBytes  uint64           `json:"heapAllocBytes"`
	Connection      Status           `json:"connection"`
}

// MemoryStats returns the current log footprint and process memory. It
// never waits on the actor.
func (e *Engine) MemoryStats() MemoryStats {
	st := e.stats.Load()
	ms := MemoryStats{
		EntryCount:     st.entries,
		MaxEntries:     e.cfg.MaxEntries,
		MaxAgeSeconds:  e.cfg.MaxAge.Seconds(),
		EvictedTotal:   st.evicted,
		DedupIndexSize: st.dedupSize,
		HeapAllocBytes: heapAlloc(),
		Connection:     e.Status(),
	}
	if !st.oldest.IsZero() {
		t := st.oldest
		ms.OldestTimestamp = &t
	}
	if !st.newest.IsZero() {
		t := st.newest
		ms.NewestTimestamp = &t
	}
	ms.Subscribers.Snapshots, ms.Subscribers.Events = e.publisher.Counts()
	if e.proc != nil {
		if mi, err := e.proc.MemoryInfo(); err == nil {
			ms.ProcessRSSBytes = mi.RSS
		}
	}
	return ms
}

func selfProcess() *process.Process {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Printf("[engine] process stats unavailable: %v", err)
		return nil
	}
	return proc
}

func heapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}
