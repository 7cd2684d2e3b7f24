package gateway

import (
	"BTPSync/tools/safe"
)

type fanoutJob struct {
	conns   []*conn
	payload []byte
}

// Fanout spreads broadcast writes over a small worker pool so one big
// room cannot serialize the whole gateway.
type Fanout struct {
	jobs chan fanoutJob
}

func NewFanout(workers, queue int) *Fanout {
	f := &Fanout{jobs: make(chan fanoutJob, queue)}
	for i := 0; i < workers; i++ {
		safe.SafeGo(func() {
			for job := range f.jobs {
				for _, c := range job.conns {
					// slow or closed client: skip, it re-pulls on reconnect
					c.enqueue(job.payload)
				}
			}
		})
	}
	return f
}

func (f *Fanout) Broadcast(conns []*conn, payload []byte) {
	if len(conns) == 0 || len(payload) == 0 {
		return
	}
	f.jobs <- fanoutJob{conns: conns, payload: payload}
}
