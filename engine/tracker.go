package engine

import (
	"sync"

	"vid2audio/job"
	"vid2audio/media"
)

// tracker turns extractor progress events into monotonic job updates.
type tracker struct {
	ch       chan media.Progress
	done     chan struct{}
	once     sync.Once
	status   job.Status
	progress int
}

func (r *run) track(upload bool) *tracker {
	tr := &tracker{
		ch:       make(chan media.Progress, 16),
		done:     make(chan struct{}),
		status:   r.job.Status,
		progress: r.job.Progress,
	}
	go func() {
		defer close(tr.done)
		for p := range tr.ch {
			status, pct := mapProgress(p, upload)
			if pct < tr.progress {
				pct = tr.progress
			}
			if status == tr.status && pct == tr.progress {
				continue
			}
			if err := r.step(status, pct, stageFor(status), nil); err != nil {
				continue
			}
			tr.status, tr.progress = status, pct
		}
	}()
	return tr
}

// wait must be called once the extractor has returned. It is safe to call twice.
func (tr *tracker) wait() {
	tr.once.Do(func() {
		close(tr.ch)
		<-tr.done
	})
}

// mapProgress places a phase percent on the job's overall 0-100 scale:
// remote downloads span 15-60 and extraction 60-85; upload transcodes span 40-85.
func mapProgress(p media.Progress, upload bool) (job.Status, int) {
	switch {
	case p.Phase == media.PhaseDownloading:
		return job.StatusDownloading, 15 + int(p.Percent*45/100)
	case upload:
		return job.StatusExtracting, 40 + int(p.Percent*45/100)
	default:
		return job.StatusExtracting, 60 + int(p.Percent*25/100)
	}
}

func stageFor(s job.Status) string {
	if s == job.StatusDownloading {
		return "Downloading video..."
	}
	return "Extracting audio..."
}
