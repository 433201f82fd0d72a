package server

import (
	"net/http"
	"time"

	"github.com/aryszka/jobqueue"

	"github.com/maltehedderich/api-gateway-go/gwerrors"
	"github.com/maltehedderich/api-gateway-go/pipeline"
)

// Admission bounds total in-flight requests with a FIFO wait queue,
// rejecting excess with 503 once both the concurrency slots and the
// queue itself are full — spec §5's "caps total in-flight requests and
// rejects excess with 503 service_unavailable + Retry-After", grounded
// on the teacher's scheduler.Queue, itself a thin wrapper over
// jobqueue.Stack (scheduler/scheduler.go). We use jobqueue directly
// since the gateway has no per-route filter configuration to key a
// registry of queues by.
type Admission struct {
	queue      *jobqueue.Stack
	retryAfter int
}

// NewAdmission builds an admission gate capping maxInFlight concurrent
// requests with up to maxQueued waiting, each waiting at most wait
// before failing with 503.
func NewAdmission(maxInFlight, maxQueued int, wait time.Duration) *Admission {
	return &Admission{
		queue: jobqueue.With(jobqueue.Options{
			MaxConcurrency: maxInFlight,
			MaxStackSize:   maxQueued,
			Timeout:        wait,
		}),
		retryAfter: 1,
	}
}

// Wait blocks until a slot is available, returning a done func to
// release it, or a *gwerrors.Error if the queue is full or the wait
// timed out.
func (a *Admission) Wait() (done func(), gerr *gwerrors.Error) {
	done, err := a.queue.Wait()
	if err == nil {
		return done, nil
	}
	switch err {
	case jobqueue.ErrStackFull, jobqueue.ErrTimeout:
		return nil, gwerrors.NewServiceUnavailable(a.retryAfter)
	default:
		return nil, gwerrors.NewServiceUnavailable(a.retryAfter)
	}
}

// Status reports current concurrency for the in-flight gauge.
func (a *Admission) Status() (active, queued int) {
	st := a.queue.Status()
	return st.ActiveJobs, st.QueuedJobs
}

// Close stops accepting new admissions.
func (a *Admission) Close() { a.queue.Close() }

// admissionMiddleware wraps an http.Handler with an Admission gate,
// used for both the main traffic listener and the admin listener's
// own, separately-sized cap (spec §4.7: health/metrics "bypass the
// main pipeline but are themselves protected by a simple concurrency
// cap").
func admissionMiddleware(a *Admission, correlationHeader string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		done, gerr := a.Wait()
		if gerr != nil {
			writeAdmissionError(w, r, correlationHeader, gerr)
			return
		}
		defer done()
		next.ServeHTTP(w, r)
	})
}

func writeAdmissionError(w http.ResponseWriter, r *http.Request, correlationHeader string, gerr *gwerrors.Error) {
	if gerr.RetryAfter <= 0 {
		gerr.RetryAfter = 1
	}
	pipeline.WriteError(w, r.Header.Get(correlationHeader), gerr)
}
