package signengine

import (
	"bytes"
	"hash"
	"io"
	"sync"

	"github.com/go-apksign/apksign/internal/digestalgo"
)

// InspectionRequest is the handle the engine hands the driver so the driver
// can stream an output entry's uncompressed bytes into the engine without
// the engine ever touching the ZIP writer directly. Each request is
// single-shot: the driver must call Done exactly once, after which Sink
// fails with a *SignError of kind ErrStateViolation.
//
// Grounded on spec.md §4.3/§9's "small variant type with three shapes"
// design note: BufferRequest, DigestRequest, and FanOutRequest all satisfy
// this one interface, and each guards its sink/done bit with a mutex
// sufficient for one writer + one reader without torn reads (spec.md §5).
type InspectionRequest interface {
	// Sink returns the writer the driver streams entry bytes into. Valid
	// only before Done is called.
	Sink() (io.Writer, error)
	// Done marks the request complete; the engine may now read results.
	Done() error
	// isDone reports completion without erroring, for internal polling.
	isDone() bool
}

// bufferRequest buffers everything written to it; once Done, Snapshot
// returns the accumulated bytes.
type bufferRequest struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	done bool
}

// NewBufferRequest creates an InspectionRequest that buffers all written
// bytes for later retrieval via Snapshot.
func NewBufferRequest() *bufferRequest {
	return &bufferRequest{}
}

func (r *bufferRequest) Sink() (io.Writer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil, newErr(ErrStateViolation, "buffer request already done")
	}
	return &lockedWriter{mu: &r.mu, w: &r.buf}, nil
}

func (r *bufferRequest) Done() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
	return nil
}

func (r *bufferRequest) isDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Snapshot returns the buffered bytes. Valid only after Done.
func (r *bufferRequest) Snapshot() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.done {
		return nil, newErr(ErrStateViolation, "buffer request not done")
	}
	out := make([]byte, r.buf.Len())
	copy(out, r.buf.Bytes())
	return out, nil
}

// digestRequest feeds a rolling hash under alg; once Done, Digest returns
// the final sum and releases the hasher.
type digestRequest struct {
	mu     sync.Mutex
	hasher hash.Hash
	sum    []byte
	done   bool
}

// NewDigestRequest creates an InspectionRequest that hashes all written
// bytes under alg.
func NewDigestRequest(alg digestalgo.Algorithm) *digestRequest {
	return &digestRequest{hasher: alg.Hash().New()}
}

func (r *digestRequest) Sink() (io.Writer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil, newErr(ErrStateViolation, "digest request already done")
	}
	return &lockedWriter{mu: &r.mu, w: r.hasher}, nil
}

func (r *digestRequest) Done() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	r.sum = r.hasher.Sum(nil)
	r.hasher = nil // release
	r.done = true
	return nil
}

func (r *digestRequest) isDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Digest returns the final digest bytes. Valid only after Done.
func (r *digestRequest) Digest() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.done {
		return nil, newErr(ErrStateViolation, "digest request not done")
	}
	return r.sum, nil
}

// fanOutRequest tees writes to several child requests; Done propagates to
// all of them.
type fanOutRequest struct {
	mu       sync.Mutex
	children []InspectionRequest
	sinks    []io.Writer
	done     bool
}

// NewFanOutRequest wraps two or more child requests under a single sink
// that tees incoming writes to all of them.
func NewFanOutRequest(children ...InspectionRequest) (*fanOutRequest, error) {
	if len(children) < 2 {
		return nil, newErr(ErrStateViolation, "fan-out request needs at least 2 children")
	}
	return &fanOutRequest{children: children}, nil
}

func (r *fanOutRequest) Sink() (io.Writer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil, newErr(ErrStateViolation, "fan-out request already done")
	}
	if r.sinks == nil {
		r.sinks = make([]io.Writer, len(r.children))
		for i, c := range r.children {
			s, err := c.Sink()
			if err != nil {
				return nil, err
			}
			r.sinks[i] = s
		}
	}
	return io.MultiWriter(r.sinks...), nil
}

func (r *fanOutRequest) Done() error {
	r.mu.Lock()
	children := append([]InspectionRequest(nil), r.children...)
	r.done = true
	r.mu.Unlock()
	for _, c := range children {
		if err := c.Done(); err != nil {
			return err
		}
	}
	return nil
}

func (r *fanOutRequest) isDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// lockedWriter serializes writes against the same mutex the owning request
// uses for its done bit, satisfying the single-writer-plus-reader
// discipline spec.md §5 requires without torn reads.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
