package signengine

import "github.com/go-apksign/apksign/internal/manifestquery"

// debuggableState caches the android:debuggable bit parsed from the
// output AndroidManifest.xml, re-derived whenever that entry is
// overwritten (spec.md §3 DebuggableState, §4.6).
type debuggableState struct {
	known      bool
	debuggable bool
}

func (d *debuggableState) invalidate() {
	d.known = false
	d.debuggable = false
}

// observe parses rawManifest and caches the result. Returns *SignError of
// kind ErrFormat if the manifest cannot be parsed.
func (d *debuggableState) observe(rawManifest []byte) error {
	debuggable, err := manifestquery.IsDebuggable(rawManifest)
	if err != nil {
		return wrapErr(ErrFormat, err, "parsing output AndroidManifest.xml")
	}
	d.known = true
	d.debuggable = debuggable
	return nil
}

// manifestObserverRequest is a BufferRequest whose Done additionally feeds
// the buffered AndroidManifest.xml bytes into debuggableState, so
// OnOutputEntry can hand the driver a single InspectionRequest that both
// buffers AndroidManifest.xml's bytes and updates the debuggable cache
// once the driver finishes streaming it.
type manifestObserverRequest struct {
	*bufferRequest
	state *debuggableState
}

func newManifestObserver(state *debuggableState) *manifestObserverRequest {
	return &manifestObserverRequest{bufferRequest: NewBufferRequest(), state: state}
}

func (r *manifestObserverRequest) Done() error {
	if err := r.bufferRequest.Done(); err != nil {
		return err
	}
	raw, err := r.bufferRequest.Snapshot()
	if err != nil {
		return err
	}
	return r.state.observe(raw)
}

// enforce implements spec.md §4.6: if signing debuggable APKs is
// prohibited and the manifest has not yet been observed, fail with
// ErrStateViolation (the driver must submit AndroidManifest.xml before
// asking for a v1 or v2 emission). If debuggable and prohibited, fail with
// ErrSignatureRefusedDebuggable.
func (d *debuggableState) enforce(debuggablePermitted bool) error {
	if debuggablePermitted {
		return nil
	}
	if !d.known {
		return newErr(ErrStateViolation, "output AndroidManifest.xml has not been observed yet")
	}
	if d.debuggable {
		return newErr(ErrSignatureRefusedDebuggable, "APK declares android:debuggable=true and debuggable signing is disallowed")
	}
	return nil
}
