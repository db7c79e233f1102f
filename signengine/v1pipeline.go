package signengine

import (
	"bytes"
	"sort"

	"github.com/go-apksign/apksign/internal/digestalgo"
	"github.com/go-apksign/apksign/internal/manifest"
	"github.com/go-apksign/apksign/internal/v1sig"
)

// v1Pipeline tracks pending per-entry digests, re-emitted signature entries
// previously produced by the engine, and the cached input MANIFEST.MF, per
// spec.md §3/§4.4. It never touches the driver's ZIP writer directly —
// only InspectionRequest handles cross that boundary.
type v1Pipeline struct {
	contentDigestAlg digestalgo.Algorithm

	pendingDigests map[string]*digestRequest // OutputDigestMap requests not yet done
	digests        map[string][]byte         // OutputDigestMap: entry name -> content digest

	engineOwnedBuffers map[string]*bufferRequest // buffers for entries the engine itself emits

	inputManifestReq *bufferRequest // buffer of the input MANIFEST.MF, if seen

	emitted           map[string][]byte // EmittedSignatureSet: name -> last-emitted bytes
	lastManifestBytes []byte            // nil until a v1 emission has happened at least once

	pending bool
}

func newV1Pipeline(contentDigestAlg digestalgo.Algorithm, enabled bool) *v1Pipeline {
	return &v1Pipeline{
		contentDigestAlg:   contentDigestAlg,
		pendingDigests:     map[string]*digestRequest{},
		digests:            map[string][]byte{},
		engineOwnedBuffers: map[string]*bufferRequest{},
		emitted:            map[string][]byte{},
		pending:            enabled,
	}
}

// openDigest opens (or reopens, after a prior removal) a DigestRequest for
// an output entry covered by v1.
func (p *v1Pipeline) openDigest(name string) *digestRequest {
	r := NewDigestRequest(p.contentDigestAlg)
	p.pendingDigests[name] = r
	return r
}

// openEngineOwnedBuffer opens a BufferRequest so the engine can later
// compare on-disk bytes of a signature file it emitted against what it
// actually emitted.
func (p *v1Pipeline) openEngineOwnedBuffer(name string) *bufferRequest {
	r := NewBufferRequest()
	p.engineOwnedBuffers[name] = r
	return r
}

// openInputManifest opens the BufferRequest used to cache the input
// MANIFEST.MF's main section.
func (p *v1Pipeline) openInputManifest() *bufferRequest {
	r := NewBufferRequest()
	p.inputManifestReq = r
	return r
}

// onOutputEntryRemoved drops any pending digest request for name, removes
// its digest from OutputDigestMap, and re-asserts v1Pending.
func (p *v1Pipeline) onOutputEntryRemoved(name string) {
	delete(p.pendingDigests, name)
	delete(p.digests, name)
	delete(p.engineOwnedBuffers, name)
	p.pending = true
}

func (p *v1Pipeline) invalidate() { p.pending = true }

// mainSection returns the main-section attributes to borrow into the new
// manifest: the input manifest's main section if one was observed,
// otherwise nil (v1sig.BuildManifest supplies defaults).
func (p *v1Pipeline) mainSection() (manifest.Attributes, error) {
	if p.inputManifestReq == nil {
		return nil, nil
	}
	if !p.inputManifestReq.isDone() {
		return nil, newErr(ErrStateViolation, "input MANIFEST.MF inspection request is not done")
	}
	raw, err := p.inputManifestReq.Snapshot()
	if err != nil {
		return nil, err
	}
	m, err := manifest.ParseManifest(bytes.NewReader(raw))
	if err != nil {
		return nil, wrapErr(ErrFormat, err, "parsing input MANIFEST.MF")
	}
	return m[""], nil
}

// verifyRequestsDone implements step 1 of the signature-generation
// protocol (spec.md §4.4): every pending digest/buffer request must be
// done before results can be read.
func (p *v1Pipeline) verifyRequestsDone() error {
	if p.inputManifestReq != nil && !p.inputManifestReq.isDone() {
		return newErr(ErrStateViolation, "input MANIFEST.MF inspection request is not done")
	}
	for name, r := range p.pendingDigests {
		if !r.isDone() {
			return newErr(ErrStateViolation, "digest request for %q is not done", name)
		}
	}
	for name, r := range p.engineOwnedBuffers {
		if !r.isDone() {
			return newErr(ErrStateViolation, "buffer request for %q is not done", name)
		}
	}
	return nil
}

// consolidate moves all pending digests into the OutputDigestMap.
func (p *v1Pipeline) consolidate() error {
	for name, r := range p.pendingDigests {
		d, err := r.Digest()
		if err != nil {
			return err
		}
		p.digests[name] = d
	}
	p.pendingDigests = map[string]*digestRequest{}
	return nil
}

// emit runs the v1 signature-generation protocol (spec.md §4.4) and
// returns the artifacts the driver must add, or nil if there is nothing to
// add (the Manifest-stable branch, with every entry already matching).
func (p *v1Pipeline) emit(signers *signerSet, createdBy string, appliedSchemes []int, debuggable *debuggableState, debuggablePermitted bool) ([]v1sig.Entry, error) {
	if err := p.verifyRequestsDone(); err != nil {
		return nil, err
	}
	if err := p.consolidate(); err != nil {
		return nil, err
	}
	if err := debuggable.enforce(debuggablePermitted); err != nil {
		return nil, err
	}

	main, err := p.mainSection()
	if err != nil {
		return nil, err
	}
	newManifest, err := v1sig.BuildManifest(main, p.digests, p.contentDigestAlg, appliedSchemes, createdBy)
	if err != nil {
		return nil, wrapErr(ErrCrypto, err, "building MANIFEST.MF")
	}

	manifestStable := p.lastManifestBytes != nil && bytes.Equal(newManifest, p.lastManifestBytes)

	if manifestStable {
		toEmit := p.entriesNeedingReemission()
		if len(toEmit) == 0 {
			p.pending = false
			return nil, nil
		}
		p.record(toEmit)
		p.lastManifestBytes = newManifest
		p.pending = false
		return toEmit, nil
	}

	sigs, err := v1sig.BuildSignatures(newManifest, p.digests, signers.v1Signers, createdBy)
	if err != nil {
		return nil, wrapErr(ErrCrypto, err, "building v1 signatures")
	}
	all := append([]v1sig.Entry{{Name: "META-INF/MANIFEST.MF", Bytes: newManifest}}, sigs...)
	p.record(all)
	p.lastManifestBytes = newManifest
	p.pending = false
	return all, nil
}

// entriesNeedingReemission compares the previously emitted set against
// driver-observed bytes (spec.md §4.4 Manifest-stable branch), returning
// only the entries that are missing or differ.
func (p *v1Pipeline) entriesNeedingReemission() []v1sig.Entry {
	var stale []string
	for name := range p.emitted {
		stale = append(stale, name)
	}
	sort.Strings(stale)

	var toEmit []v1sig.Entry
	for _, name := range stale {
		want := p.emitted[name]
		buf, ok := p.engineOwnedBuffers[name]
		if !ok || !buf.isDone() {
			toEmit = append(toEmit, v1sig.Entry{Name: name, Bytes: want})
			continue
		}
		got, err := buf.Snapshot()
		if err != nil || !bytes.Equal(got, want) {
			toEmit = append(toEmit, v1sig.Entry{Name: name, Bytes: want})
		}
	}
	return toEmit
}

func (p *v1Pipeline) record(entries []v1sig.Entry) {
	for _, e := range entries {
		p.emitted[e.Name] = e.Bytes
	}
}

// finalize implements spec.md §4.4's pre-commit check: every previously
// emitted entry must have matching driver-written bytes.
func (p *v1Pipeline) finalize() error {
	names := make([]string, 0, len(p.emitted))
	for name := range p.emitted {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		want := p.emitted[name]
		buf, ok := p.engineOwnedBuffers[name]
		if !ok || !buf.isDone() {
			return newErr(ErrStateViolation, "entry %q was emitted but never observed written by the driver", name)
		}
		got, err := buf.Snapshot()
		if err != nil {
			return err
		}
		if !bytes.Equal(got, want) {
			return newErr(ErrStateViolation, "entry %q was written with bytes different from what the engine emitted", name)
		}
	}
	return nil
}
