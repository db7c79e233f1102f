package signengine

import "github.com/go-apksign/apksign/internal/v2sig"

// V2Artifact is the serialized APK Signing Block plus the padding the
// driver must insert between the last ZIP entry and the block itself.
type V2Artifact struct {
	BlockBytes    []byte
	PaddingBefore uint32
}

// v2Pipeline computes the v2 signature over the final ZIP layout, per
// spec.md §4.5. It holds no state across calls besides the pending flag —
// every emission recomputes from the sections handed to it.
type v2Pipeline struct {
	pending bool
}

func newV2Pipeline(enabled bool) *v2Pipeline {
	return &v2Pipeline{pending: enabled}
}

func (p *v2Pipeline) invalidate() { p.pending = true }

// emit implements spec.md §4.5: require v1 fulfilled, compute padding so
// the block ends 4 KiB-aligned to the central directory (when supported),
// rewrite the EOCD's central-directory offset, invoke the v2 leaf builder,
// and wrap the result in the envelope.
func (p *v2Pipeline) emit(entries, centralDir, eocd []byte, supportsPadding bool, signers *signerSet, v1Pending bool) (*V2Artifact, error) {
	if v1Pending {
		return nil, newErr(ErrStateViolation, "v1 must be fulfilled before v2 can be emitted")
	}

	// First pass: estimate the block size with zero padding to size the
	// alignment calculation, then redo the EOCD/offset math against that
	// estimate. The v2 block's size does not depend on the padding value
	// itself, only on entries/centralDir/eocd content, so one pass with a
	// placeholder EOCD offset is enough to learn the real block size.
	placeholderEOCD := v2sig.RewriteEOCD(eocd, uint32(len(entries))+uint32(len(centralDir)))
	estimate, err := v2sig.Build(entries, centralDir, placeholderEOCD, signers.v2Signers)
	if err != nil {
		return nil, wrapErr(ErrCrypto, err, "estimating v2 block size")
	}

	padding := v2sig.PadCentralDirectory(int64(len(entries)), int64(len(estimate)), supportsPadding)

	newCDOffset := uint32(int64(len(entries)) + int64(padding) + int64(len(estimate)))
	finalEOCD := v2sig.RewriteEOCD(eocd, newCDOffset)

	block, err := v2sig.Build(entries, centralDir, finalEOCD, signers.v2Signers)
	if err != nil {
		return nil, wrapErr(ErrCrypto, err, "building v2 signing block")
	}

	p.pending = false
	return &V2Artifact{BlockBytes: block, PaddingBefore: padding}, nil
}
