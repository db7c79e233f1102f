// Package zipio supplies the ZIP-structure collaborator the signing core
// itself never implements (spec.md §1 Out of scope: "ZIP reader/writer,
// central-directory parsing, EOCD rewriting"): splitting an assembled ZIP
// archive into the three sections signengine.EmitV2 needs (entries region,
// central directory, end-of-central-directory), and locating an existing
// APK Signing Block so a re-sign can strip it first.
//
// Grounded on pzx521521-apkEditor's editor/signv2/apk.go NewApkSign: the
// same backward EOCD scan (magic 0x06054b50, comment-length cross-check,
// central-directory-adjacency check) and the same paired little-endian u64
// size-field convention for locating an APK Signing Block by its trailing
// "APK Sig Block 42" magic.
package zipio

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	eocdMagic         = 0x06054b50
	centralDirMagic   = 0x02014b50
	signingBlockMagic = "APK Sig Block 42"
)

// Sections is a ZIP archive split into its three structural regions.
type Sections struct {
	Entries          []byte // everything before the central directory (signing block, if any, stripped)
	CentralDirectory []byte
	EOCD             []byte
}

// Split parses raw as a ZIP archive and returns its three sections. If raw
// already carries an APK Signing Block immediately before the central
// directory, it is excluded from Entries (the driver re-signs from the
// v1-only layout, recomputing v2 from scratch, per spec.md's invalidation
// rules).
func Split(raw []byte) (Sections, error) {
	if len(raw) < 22 {
		return Sections{}, errors.New("zipio: input is too small to be a zip")
	}

	eocdOffset, cdOffset, err := findEOCD(raw)
	if err != nil {
		return Sections{}, err
	}

	entriesEnd := uint64(cdOffset)
	if blockStart, ok := findSigningBlock(raw, cdOffset); ok {
		entriesEnd = blockStart
	}

	return Sections{
		Entries:          raw[:entriesEnd],
		CentralDirectory: raw[cdOffset:eocdOffset],
		EOCD:             raw[eocdOffset:],
	}, nil
}

// findEOCD scans backward from the end of raw for the End Of Central
// Directory record, verifying its comment length and that it points to a
// central directory record immediately preceding it — the same two
// cross-checks NewApkSign performs.
func findEOCD(raw []byte) (eocdOffset, cdOffset uint32, err error) {
	size := int64(len(raw))
	for i := int64(0); i < 65536 && size-22-i >= 0; i++ {
		start := size - 22 - i
		b := raw[start : start+22]
		if binary.LittleEndian.Uint32(b[:4]) != eocdMagic {
			continue
		}
		commentLen := binary.LittleEndian.Uint16(b[20:22])
		if int64(commentLen) != i {
			continue
		}
		candidateEOCD := uint32(start)
		cd := binary.LittleEndian.Uint32(b[16:20])
		cdLen := binary.LittleEndian.Uint32(b[12:16])
		if int64(cd)+int64(cdLen) != int64(candidateEOCD) {
			continue
		}
		if cd >= uint32(len(raw)) || binary.LittleEndian.Uint32(raw[cd:cd+4]) != centralDirMagic {
			continue
		}
		return candidateEOCD, cd, nil
	}
	return 0, 0, errors.New("zipio: no valid End Of Central Directory record found")
}

// findSigningBlock reports the offset an existing APK Signing Block starts
// at, immediately before cdOffset, if present.
func findSigningBlock(raw []byte, cdOffset uint32) (uint64, bool) {
	if int64(cdOffset) < 24 {
		return 0, false
	}
	magicStart := int64(cdOffset) - 16
	if string(raw[magicStart:cdOffset]) != signingBlockMagic {
		return 0, false
	}
	postSizeStart := magicStart - 8
	if postSizeStart < 0 {
		return 0, false
	}
	postSize := binary.LittleEndian.Uint64(raw[postSizeStart : postSizeStart+8])
	blockStart := int64(cdOffset) - int64(postSize) - 8
	if blockStart < 0 {
		return 0, false
	}
	preSize := binary.LittleEndian.Uint64(raw[blockStart : blockStart+8])
	if preSize != postSize {
		return 0, false
	}
	return uint64(blockStart), true
}

// InjectBeforeCentralDirectory returns a new byte slice with padding zero
// bytes followed by block inserted between s.Entries and s.CentralDirectory,
// and s.EOCD's central-directory-offset field patched accordingly. Mirrors
// apk.go's InjectBeforeCD.
func (s Sections) InjectBeforeCentralDirectory(padding uint32, block []byte) []byte {
	out := make([]byte, 0, len(s.Entries)+int(padding)+len(block)+len(s.CentralDirectory)+len(s.EOCD))
	out = append(out, s.Entries...)
	out = append(out, make([]byte, padding)...)
	out = append(out, block...)
	out = append(out, s.CentralDirectory...)
	out = append(out, s.EOCD...)

	newCDOffset := uint32(len(s.Entries)) + padding + uint32(len(block))
	binary.LittleEndian.PutUint32(out[len(out)-len(s.EOCD)+16:], newCDOffset)
	return out
}
