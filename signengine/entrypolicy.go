package signengine

import (
	"path"
	"strings"
)

// EntryPolicy classifies how the driver must treat one JAR entry name.
type EntryPolicy int

const (
	// PassThrough means the driver copies the entry through unchanged.
	PassThrough EntryPolicy = iota
	// Drop means the driver must omit the entry from the output (used to
	// replace third-party signature files).
	Drop
	// EngineOwned means the engine will synthesize this entry itself; the
	// driver must not copy the input version.
	EngineOwned
)

func (p EntryPolicy) String() string {
	switch p {
	case PassThrough:
		return "pass-through"
	case Drop:
		return "drop"
	case EngineOwned:
		return "engine-owned"
	default:
		return "unknown"
	}
}

// classify implements spec.md §4.1: entries the engine itself will emit
// are ENGINE_OWNED; when preserve-other-signers is set, everything else is
// PASS_THROUGH. Otherwise the JAR signing files under META-INF/ (see
// isJarExcludedFile) — principally third-party signature files — are DROP,
// which is how the engine replaces foreign signatures with its own; all
// other entries, including other META-INF/ files such as
// META-INF/services/*, are covered by v1 and PASS_THROUGH.
func (e *Engine) classify(name string) EntryPolicy {
	if e.signers.isEngineOwned(name) {
		return EngineOwned
	}
	if e.cfg.PreserveOtherSigners {
		return PassThrough
	}
	if !strings.HasPrefix(name, "META-INF/") {
		return PassThrough
	}
	if isJarExcludedFile(name) {
		return Drop
	}
	return PassThrough
}

// isJarExcludedFile reports whether name is one of the JAR signing files
// that are never covered by a v1 manifest: the manifest itself,
// per-signer .SF/.RSA/.DSA/.EC files, and SIG-* files. Mirrors the
// teacher's isSpecialIgnored.
func isJarExcludedFile(name string) bool {
	if !strings.HasPrefix(name, "META-INF/") {
		return false
	}
	match := func(pattern string) bool {
		m, err := path.Match(pattern, name)
		if err != nil {
			panic(err)
		}
		return m
	}
	return name == "META-INF/MANIFEST.MF" ||
		match("META-INF/*.SF") ||
		match("META-INF/*.RSA") ||
		match("META-INF/*.DSA") ||
		match("META-INF/*.EC") ||
		match("META-INF/SIG-*")
}
