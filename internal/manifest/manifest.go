// Copyright 2014-2019 apksigner Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package manifest implements the JAR manifest (MANIFEST.MF) and
// per-signer signature (.SF) file formats used by APK v1 signing.
//
// References:
// - https://docs.oracle.com/javase/7/docs/technotes/guides/jar/jar.html
package manifest

import (
	"bufio"
	"bytes"
	"io"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Manifest is a parsed MANIFEST.MF or .SF file: the main section is keyed
// by "", per-entry sections are keyed by their JAR entry name.
type Manifest map[string]Attributes

// Attributes is an ordered list of "Key: value" lines within one section.
type Attributes []string

// Without returns a copy of as with the first attribute whose key matches
// removed. Used to drop a stale digest line before recomputing it under a
// possibly different algorithm.
func (as Attributes) Without(key string) Attributes {
	key = key + ": "
	for i, v := range as {
		if strings.HasPrefix(v, key) {
			return append(as[:i:i], as[i+1:]...)
		}
	}
	return as
}

// ParseManifest parses a MANIFEST.MF or .SF stream into sections.
func ParseManifest(r io.Reader) (Manifest, error) {
	const namePrefix = "Name: "
	m := Manifest{}
	k, v := "", Attributes{}
	// TODO: handle advanced base64-encoded attributes correctly
	scan := bufio.NewScanner(
		io.MultiReader(r, strings.NewReader("\r\n\r\n")))
	for scan.Scan() {
		line := scan.Text()
		switch {
		case line == "":
			// new section
			if len(v) > 0 {
				m[k] = v
				k, v = "", Attributes{}
			}
		case strings.HasPrefix(line, namePrefix):
			k = line[len(namePrefix):]
		case strings.HasPrefix(line, " "):
			if len(v) == 0 {
				k += line[1:]
			} else {
				// TODO: optimize (?)
				v[len(v)-1] += line[1:]
			}
		default:
			v = append(v, line)
		}
	}
	if scan.Err() != nil {
		return nil, errors.Wrap(scan.Err(), "META-INF/MANIFEST.MF")
	}
	return m, nil
}

// WriteTo serializes m in deterministic order: the main section first,
// then per-entry sections sorted by name.
func (m Manifest) WriteTo(w io.Writer) (n int64, err error) {
	w = &wrap72{Writer: w}
	write := func(s string) {
		if err == nil {
			var wn int
			wn, err = w.Write([]byte(s))
			n += int64(wn)
		}
	}
	for _, attr := range m[""] {
		write(attr + "\r\n")
	}
	if err != nil {
		return
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 0 && names[0] == "" {
		names = names[1:]
	}
	for _, name := range names {
		write("\r\n")
		wn, werr := m.WriteEntry(w, name)
		n, err = n+wn, werr
		if err != nil {
			return
		}
	}
	// HACK: extra trailing newline, kept for bit-exact compatibility with
	// manifests produced by the Android build tools.
	write("\r\n")
	return
}

// WriteEntry writes the per-entry section for name (its "Name:" line plus
// its attributes, e.g. digest lines).
func (m Manifest) WriteEntry(w io.Writer, name string) (n int64, err error) {
	w = &wrap72{Writer: w}
	write := func(s string) {
		if err == nil {
			var wn int
			wn, err = w.Write([]byte(s))
			n += int64(wn)
		}
	}
	// FIXME: verify that name has no '\n', etc.
	write("Name: " + name + "\r\n")
	for _, attr := range m[name] {
		write(attr + "\r\n")
	}
	return
}

// Bytes serializes m the same way WriteTo does, returning a standalone
// buffer. Used wherever the caller needs the manifest bytes themselves
// (e.g. to compare against a previously emitted manifest, or to digest
// them for a .SF file).
func (m Manifest) Bytes() ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	_, err := m.WriteTo(buf)
	return buf.Bytes(), err
}

// wrap72 writes to Writer, splitting any lines exceeding 72 bytes (including
// the terminating "\r\n"). Continuation of a split line is marked with a
// single space " " prefix, per the JAR manifest format.
type wrap72 struct {
	io.Writer
	n int
}

func (w *wrap72) Write(buf []byte) (n int, err error) {
	const max = 70
	for len(buf) > 0 {
		i := bytes.IndexAny(buf, "\r\n")
		if i == 0 {
			for i < len(buf) && (buf[i] == '\r' || buf[i] == '\n') {
				i++
			}
			wn, werr := w.Writer.Write(buf[:i])
			n += wn
			if werr != nil {
				return n, werr
			}
			w.n = 0
			buf = buf[i:]
			continue
		}
		if i == -1 {
			i = len(buf)
		}
		if w.n == max {
			_, werr := w.Writer.Write([]byte("\r\n "))
			if werr != nil {
				return n, werr
			}
			w.n = 1
		}
		if w.n+i > 70 {
			i = 70 - w.n
		}
		wn, werr := w.Writer.Write(buf[:i])
		n += wn
		if werr != nil {
			return n, werr
		}
		w.n += i
		buf = buf[i:]
	}
	return
}
