// Package manifestquery answers the one question signengine's
// DebuggablePolicy needs from the output AndroidManifest.xml: is the
// android:debuggable attribute present and true on the <application>
// element. Binary AndroidManifest (AXML) parsing itself is out of scope
// for the signing core (spec.md §1) — this package is the thin wrapper
// around the real external collaborator, github.com/avast/apkparser, the
// same library the pack's own axml2xml tool uses to walk AXML documents.
package manifestquery

import (
	"bytes"
	"encoding/xml"
	"io"

	"github.com/avast/apkparser"
	"github.com/pkg/errors"
)

const (
	androidNS        = "http://schemas.android.com/apk/res/android"
	debuggableAttr   = "debuggable"
	applicationLocal = "application"
)

// IsDebuggable parses rawManifest (the binary AndroidManifest.xml bytes
// from the output APK) and reports whether its <application> element
// declares android:debuggable="true".
//
// apkparser.ParseXml doesn't expose a callback interface — it decodes
// directly onto an *xml.Encoder, the same pattern axml2xml uses
// (xml.NewEncoder(os.Stdout); apkparser.ParseXml(r, enc, nil)). So the
// AXML is first re-encoded into plain text XML, then re-read with the
// standard library's decoder to inspect the <application> element.
func IsDebuggable(rawManifest []byte) (bool, error) {
	var decoded bytes.Buffer
	enc := xml.NewEncoder(&decoded)
	if err := apkparser.ParseXml(bytes.NewReader(rawManifest), enc, nil); err != nil {
		return false, errors.Wrap(err, "manifestquery: parsing AndroidManifest.xml")
	}
	if err := enc.Flush(); err != nil {
		return false, errors.Wrap(err, "manifestquery: flushing decoded AndroidManifest.xml")
	}

	return scanForDebuggable(decoded.Bytes())
}

func scanForDebuggable(decoded []byte) (bool, error) {
	dec := xml.NewDecoder(bytes.NewReader(decoded))
	seenApplication := false
	debuggable := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return false, errors.Wrap(err, "manifestquery: re-reading decoded AndroidManifest.xml")
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != applicationLocal {
			continue
		}
		seenApplication = true
		for _, a := range start.Attr {
			if a.Name.Local == debuggableAttr && a.Name.Space == androidNS {
				debuggable = a.Value == "true" || a.Value == "1" || a.Value == "true()"
			}
		}
	}
	if !seenApplication {
		return false, errors.New("manifestquery: AndroidManifest.xml has no <application> element")
	}
	return debuggable, nil
}
