// Package attach classifies attachment references and downloads the ones
// that must exist locally before the UI can use them.
package attach

import (
	"strings"

	"github.com/pigeonchat/pigeon/internal/store"
)

// Resolution is the outcome of classifying one attachment reference.
type Resolution struct {
	// ExposedRef is what the UI may use right now: a local path, a
	// streamable remote URL, or empty while a required download is
	// outstanding.
	ExposedRef    string
	NeedsDownload bool
}

// Resolve decides whether an attachment reference is usable as-is or must
// be fetched.
//
// A previously completed download (knownLocalPath) always wins: never
// re-download, never prefer a possibly stale remote ref. Otherwise
// local-content schemes, data URIs and absolute paths are local by
// definition; a file:// ref is trusted only when the message is the local
// user's own (a counterpart's file path is not readable on this device
// and goes through the remote path). Remote images and videos stream fine
// from their URL so they are exposed directly unless a local copy is
// explicitly requested; audio and file attachments always need a local
// handle and their remote ref is withheld until one exists.
func Resolve(rawRef, knownLocalPath string, ownMessage bool, kind string, wantLocal bool) Resolution {
	if knownLocalPath != "" {
		return Resolution{ExposedRef: knownLocalPath}
	}
	if rawRef == "" {
		return Resolution{}
	}
	if isLocalRef(rawRef) {
		return Resolution{ExposedRef: rawRef}
	}
	if strings.HasPrefix(rawRef, "file://") && ownMessage {
		return Resolution{ExposedRef: rawRef}
	}

	// Remote.
	if (kind == store.KindImage || kind == store.KindVideo) && !wantLocal {
		return Resolution{ExposedRef: rawRef}
	}
	return Resolution{NeedsDownload: true}
}

func isLocalRef(ref string) bool {
	return strings.HasPrefix(ref, "content://") ||
		strings.HasPrefix(ref, "data:") ||
		strings.HasPrefix(ref, "/")
}
