// Package archive maps file paths to self-encrypted content together with
// per-file metadata.
//
// An archive is generic over how its content is referenced: a
// PrivateArchive holds data map chunks that never leave the client, while a
// PublicArchive holds addresses of data maps stored on the network.
package archive

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/selfencrypt"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

// Ref is the set of content references an archive may hold.
type Ref interface {
	selfencrypt.DataMapChunk | address.DataAddress
}

// now is replaced in tests.
var now = time.Now

// Metadata describes a file. Times are seconds since the Unix epoch.
type Metadata struct {
	Created  uint64
	Modified uint64
	Size     uint64
	// Extra carries caller-defined data, typically JSON.
	Extra *string
}

// NewMetadata stamps a file of the given size with the current time.
func NewMetadata(size uint64) Metadata {
	ts := uint64(now().Unix())
	return Metadata{Created: ts, Modified: ts, Size: size}
}

// MetadataWithCustomFields builds metadata with explicit timestamps and an
// optional extra payload.
func MetadataWithCustomFields(created, modified, size uint64, extra *string) Metadata {
	m := Metadata{Created: created, Modified: modified, Size: size}
	if extra != nil {
		s := *extra
		m.Extra = &s
	}
	return m
}

// File is one archive entry.
type File[R Ref] struct {
	Path     string
	Ref      R
	Metadata Metadata
}

type entry[R Ref] struct {
	ref  R
	meta Metadata
}

// Archive is a set of uniquely named files. The zero value is not usable;
// construct with New, NewPrivate or NewPublic. An Archive is not safe for
// concurrent mutation.
type Archive[R Ref] struct {
	files map[string]entry[R]
}

// PrivateArchive references content by data map chunk.
type PrivateArchive = Archive[selfencrypt.DataMapChunk]

// PublicArchive references content by data address.
type PublicArchive = Archive[address.DataAddress]

// New returns an empty archive.
func New[R Ref]() *Archive[R] {
	return &Archive[R]{files: make(map[string]entry[R])}
}

// NewPrivate returns an empty private archive.
func NewPrivate() *PrivateArchive { return New[selfencrypt.DataMapChunk]() }

// NewPublic returns an empty public archive.
func NewPublic() *PublicArchive { return New[address.DataAddress]() }

// CleanPath normalises an archive path: forward slashes, no leading slash,
// no dot segments.
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

// AddFile records ref under p, replacing any existing entry at that path.
// Paths that clean to nothing, such as "." or "/", are rejected.
func (a *Archive[R]) AddFile(p string, ref R, meta Metadata) error {
	clean := CleanPath(p)
	if clean == "" {
		return xerrors.E(xerrors.KindInvalid, "archive.add", p)
	}
	a.files[clean] = entry[R]{ref: ref, meta: meta}
	return nil
}

// RenameFile moves the entry at from to to and bumps its modification time.
func (a *Archive[R]) RenameFile(from, to string) error {
	const op = "archive.rename"
	from, to = CleanPath(from), CleanPath(to)
	e, ok := a.files[from]
	if !ok {
		return xerrors.E(xerrors.KindMissingPath, op, from)
	}
	if to == "" {
		return xerrors.E(xerrors.KindInvalid, op, to)
	}
	if from == to {
		return nil
	}
	if _, exists := a.files[to]; exists {
		return xerrors.E(xerrors.KindDuplicatePath, op, to)
	}
	delete(a.files, from)
	e.meta.Modified = uint64(now().Unix())
	a.files[to] = e
	return nil
}

// Remove deletes the entry at p.
func (a *Archive[R]) Remove(p string) error {
	p = CleanPath(p)
	if _, ok := a.files[p]; !ok {
		return xerrors.E(xerrors.KindMissingPath, "archive.remove", p)
	}
	delete(a.files, p)
	return nil
}

// Lookup returns the entry at p.
func (a *Archive[R]) Lookup(p string) (File[R], bool) {
	p = CleanPath(p)
	e, ok := a.files[p]
	if !ok {
		return File[R]{}, false
	}
	return File[R]{Path: p, Ref: e.ref, Metadata: e.meta}, true
}

// Len returns the number of files.
func (a *Archive[R]) Len() int { return len(a.files) }

func (a *Archive[R]) paths() []string {
	out := make([]string, 0, len(a.files))
	for p := range a.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Files lists every entry sorted by path.
func (a *Archive[R]) Files() []File[R] {
	paths := a.paths()
	out := make([]File[R], len(paths))
	for i, p := range paths {
		e := a.files[p]
		out[i] = File[R]{Path: p, Ref: e.ref, Metadata: e.meta}
	}
	return out
}

// Refs lists content references in path order.
func (a *Archive[R]) Refs() []R {
	paths := a.paths()
	out := make([]R, len(paths))
	for i, p := range paths {
		out[i] = a.files[p].ref
	}
	return out
}

// Merge copies every entry of other into a. Entries of other win when both
// archives hold the same path.
func (a *Archive[R]) Merge(other *Archive[R]) {
	if other == nil {
		return
	}
	for p, e := range other.files {
		a.files[p] = e
	}
}

func refBytes[R Ref](ref R) []byte {
	switch r := any(ref).(type) {
	case selfencrypt.DataMapChunk:
		return r.Data
	case address.DataAddress:
		return r.XorName[:]
	default:
		panic(fmt.Sprintf("archive: unexpected reference type %T", ref))
	}
}

func parseRef[R Ref](b []byte) (R, error) {
	var ref R
	switch r := any(&ref).(type) {
	case *selfencrypt.DataMapChunk:
		if len(b) == 0 {
			return ref, fmt.Errorf("empty data map")
		}
		r.Data = append([]byte(nil), b...)
	case *address.DataAddress:
		if len(b) != address.XorNameSize {
			return ref, fmt.Errorf("data address is %d bytes", len(b))
		}
		copy(r.XorName[:], b)
	}
	return ref, nil
}
