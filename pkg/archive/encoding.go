package archive

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/selfencrypt"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

const formatVersion = 1

const (
	modePrivate uint8 = iota
	modePublic
)

type metadataWire struct {
	_msgpack struct{} `msgpack:",as_array"`
	Created  uint64
	Modified uint64
	Size     uint64
	Extra    *string
}

type fileWire struct {
	_msgpack struct{} `msgpack:",as_array"`
	Path     string
	Ref      []byte
	Meta     metadataWire
}

type archiveWire struct {
	_msgpack struct{} `msgpack:",as_array"`
	Version  uint8
	Mode     uint8
	Files    []fileWire
}

func modeOf[R Ref]() uint8 {
	var ref R
	if _, ok := any(ref).(address.DataAddress); ok {
		return modePublic
	}
	return modePrivate
}

// ToBytes encodes the archive with files sorted by path, so equal archives
// always encode identically.
func (a *Archive[R]) ToBytes() ([]byte, error) {
	w := archiveWire{Version: formatVersion, Mode: modeOf[R](), Files: make([]fileWire, 0, len(a.files))}
	for _, f := range a.Files() {
		w.Files = append(w.Files, fileWire{
			Path: f.Path,
			Ref:  refBytes(f.Ref),
			Meta: metadataWire{
				Created:  f.Metadata.Created,
				Modified: f.Metadata.Modified,
				Size:     f.Metadata.Size,
				Extra:    f.Metadata.Extra,
			},
		})
	}
	data, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "archive.encode", "", err)
	}
	return data, nil
}

// FromBytes decodes the output of ToBytes.
func FromBytes[R Ref](data []byte) (*Archive[R], error) {
	const op = "archive.decode"
	var w archiveWire
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, op, "", err)
	}
	if w.Version != formatVersion {
		return nil, xerrors.Wrap(xerrors.KindInvalid, op, "", fmt.Errorf("unsupported archive version %d", w.Version))
	}
	if want := modeOf[R](); w.Mode != want {
		return nil, xerrors.Wrap(xerrors.KindInvalid, op, "", fmt.Errorf("archive mode %d, want %d", w.Mode, want))
	}
	a := New[R]()
	for _, f := range w.Files {
		if f.Path == "" || f.Path != CleanPath(f.Path) {
			return nil, xerrors.Wrap(xerrors.KindInvalid, op, f.Path, fmt.Errorf("path is not canonical"))
		}
		if _, dup := a.files[f.Path]; dup {
			return nil, xerrors.E(xerrors.KindDuplicatePath, op, f.Path)
		}
		ref, err := parseRef[R](f.Ref)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindInvalid, op, f.Path, err)
		}
		a.files[f.Path] = entry[R]{ref: ref, meta: Metadata{
			Created:  f.Meta.Created,
			Modified: f.Meta.Modified,
			Size:     f.Meta.Size,
			Extra:    f.Meta.Extra,
		}}
	}
	return a, nil
}

// PrivateFromBytes decodes a private archive.
func PrivateFromBytes(data []byte) (*PrivateArchive, error) {
	return FromBytes[selfencrypt.DataMapChunk](data)
}

// PublicFromBytes decodes a public archive.
func PublicFromBytes(data []byte) (*PublicArchive, error) {
	return FromBytes[address.DataAddress](data)
}
