package archive

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/selfencrypt"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

func fixClock(t *testing.T, ts int64) {
	t.Helper()
	prev := now
	now = func() time.Time { return time.Unix(ts, 0) }
	t.Cleanup(func() { now = prev })
}

func dataAddr(s string) address.DataAddress {
	return address.NewDataAddress(address.FromContent([]byte(s)))
}

func TestAddAndRename(t *testing.T) {
	fixClock(t, 100)
	a := NewPublic()
	a.AddFile("docs/a.txt", dataAddr("a"), NewMetadata(1))
	a.AddFile("/docs/./b.txt", dataAddr("b"), NewMetadata(2))

	if _, ok := a.Lookup("docs/b.txt"); !ok {
		t.Fatalf("expected cleaned path to be stored")
	}

	a.AddFile("docs/a.txt", dataAddr("a2"), NewMetadata(3))
	if f, _ := a.Lookup("docs/a.txt"); f.Ref != dataAddr("a2") || f.Metadata.Size != 3 {
		t.Fatalf("add should overwrite, got %+v", f)
	}
	if a.Len() != 2 {
		t.Fatalf("len = %d", a.Len())
	}

	fixClock(t, 200)
	if err := a.RenameFile("docs/a.txt", "docs/c.txt"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	f, ok := a.Lookup("docs/c.txt")
	if !ok || f.Metadata.Modified != 200 || f.Metadata.Created != 100 {
		t.Fatalf("unexpected renamed entry %+v", f)
	}
	if err := a.RenameFile("docs/missing", "x"); !xerrors.Is(err, xerrors.KindMissingPath) {
		t.Fatalf("expected missing path, got %v", err)
	}
	if err := a.RenameFile("docs/b.txt", "docs/c.txt"); !xerrors.Is(err, xerrors.KindDuplicatePath) {
		t.Fatalf("expected duplicate path, got %v", err)
	}
	if err := a.Remove("docs/b.txt"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := a.Remove("docs/b.txt"); !xerrors.Is(err, xerrors.KindMissingPath) {
		t.Fatalf("expected missing path, got %v", err)
	}
}

func TestEmptyPathsRejected(t *testing.T) {
	a := NewPublic()
	for _, p := range []string{"", ".", "..", "/", "./", "a/.."} {
		if err := a.AddFile(p, dataAddr(p), Metadata{}); !xerrors.Is(err, xerrors.KindInvalid) {
			t.Fatalf("AddFile(%q): expected invalid, got %v", p, err)
		}
	}
	if a.Len() != 0 {
		t.Fatalf("rejected paths were stored: %d", a.Len())
	}
	if err := a.AddFile("f", dataAddr("f"), Metadata{}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := a.RenameFile("f", "/"); !xerrors.Is(err, xerrors.KindInvalid) {
		t.Fatalf("rename to root: expected invalid, got %v", err)
	}
	if _, ok := a.Lookup("f"); !ok {
		t.Fatalf("failed rename moved the entry")
	}
}

func TestFilesSorted(t *testing.T) {
	a := NewPublic()
	for _, p := range []string{"z", "a/b", "m", "a"} {
		a.AddFile(p, dataAddr(p), Metadata{})
	}
	var got []string
	for _, f := range a.Files() {
		got = append(got, f.Path)
	}
	if diff := cmp.Diff([]string{"a", "a/b", "m", "z"}, got); diff != "" {
		t.Fatalf("files not sorted (-want +got):\n%s", diff)
	}
	refs := a.Refs()
	if refs[0] != dataAddr("a") || refs[3] != dataAddr("z") {
		t.Fatalf("refs not in path order")
	}
}

func TestMergeRightWins(t *testing.T) {
	left, right := NewPublic(), NewPublic()
	left.AddFile("shared", dataAddr("left"), Metadata{Size: 1})
	left.AddFile("only-left", dataAddr("l"), Metadata{})
	right.AddFile("shared", dataAddr("right"), Metadata{Size: 2})
	right.AddFile("only-right", dataAddr("r"), Metadata{})

	left.Merge(right)
	if left.Len() != 3 {
		t.Fatalf("merged len = %d", left.Len())
	}
	f, _ := left.Lookup("shared")
	if f.Ref != dataAddr("right") || f.Metadata.Size != 2 {
		t.Fatalf("right-hand archive should win, got %+v", f)
	}
	if right.Len() != 2 {
		t.Fatalf("merge mutated its argument")
	}
}

func TestRoundTrip(t *testing.T) {
	extra := `{"mime":"text/plain"}`
	t.Run("public", func(t *testing.T) {
		a := NewPublic()
		a.AddFile("b.txt", dataAddr("b"), MetadataWithCustomFields(1, 2, 3, &extra))
		a.AddFile("a.txt", dataAddr("a"), MetadataWithCustomFields(4, 5, 6, nil))
		raw, err := a.ToBytes()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		back, err := PublicFromBytes(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if diff := cmp.Diff(a.Files(), back.Files()); diff != "" {
			t.Fatalf("archive changed (-want +got):\n%s", diff)
		}
		again, err := back.ToBytes()
		if err != nil {
			t.Fatalf("re-encode: %v", err)
		}
		if !bytes.Equal(raw, again) {
			t.Fatalf("encoding is not stable")
		}
	})

	t.Run("private", func(t *testing.T) {
		handle, _, err := selfencrypt.EncodePacked([]byte("hello"), selfencrypt.Options{})
		if err != nil {
			t.Fatalf("self-encrypt: %v", err)
		}
		a := NewPrivate()
		a.AddFile("hello.txt", handle, NewMetadata(5))
		raw, err := a.ToBytes()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		back, err := PrivateFromBytes(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if diff := cmp.Diff(a.Files(), back.Files()); diff != "" {
			t.Fatalf("archive changed (-want +got):\n%s", diff)
		}
		if _, err := PublicFromBytes(raw); !xerrors.Is(err, xerrors.KindInvalid) {
			t.Fatalf("private archive decoded as public: %v", err)
		}
	})

	t.Run("empty", func(t *testing.T) {
		raw, err := NewPrivate().ToBytes()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		back, err := PrivateFromBytes(raw)
		if err != nil || back.Len() != 0 {
			t.Fatalf("decode empty: %v", err)
		}
	})
}

func TestFromBytesRejects(t *testing.T) {
	addr := dataAddr("x")
	encode := func(w archiveWire) []byte {
		raw, err := msgpack.Marshal(&w)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return raw
	}
	cases := []struct {
		name string
		raw  []byte
		kind xerrors.Kind
	}{
		{"garbage", []byte{0xc1}, xerrors.KindInvalid},
		{"version", encode(archiveWire{Version: 9, Mode: modePublic}), xerrors.KindInvalid},
		{"duplicate", encode(archiveWire{Version: formatVersion, Mode: modePublic, Files: []fileWire{
			{Path: "a", Ref: addr.XorName[:]},
			{Path: "a", Ref: addr.XorName[:]},
		}}), xerrors.KindDuplicatePath},
		{"short address", encode(archiveWire{Version: formatVersion, Mode: modePublic, Files: []fileWire{
			{Path: "a", Ref: []byte{1, 2}},
		}}), xerrors.KindInvalid},
		{"unclean path", encode(archiveWire{Version: formatVersion, Mode: modePublic, Files: []fileWire{
			{Path: "a/../b", Ref: addr.XorName[:]},
		}}), xerrors.KindInvalid},
		{"empty path", encode(archiveWire{Version: formatVersion, Mode: modePublic, Files: []fileWire{
			{Path: "", Ref: addr.XorName[:]},
		}}), xerrors.KindInvalid},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if _, err := PublicFromBytes(tc.raw); !xerrors.Is(err, tc.kind) {
				t.Fatalf("expected %s, got %v", tc.kind, err)
			}
		})
	}
}
