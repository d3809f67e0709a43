package selfencrypt

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/zeebo/blake3"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/chunk"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

func randomBytes(t *testing.T, seed string, n int) []byte {
	t.Helper()
	h := blake3.New()
	h.WriteString(seed)
	out := make([]byte, n)
	if _, err := io.ReadFull(h.Digest(), out); err != nil {
		t.Fatalf("xof: %v", err)
	}
	return out
}

func fetcherFor(chunks []chunk.Chunk) MapFetcher {
	m := make(MapFetcher, len(chunks))
	for _, c := range chunks {
		m[c.Address()] = c.Data
	}
	return m
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	opts := Options{ChunkSize: 4 << 10}
	sizes := []int{0, 1, 2, 3, 4, 100, 4 << 10, 4<<10 + 1, 3 * 4 << 10, 50 << 10}
	for _, size := range sizes {
		size := size
		t.Run(fmt.Sprintf("%d", size), func(t *testing.T) {
			data := randomBytes(t, fmt.Sprint(size), size)
			dm, chunks, err := Encode(data, opts)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if dm.Size() != uint64(size) {
				t.Fatalf("map size %d, want %d", dm.Size(), size)
			}
			if size >= MinChunks && len(dm.Chunks) < MinChunks {
				t.Fatalf("expected at least %d chunks, got %d", MinChunks, len(dm.Chunks))
			}
			for _, c := range chunks {
				if c.Size() > chunk.MaxSize {
					t.Fatalf("chunk exceeds limit")
				}
			}
			got, err := Decode(ctx, dm, fetcherFor(chunks), opts)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Fatalf("round trip mismatch")
			}
		})
	}
}

func TestCompressionModes(t *testing.T) {
	ctx := context.Background()
	text := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 2000)
	noise := randomBytes(t, "noise", 20000)
	for _, mode := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd, CompressionAuto} {
		mode := mode
		t.Run(mode.String(), func(t *testing.T) {
			opts := Options{ChunkSize: 16 << 10, Compression: mode}
			for _, data := range [][]byte{text, noise} {
				dm, chunks, err := Encode(data, opts)
				if err != nil {
					t.Fatalf("encode: %v", err)
				}
				got, err := Decode(ctx, dm, fetcherFor(chunks), opts)
				if err != nil {
					t.Fatalf("decode: %v", err)
				}
				if !bytes.Equal(got, data) {
					t.Fatalf("round trip mismatch")
				}
			}
		})
	}

	dm, chunks, err := Encode(text, Options{ChunkSize: 16 << 10, Compression: CompressionZstd})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var stored int
	for _, c := range chunks {
		stored += c.Size()
	}
	if stored >= len(text) {
		t.Fatalf("compressible text was not compressed: %d >= %d", stored, len(text))
	}
	for _, c := range dm.Chunks {
		if c.Compression != CompressionZstd {
			t.Fatalf("chunk %d recorded %s", c.Index, c.Compression)
		}
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	data := randomBytes(t, "det", 30000)
	opts := Options{ChunkSize: 8 << 10}
	dm1, chunks1, err := Encode(data, opts)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dm2, chunks2, err := Encode(data, opts)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if diff := cmp.Diff(dm1, dm2); diff != "" {
		t.Fatalf("data maps differ (-first +second):\n%s", diff)
	}
	for i := range chunks1 {
		if !bytes.Equal(chunks1[i].Data, chunks2[i].Data) {
			t.Fatalf("chunk %d differs", i)
		}
		if bytes.Contains(data, chunks1[i].Data[:32]) {
			t.Fatalf("chunk %d leaks plaintext", i)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	ctx := context.Background()
	data := randomBytes(t, "errors", 10000)
	dm, chunks, err := Encode(data, Options{ChunkSize: 4 << 10})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	t.Run("missing chunk", func(t *testing.T) {
		f := fetcherFor(chunks)
		delete(f, dm.Chunks[1].Address())
		_, err := Decode(ctx, dm, f, Options{})
		if !xerrors.Is(err, xerrors.KindIncompleteDataMap) {
			t.Fatalf("expected incomplete data map, got %v", err)
		}
	})

	t.Run("corrupt chunk", func(t *testing.T) {
		f := fetcherFor(chunks)
		addr := dm.Chunks[0].Address()
		bad := append([]byte(nil), f[addr]...)
		bad[0] ^= 0xff
		f[addr] = bad
		_, err := Decode(ctx, dm, f, Options{})
		if !xerrors.Is(err, xerrors.KindCorruptChunk) {
			t.Fatalf("expected corrupt chunk, got %v", err)
		}
	})

	t.Run("swapped map entries", func(t *testing.T) {
		swapped := DataMap{Chunks: append([]ChunkInfo(nil), dm.Chunks...)}
		swapped.Chunks[0], swapped.Chunks[1] = swapped.Chunks[1], swapped.Chunks[0]
		_, err := Decode(ctx, swapped, fetcherFor(chunks), Options{})
		if !xerrors.Is(err, xerrors.KindCorruptChunk) {
			t.Fatalf("expected corrupt chunk, got %v", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		f := FetcherFunc(func(ctx context.Context, addr address.ChunkAddress) ([]byte, error) {
			return nil, ctx.Err()
		})
		_, err := Decode(cctx, dm, f, Options{})
		if err == nil || xerrors.Is(err, xerrors.KindIncompleteDataMap) {
			t.Fatalf("expected context error, got %v", err)
		}
	})
}

func TestDecodeStreamKeepsOrder(t *testing.T) {
	ctx := context.Background()
	data := randomBytes(t, "stream", 64<<10)
	opts := Options{ChunkSize: 2 << 10, Concurrency: 8}
	dm, chunks, err := Encode(data, opts)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var buf bytes.Buffer
	n, err := DecodeStream(ctx, dm, fetcherFor(chunks), &buf, opts)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if n != int64(len(data)) || !bytes.Equal(buf.Bytes(), data) {
		t.Fatalf("stream mismatch: %d bytes", n)
	}

	f := fetcherFor(chunks)
	delete(f, dm.Chunks[len(dm.Chunks)-1].Address())
	buf.Reset()
	if _, err := DecodeStream(ctx, dm, f, &buf, opts); !xerrors.Is(err, xerrors.KindIncompleteDataMap) {
		t.Fatalf("expected incomplete data map, got %v", err)
	}
}

func TestPackShrinksLargeMaps(t *testing.T) {
	ctx := context.Background()
	data := randomBytes(t, "pack", 300<<10)
	opts := Options{ChunkSize: 1 << 10, MaxMapSize: 1 << 10}
	handle, chunks, err := EncodePacked(data, opts)
	if err != nil {
		t.Fatalf("encode packed: %v", err)
	}
	if len(handle.Data) > 1<<10 {
		t.Fatalf("handle is %d bytes", len(handle.Data))
	}
	top, err := UnmarshalDataMap(handle.Data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if top.Child == 0 {
		t.Fatalf("expected a wrapped map")
	}
	f := fetcherFor(chunks)
	dm, err := Unpack(ctx, handle, f, opts)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if dm.Child != 0 || dm.Size() != uint64(len(data)) {
		t.Fatalf("unexpected inner map: child=%d size=%d", dm.Child, dm.Size())
	}
	got, err := Decode(ctx, dm, f, opts)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch")
	}

	small, _, err := EncodePacked([]byte("tiny"), Options{})
	if err != nil {
		t.Fatalf("encode small: %v", err)
	}
	parsed, err := ParseDataMapChunk(small.Hex())
	if err != nil || !bytes.Equal(parsed.Data, small.Data) {
		t.Fatalf("hex round trip failed: %v", err)
	}
}

func TestUnmarshalDataMapRejectsGarbage(t *testing.T) {
	if _, err := UnmarshalDataMap([]byte{0xff, 0x00}); err == nil {
		t.Fatalf("expected garbage to fail")
	}
	raw, err := MarshalDataMap(DataMap{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := UnmarshalDataMap(raw); !xerrors.Is(err, xerrors.KindIncompleteDataMap) {
		t.Fatalf("expected empty map to be incomplete, got %v", err)
	}
}

func TestOversizedMapFailsCleanly(t *testing.T) {
	ctx := context.Background()
	hostile := DataMap{Chunks: []ChunkInfo{{Index: 0, SrcSize: 1 << 62}}}
	raw, err := MarshalDataMap(hostile)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := UnmarshalDataMap(raw); !xerrors.Is(err, xerrors.KindInvalid) {
		t.Fatalf("expected invalid map, got %v", err)
	}
	if _, err := Unpack(ctx, DataMapChunk{Data: raw}, MapFetcher{}, Options{}); !xerrors.Is(err, xerrors.KindInvalid) {
		t.Fatalf("expected unpack to reject map, got %v", err)
	}
	if _, err := Decode(ctx, hostile, MapFetcher{}, Options{}); !xerrors.Is(err, xerrors.KindInvalid) {
		t.Fatalf("expected decode to reject map, got %v", err)
	}
	if _, err := DecodeStream(ctx, hostile, MapFetcher{}, io.Discard, Options{}); !xerrors.Is(err, xerrors.KindInvalid) {
		t.Fatalf("expected stream to reject map, got %v", err)
	}

	// Many entries each within the chunk limit still decode lazily: the
	// first missing chunk ends the read before any large allocation.
	wide := DataMap{Chunks: make([]ChunkInfo, 4096)}
	for i := range wide.Chunks {
		wide.Chunks[i] = ChunkInfo{Index: uint32(i), SrcSize: chunk.MaxRawSize}
	}
	if _, err := Decode(ctx, wide, MapFetcher{}, Options{}); !xerrors.Is(err, xerrors.KindIncompleteDataMap) {
		t.Fatalf("expected incomplete data map, got %v", err)
	}
}

func TestDecodeStreamBoundsReadAhead(t *testing.T) {
	ctx := context.Background()
	data := randomBytes(t, "window", 64<<10)
	opts := Options{ChunkSize: 1 << 10, Concurrency: 4}
	dm, chunks, err := Encode(data, opts)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	stored := fetcherFor(chunks)
	first := dm.Chunks[0].Address()
	release := make(chan struct{})
	var fetched atomic.Int32
	f := FetcherFunc(func(ctx context.Context, addr address.ChunkAddress) ([]byte, error) {
		if addr == first {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			fetched.Add(1)
		}
		return stored.FetchChunk(ctx, addr)
	})

	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := DecodeStream(ctx, dm, f, &buf, opts)
		done <- err
	}()

	ahead := int32(opts.Concurrency - 1)
	deadline := time.Now().Add(5 * time.Second)
	for fetched.Load() < ahead {
		if time.Now().After(deadline) {
			t.Fatalf("read-ahead stalled at %d", fetched.Load())
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := fetched.Load(); got != ahead {
		t.Fatalf("fetched %d chunks past a stalled one, want %d", got, ahead)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("stream: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Fatalf("stream mismatch")
	}
}
