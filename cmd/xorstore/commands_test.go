package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/client"
	"github.com/jacktea/xorstore/pkg/identity"
	"github.com/jacktea/xorstore/pkg/payment"
	"github.com/jacktea/xorstore/pkg/record"
	"github.com/jacktea/xorstore/pkg/store"
)

func newTestClient(t *testing.T) *client.Client {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	c, err := client.New(client.Options{
		Store:      store.NewMemoryStore(store.Options{Validator: record.Validator{}}),
		ChunkSize:  16 << 10,
		Logger:     log,
		Registerer: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// firstField returns the reference printed before the cost.
func firstField(t *testing.T, out *bytes.Buffer) string {
	t.Helper()
	fields := strings.Fields(out.String())
	if len(fields) == 0 {
		t.Fatalf("no output")
	}
	out.Reset()
	return fields[0]
}

func TestKeygen(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	if err := doKeygen(&out, dir, "alice", false); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	sk, err := identity.LoadSecretKey(dir, "alice")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if strings.TrimSpace(out.String()) != sk.PublicKey().Hex() {
		t.Fatalf("printed %q", out.String())
	}
	if err := doKeygen(&out, dir, "alice", false); err == nil {
		t.Fatal("expected existing key error")
	}
	if err := doKeygen(&out, dir, "alice", true); err != nil {
		t.Fatalf("forced keygen: %v", err)
	}
}

func TestDataCommands(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "in")
	data := bytes.Repeat([]byte("xorstore "), 5000)
	if err := os.WriteFile(src, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	for _, public := range []bool{false, true} {
		var out bytes.Buffer
		if err := doDataPut(ctx, c, &out, src, public, payment.Free); err != nil {
			t.Fatalf("public=%v put: %v", public, err)
		}
		ref := firstField(t, &out)
		if err := doDataGet(ctx, c, &out, ref, public); err != nil {
			t.Fatalf("public=%v get: %v", public, err)
		}
		if !bytes.Equal(out.Bytes(), data) {
			t.Fatalf("public=%v payload mismatch", public)
		}
	}
}

func TestChunkCommands(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	dir := t.TempDir()
	src := filepath.Join(dir, "chunk")
	if err := os.WriteFile(src, []byte("raw chunk"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out bytes.Buffer
	if err := doChunkPut(ctx, c, &out, src, payment.Free); err != nil {
		t.Fatalf("put: %v", err)
	}
	dest := filepath.Join(dir, "copy")
	if err := doChunkGet(ctx, c, firstField(t, &out), dest); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got, _ := os.ReadFile(dest); string(got) != "raw chunk" {
		t.Fatalf("got %q", got)
	}
}

func TestPointerAndScratchpadCommands(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	sk, err := identity.GenerateSecretKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	target := address.FormatTarget(address.ChunkAddressOf([]byte("target")))

	var out bytes.Buffer
	if err := doPointerCreate(ctx, c, &out, sk, target, payment.Free); err != nil {
		t.Fatalf("pointer create: %v", err)
	}
	owner := firstField(t, &out)
	if err := doPointerGet(ctx, c, &out, owner); err != nil {
		t.Fatalf("pointer get: %v", err)
	}
	if got := firstField(t, &out); got != target {
		t.Fatalf("pointer target %q, want %q", got, target)
	}

	dir := t.TempDir()
	first, second := filepath.Join(dir, "a"), filepath.Join(dir, "b")
	os.WriteFile(first, []byte("draft"), 0o644)
	os.WriteFile(second, []byte("final"), 0o644)
	padKey := identity.KeyFromName(sk, "notes")
	if err := doScratchpadWrite(ctx, c, &out, padKey, "text", first, payment.Free); err != nil {
		t.Fatalf("scratchpad create: %v", err)
	}
	out.Reset()
	if err := doScratchpadWrite(ctx, c, &out, padKey, "text", second, nil); err != nil {
		t.Fatalf("scratchpad update: %v", err)
	}
	if err := doScratchpadGet(ctx, c, &out, padKey); err != nil {
		t.Fatalf("scratchpad get: %v", err)
	}
	if out.String() != "final" {
		t.Fatalf("scratchpad content %q", out.String())
	}
}

func TestRegisterCommands(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	owner, err := identity.GenerateSecretKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	sk := client.RegisterKeyFromName(owner, "status")
	_, addr, err := c.RegisterCreate(ctx, sk, []byte("up"), payment.Free)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.RegisterUpdate(ctx, sk, []byte("down"), payment.Free); err != nil {
		t.Fatalf("update: %v", err)
	}

	var out bytes.Buffer
	if err := doRegisterGet(ctx, c, &out, addr.Hex(), false); err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.String() != "down\n" {
		t.Fatalf("value %q", out.String())
	}
	out.Reset()
	if err := doRegisterGet(ctx, c, &out, addr.Hex(), true); err != nil {
		t.Fatalf("history: %v", err)
	}
	if out.String() != "up\ndown\n" {
		t.Fatalf("history %q", out.String())
	}
}

func TestDirCommands(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	root := t.TempDir()
	src := filepath.Join(root, "docs")
	os.MkdirAll(filepath.Join(src, "nested"), 0o755)
	os.WriteFile(filepath.Join(src, "readme.md"), []byte("# docs"), 0o644)
	os.WriteFile(filepath.Join(src, "nested", "data.bin"), bytes.Repeat([]byte{7}, 40<<10), 0o644)

	for _, public := range []bool{false, true} {
		var out bytes.Buffer
		if err := doDirUpload(ctx, c, &out, src, public, payment.Free); err != nil {
			t.Fatalf("public=%v upload: %v", public, err)
		}
		ref := firstField(t, &out)

		if err := doArchiveList(ctx, c, &out, ref, public); err != nil {
			t.Fatalf("public=%v ls: %v", public, err)
		}
		listing := out.String()
		out.Reset()
		if !strings.Contains(listing, "docs/readme.md") || !strings.Contains(listing, "docs/nested/data.bin") {
			t.Fatalf("public=%v listing:\n%s", public, listing)
		}

		dest := filepath.Join(root, "out", "private")
		if public {
			dest = filepath.Join(root, "out", "public")
		}
		if err := doDirDownload(ctx, c, ref, dest, public); err != nil {
			t.Fatalf("public=%v download: %v", public, err)
		}
		if got, _ := os.ReadFile(filepath.Join(dest, "docs", "readme.md")); string(got) != "# docs" {
			t.Fatalf("public=%v readme %q", public, got)
		}
	}
}

func TestFileCommands(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	dir := t.TempDir()
	src := filepath.Join(dir, "photo.jpg")
	data := bytes.Repeat([]byte{1, 2, 3}, 10<<10)
	os.WriteFile(src, data, 0o644)

	for i, public := range []bool{false, true} {
		var out bytes.Buffer
		if err := doFileUpload(ctx, c, &out, src, public, payment.Free); err != nil {
			t.Fatalf("public=%v upload: %v", public, err)
		}
		dest := filepath.Join(dir, "copies", string(rune('a'+i)))
		if err := doFileDownload(ctx, c, firstField(t, &out), dest, public); err != nil {
			t.Fatalf("public=%v download: %v", public, err)
		}
		if got, _ := os.ReadFile(dest); !bytes.Equal(got, data) {
			t.Fatalf("public=%v content mismatch", public)
		}
	}
}
