package httpapi

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/archive"
	"github.com/jacktea/xorstore/pkg/client"
	"github.com/jacktea/xorstore/pkg/identity"
	"github.com/jacktea/xorstore/pkg/payment"
	"github.com/jacktea/xorstore/pkg/record"
	"github.com/jacktea/xorstore/pkg/selfencrypt"
	"github.com/jacktea/xorstore/pkg/store"
)

func newTestServer(t *testing.T, opts Options) (*Server, *client.Client, *prometheus.Registry) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	reg := prometheus.NewRegistry()
	c, err := client.New(client.Options{
		Store:      store.NewMemoryStore(store.Options{Validator: record.Validator{}}),
		ChunkSize:  8 << 10,
		Logger:     log,
		Registerer: reg,
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return &Server{Client: c, Log: log, Opts: opts}, c, reg
}

func get(t *testing.T, h http.Handler, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestGatewayData(t *testing.T) {
	srv, c, _ := newTestServer(t, Options{})
	h := srv.Handler()
	ctx := context.Background()
	payload := bytes.Repeat([]byte("hello world "), 4096)
	_, addr, err := c.DataPutPublic(ctx, payload, payment.Free)
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	rr := get(t, h, "/data/"+addr.Hex(), nil)
	if rr.Code != http.StatusOK || !bytes.Equal(rr.Body.Bytes(), payload) {
		t.Fatalf("full get: %d, %d bytes", rr.Code, rr.Body.Len())
	}

	rr = get(t, h, "/data/"+addr.Hex(), http.Header{"Range": {"bytes=6-10"}})
	if rr.Code != http.StatusPartialContent || rr.Body.String() != "world" {
		t.Fatalf("range get: %d %q", rr.Code, rr.Body.String())
	}
	rr = get(t, h, "/data/"+addr.Hex(), http.Header{"Range": {"bytes=999999-"}})
	if rr.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("expected 416, got %d", rr.Code)
	}

	missing := address.NewDataAddress(address.FromContent([]byte("absent")))
	if rr := get(t, h, "/data/"+missing.Hex(), nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr := get(t, h, "/data/zz", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodHead, "/data/"+addr.Hex(), nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.Len() != 0 || rr.Header().Get("Content-Length") != strconv.Itoa(len(payload)) {
		t.Fatalf("head: %d, length %q, %d body bytes", rr.Code, rr.Header().Get("Content-Length"), rr.Body.Len())
	}

	hostile, err := selfencrypt.MarshalDataMap(selfencrypt.DataMap{
		Chunks: []selfencrypt.ChunkInfo{{Index: 0, SrcSize: 1 << 40}},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	_, hostileAddr, err := c.ChunkPut(ctx, hostile, payment.Free)
	if err != nil {
		t.Fatalf("chunk put: %v", err)
	}
	if rr := get(t, h, "/data/"+hostileAddr.Hex(), nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("oversized map: expected 400, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPut, "/data/"+addr.Hex(), nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestGatewayArchive(t *testing.T) {
	srv, c, _ := newTestServer(t, Options{DefaultPageSize: 2})
	h := srv.Handler()
	ctx := context.Background()

	a := archive.NewPublic()
	for _, name := range []string{"a.txt", "b.txt", "dir/c.txt"} {
		_, addr, err := c.DataPutPublic(ctx, []byte("content of "+name), payment.Free)
		if err != nil {
			t.Fatalf("put %s: %v", name, err)
		}
		a.AddFile(name, addr, archive.MetadataWithCustomFields(1, 2, uint64(len("content of "+name)), nil))
	}
	_, archiveAddr, err := c.ArchivePutPublic(ctx, a, payment.Free)
	if err != nil {
		t.Fatalf("archive put: %v", err)
	}

	type listing struct {
		Entries []struct {
			Path string `json:"path"`
		} `json:"entries"`
		NextPageToken string `json:"next_page_token"`
	}
	var paths []string
	token := ""
	for page := 0; page < 3; page++ {
		rr := get(t, h, "/archives/"+archiveAddr.Hex()+"?page_token="+token, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("list: %d %s", rr.Code, rr.Body.String())
		}
		var l listing
		if err := json.NewDecoder(rr.Body).Decode(&l); err != nil {
			t.Fatalf("decode: %v", err)
		}
		for _, e := range l.Entries {
			paths = append(paths, e.Path)
		}
		if l.NextPageToken == "" {
			break
		}
		token = l.NextPageToken
	}
	if diff := cmp.Diff([]string{"a.txt", "b.txt", "dir/c.txt"}, paths); diff != "" {
		t.Fatalf("listing (-want +got):\n%s", diff)
	}

	rr := get(t, h, "/archives/"+archiveAddr.Hex()+"/dir/c.txt", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "content of dir/c.txt" {
		t.Fatalf("file: %d %q", rr.Code, rr.Body.String())
	}
	if rr := get(t, h, "/archives/"+archiveAddr.Hex()+"/nope", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestGatewayMutableRecords(t *testing.T) {
	srv, c, _ := newTestServer(t, Options{})
	h := srv.Handler()
	ctx := context.Background()
	sk, err := identity.GenerateSecretKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}

	target := address.ChunkAddressOf([]byte("x"))
	if _, _, err := c.PointerCreate(ctx, sk, target, payment.Free); err != nil {
		t.Fatalf("pointer: %v", err)
	}
	rr := get(t, h, "/pointers/"+sk.PublicKey().Hex(), nil)
	var p struct {
		Counter uint32 `json:"counter"`
		Target  string `json:"target"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&p); err != nil || p.Target != address.FormatTarget(target) {
		t.Fatalf("pointer response %+v err %v", p, err)
	}

	if _, _, err := c.ScratchpadCreate(ctx, sk, 7, []byte("secret"), payment.Free); err != nil {
		t.Fatalf("scratchpad: %v", err)
	}
	rr = get(t, h, "/scratchpads/"+sk.PublicKey().Hex(), nil)
	var sp struct {
		DataEncoding uint64 `json:"data_encoding"`
		Size         int    `json:"size"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&sp); err != nil || sp.DataEncoding != 7 || sp.Size == 0 {
		t.Fatalf("scratchpad response %+v err %v", sp, err)
	}
	if rr := get(t, h, "/scratchpads/"+sk.PublicKey().Hex()+"?raw", nil); bytes.Contains(rr.Body.Bytes(), []byte("secret")) {
		t.Fatal("raw scratchpad leaked plaintext")
	}

	regKey := client.RegisterKeyFromName(sk, "r")
	_, regAddr, err := c.RegisterCreate(ctx, regKey, []byte("one"), payment.Free)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := c.RegisterUpdate(ctx, regKey, []byte("two"), payment.Free); err != nil {
		t.Fatalf("register update: %v", err)
	}
	rr = get(t, h, "/registers/"+regAddr.Hex(), nil)
	var v struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil || v.Value != hex.EncodeToString([]byte("two")) {
		t.Fatalf("register response %+v err %v", v, err)
	}
	rr = get(t, h, "/registers/"+regAddr.Hex()+"?history", nil)
	var hist struct {
		Values []string `json:"values"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&hist); err != nil {
		t.Fatalf("history decode: %v", err)
	}
	want := []string{hex.EncodeToString([]byte("one")), hex.EncodeToString([]byte("two"))}
	if diff := cmp.Diff(want, hist.Values); diff != "" {
		t.Fatalf("history (-want +got):\n%s", diff)
	}
}

func TestGatewayAuthAndMetrics(t *testing.T) {
	srv, c, reg := newTestServer(t, Options{APIKey: "k"})
	srv.Opts.Gatherer = reg
	h := srv.Handler()
	_, addr, err := c.ChunkPut(context.Background(), []byte("chunk"), payment.Free)
	if err != nil {
		t.Fatalf("chunk put: %v", err)
	}
	if rr := get(t, h, "/chunks/"+addr.Hex(), nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	auth := http.Header{"X-Api-Key": {"k"}}
	rr := get(t, h, "/chunks/"+addr.Hex(), auth)
	if rr.Code != http.StatusOK || rr.Body.String() != "chunk" {
		t.Fatalf("chunk: %d %q", rr.Code, rr.Body.String())
	}
	rr = get(t, h, "/metrics", auth)
	if rr.Code != http.StatusOK || !bytes.Contains(rr.Body.Bytes(), []byte("xorstore_client_operations_total")) {
		t.Fatalf("metrics: %d\n%s", rr.Code, rr.Body.String())
	}
}

func TestParseRangeHeader(t *testing.T) {
	cases := []struct {
		header     string
		start, end int64
		ok         bool
	}{
		{"bytes=0-4", 0, 4, true},
		{"bytes=6-", 6, 10, true},
		{"bytes=-3", 8, 10, true},
		{"bytes=5-100", 5, 10, true},
		{"bytes=11-12", 0, 0, false},
		{"bytes=4-2", 0, 0, false},
		{"bytes=0-1,3-4", 0, 0, false},
		{"items=0-1", 0, 0, false},
	}
	for _, tc := range cases {
		start, end, err := parseRangeHeader(tc.header, 11)
		if (err == nil) != tc.ok {
			t.Fatalf("%s: err %v", tc.header, err)
		}
		if tc.ok && (start != tc.start || end != tc.end) {
			t.Fatalf("%s: got %d-%d", tc.header, start, end)
		}
	}
}
