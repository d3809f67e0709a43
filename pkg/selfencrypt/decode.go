package selfencrypt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

// Fetcher retrieves encrypted chunks by address.
type Fetcher interface {
	FetchChunk(ctx context.Context, addr address.ChunkAddress) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, addr address.ChunkAddress) ([]byte, error)

// FetchChunk implements Fetcher.
func (f FetcherFunc) FetchChunk(ctx context.Context, addr address.ChunkAddress) ([]byte, error) {
	return f(ctx, addr)
}

// MapFetcher serves chunks from memory.
type MapFetcher map[address.ChunkAddress][]byte

// FetchChunk implements Fetcher.
func (m MapFetcher) FetchChunk(_ context.Context, addr address.ChunkAddress) ([]byte, error) {
	data, ok := m[addr]
	if !ok {
		return nil, xerrors.E(xerrors.KindNotFound, "fetch", addr.Hex())
	}
	return data, nil
}

// fetchChunk fetches and decrypts chunk i. Retrieval failures become
// KindIncompleteDataMap; context errors pass through unchanged.
func fetchChunk(ctx context.Context, dm DataMap, i int, f Fetcher) ([]byte, error) {
	addr := dm.Chunks[i].Address()
	sealed, err := f.FetchChunk(ctx, addr)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.KindIncompleteDataMap, "selfencrypt.fetch", addr.Hex(), err)
	}
	return decryptChunk(dm, i, sealed)
}

// decodePrealloc caps how much Decode reserves up front; beyond it the
// buffer grows only as verified chunks arrive.
const decodePrealloc = 64 << 20

// Decode fetches every chunk of dm and returns the reassembled payload.
func Decode(ctx context.Context, dm DataMap, f Fetcher, opts Options) ([]byte, error) {
	if err := dm.validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(int(min(dm.Size(), decodePrealloc)))
	if _, err := DecodeStream(ctx, dm, f, &buf, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeTo writes the payload of dm into w at its natural offsets. Chunks
// are fetched concurrently and may land out of order.
func DecodeTo(ctx context.Context, dm DataMap, f Fetcher, w io.WriterAt, opts Options) error {
	if err := dm.validate(); err != nil {
		return err
	}
	opts = opts.withDefaults()
	offsets := dm.offsets()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i := range dm.Chunks {
		i := i
		g.Go(func() error {
			plain, err := fetchChunk(gctx, dm, i, f)
			if err != nil {
				return err
			}
			if _, err := w.WriteAt(plain, offsets[i]); err != nil {
				return xerrors.Wrap(xerrors.KindInternal, "selfencrypt.write", "", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// DecodeStream writes the payload of dm to w strictly in map order. At
// most opts.Concurrency chunks are held between fetch and write, so a
// stalled fetch holds back dispatch instead of buffering the rest of the
// payload. It returns the number of bytes written.
func DecodeStream(ctx context.Context, dm DataMap, f Fetcher, w io.Writer, opts Options) (int64, error) {
	if err := dm.validate(); err != nil {
		return 0, err
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		index int
		data  []byte
		err   error
	}
	// window holds one token per chunk dispatched but not yet written.
	window := make(chan struct{}, opts.Concurrency)
	jobCh := make(chan int)
	resCh := make(chan result, opts.Concurrency)
	var workerWG sync.WaitGroup
	worker := func() {
		defer workerWG.Done()
		for i := range jobCh {
			data, err := fetchChunk(ctx, dm, i, f)
			resCh <- result{index: i, data: data, err: err}
			if err != nil {
				cancel()
				return
			}
		}
	}
	for i := 0; i < opts.Concurrency; i++ {
		workerWG.Add(1)
		go worker()
	}

	go func() {
		defer func() {
			workerWG.Wait()
			close(resCh)
		}()
		defer close(jobCh)
		for i := range dm.Chunks {
			select {
			case <-ctx.Done():
				return
			case window <- struct{}{}:
			}
			select {
			case <-ctx.Done():
				return
			case jobCh <- i:
			}
		}
	}()

	pending := make(map[int][]byte, opts.Concurrency)
	next := 0
	var written int64
	var firstErr error
	for res := range resCh {
		if firstErr != nil {
			continue
		}
		if res.err != nil {
			firstErr = res.err
			cancel()
			continue
		}
		pending[res.index] = res.data
		for {
			data, ok := pending[next]
			if !ok {
				break
			}
			n, err := w.Write(data)
			written += int64(n)
			if err != nil {
				firstErr = xerrors.Wrap(xerrors.KindInternal, "selfencrypt.write", "", err)
				cancel()
				break
			}
			delete(pending, next)
			next++
			<-window
		}
	}
	if firstErr != nil {
		return written, firstErr
	}
	if next != len(dm.Chunks) {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		return written, xerrors.E(xerrors.KindIncompleteDataMap, "selfencrypt.stream", "")
	}
	return written, nil
}
