package client

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/archive"
	"github.com/jacktea/xorstore/pkg/payment"
	"github.com/jacktea/xorstore/pkg/selfencrypt"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

// putFunc stores size bytes from r and returns a reference to them.
type putFunc[R archive.Ref] func(ctx context.Context, r io.ReaderAt, size int64, pay payment.Option) (payment.Amount, R, error)

// getFunc writes the content behind ref into w.
type getFunc[R archive.Ref] func(ctx context.Context, ref R, w io.WriterAt) (uint64, error)

func (c *Client) dataGetPublicTo(ctx context.Context, addr address.DataAddress, w io.WriterAt) (uint64, error) {
	handle, err := c.resolve(ctx, addr)
	if err != nil {
		return 0, err
	}
	return c.dataGetTo(ctx, handle, w)
}

// FileContentUpload stores the content of the file at path privately.
func (c *Client) FileContentUpload(ctx context.Context, path string, pay payment.Option) (cost payment.Amount, handle selfencrypt.DataMapChunk, err error) {
	defer func() { c.observe("file_upload", err) }()
	cost, handle, _, err = uploadFile(ctx, path, pay, c.dataPutReader)
	return cost, handle, err
}

// FileContentUploadPublic stores the content of the file at path together
// with its handle.
func (c *Client) FileContentUploadPublic(ctx context.Context, path string, pay payment.Option) (cost payment.Amount, addr address.DataAddress, err error) {
	defer func() { c.observe("file_upload_public", err) }()
	cost, addr, _, err = uploadFile(ctx, path, pay, c.dataPutPublic)
	return cost, addr, err
}

func uploadFile[R archive.Ref](ctx context.Context, path string, pay payment.Option, put putFunc[R]) (payment.Amount, R, archive.Metadata, error) {
	const op = "file.upload"
	var zero R
	f, err := os.Open(path)
	if err != nil {
		return 0, zero, archive.Metadata{}, fileErr(op, path, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return 0, zero, archive.Metadata{}, fileErr(op, path, err)
	}
	if !fi.Mode().IsRegular() {
		return 0, zero, archive.Metadata{}, xerrors.Wrap(xerrors.KindInvalid, op, path, fmt.Errorf("not a regular file"))
	}
	cost, ref, err := put(ctx, f, fi.Size(), pay)
	if err != nil {
		return 0, zero, archive.Metadata{}, err
	}
	mtime := uint64(max(fi.ModTime().Unix(), 0))
	return cost, ref, archive.MetadataWithCustomFields(mtime, mtime, uint64(fi.Size()), nil), nil
}

// FileDownload writes the data behind handle to dest, creating parent
// directories as needed.
func (c *Client) FileDownload(ctx context.Context, handle selfencrypt.DataMapChunk, dest string) (err error) {
	defer func() { c.observe("file_download", err) }()
	return downloadFile(ctx, handle, dest, archive.Metadata{}, c.dataGetTo)
}

// FileDownloadPublic writes the data at addr to dest.
func (c *Client) FileDownloadPublic(ctx context.Context, addr address.DataAddress, dest string) (err error) {
	defer func() { c.observe("file_download_public", err) }()
	return downloadFile(ctx, addr, dest, archive.Metadata{}, c.dataGetPublicTo)
}

func downloadFile[R archive.Ref](ctx context.Context, ref R, dest string, meta archive.Metadata, get getFunc[R]) error {
	const op = "file.download"
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fileErr(op, dest, err)
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fileErr(op, dest, err)
	}
	if _, err := get(ctx, ref, f); err != nil {
		f.Close()
		os.Remove(dest)
		return err
	}
	if err := f.Close(); err != nil {
		return fileErr(op, dest, err)
	}
	if meta.Modified > 0 {
		mtime := time.Unix(int64(meta.Modified), 0)
		if err := os.Chtimes(dest, mtime, mtime); err != nil {
			return fileErr(op, dest, err)
		}
	}
	return nil
}

// DirContentUpload stores every regular file under dir and returns a
// private archive of them. Archive paths start with the base name of dir.
func (c *Client) DirContentUpload(ctx context.Context, dir string, pay payment.Option) (cost payment.Amount, a *archive.PrivateArchive, err error) {
	defer func() { c.observe("dir_upload", err) }()
	return uploadDir(ctx, c, dir, pay, c.dataPutReader)
}

// DirContentUploadPublic is DirContentUpload producing a public archive.
func (c *Client) DirContentUploadPublic(ctx context.Context, dir string, pay payment.Option) (cost payment.Amount, a *archive.PublicArchive, err error) {
	defer func() { c.observe("dir_upload_public", err) }()
	return uploadDir(ctx, c, dir, pay, c.dataPutPublic)
}

// DirUpload uploads dir and stores its private archive.
func (c *Client) DirUpload(ctx context.Context, dir string, pay payment.Option) (cost payment.Amount, handle selfencrypt.DataMapChunk, err error) {
	cost, a, err := c.DirContentUpload(ctx, dir, pay)
	if err != nil {
		return cost, selfencrypt.DataMapChunk{}, err
	}
	archiveCost, handle, err := c.ArchivePut(ctx, a, pay)
	return cost + archiveCost, handle, err
}

// DirUploadPublic uploads dir and publishes its archive.
func (c *Client) DirUploadPublic(ctx context.Context, dir string, pay payment.Option) (cost payment.Amount, addr address.DataAddress, err error) {
	cost, a, err := c.DirContentUploadPublic(ctx, dir, pay)
	if err != nil {
		return cost, address.DataAddress{}, err
	}
	archiveCost, addr, err := c.ArchivePutPublic(ctx, a, pay)
	return cost + archiveCost, addr, err
}

// uploadDir walks dir and uploads its regular files concurrently. A file
// that fails does not stop the others; every failure is reported in the
// returned error and no archive is returned.
func uploadDir[R archive.Ref](ctx context.Context, c *Client, dir string, pay payment.Option, put putFunc[R]) (payment.Amount, *archive.Archive[R], error) {
	const op = "dir.upload"
	root, err := filepath.Abs(dir)
	if err != nil {
		return 0, nil, fileErr(op, dir, err)
	}
	base := filepath.Dir(root)
	var (
		mu    sync.Mutex
		total payment.Amount
		errs  *multierror.Error
	)
	a := archive.New[R]()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.seOpts.Concurrency)
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fileErr(op, p, err)
		}
		if !d.Type().IsRegular() {
			if !d.IsDir() {
				c.log.WithField("path", p).Debug("skipping non-regular file")
			}
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return xerrors.Wrap(xerrors.KindInvalid, op, p, err)
		}
		g.Go(func() error {
			cost, ref, meta, err := uploadFile(gctx, p, pay, put)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if isContextErr(err) {
					return err
				}
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", p, err))
				return nil
			}
			total += cost
			if err := a.AddFile(filepath.ToSlash(rel), ref, meta); err != nil {
				errs = multierror.Append(errs, err)
			}
			return nil
		})
		return gctx.Err()
	})
	if err := g.Wait(); err != nil {
		return total, nil, err
	}
	if walkErr != nil {
		return total, nil, walkErr
	}
	if err := errs.ErrorOrNil(); err != nil {
		return total, nil, err
	}
	c.log.WithFields(logrus.Fields{"dir": dir, "files": a.Len(), "cost": total}).Info("directory uploaded")
	return total, a, nil
}

// DirDownload fetches the private archive behind handle and writes its
// files under dest.
func (c *Client) DirDownload(ctx context.Context, handle selfencrypt.DataMapChunk, dest string) (err error) {
	defer func() { c.observe("dir_download", err) }()
	a, err := c.ArchiveGet(ctx, handle)
	if err != nil {
		return err
	}
	return downloadArchive(ctx, c, a, dest, c.dataGetTo)
}

// DirDownloadPublic fetches the public archive at addr and writes its
// files under dest.
func (c *Client) DirDownloadPublic(ctx context.Context, addr address.DataAddress, dest string) (err error) {
	defer func() { c.observe("dir_download_public", err) }()
	a, err := c.ArchiveGetPublic(ctx, addr)
	if err != nil {
		return err
	}
	return downloadArchive(ctx, c, a, dest, c.dataGetPublicTo)
}

func downloadArchive[R archive.Ref](ctx context.Context, c *Client, a *archive.Archive[R], dest string, get getFunc[R]) error {
	var (
		mu   sync.Mutex
		errs *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.seOpts.Concurrency)
	for _, f := range a.Files() {
		f := f
		target := filepath.Join(dest, filepath.FromSlash(archive.CleanPath(f.Path)))
		g.Go(func() error {
			err := downloadFile(gctx, f.Ref, target, f.Metadata, get)
			if err == nil {
				return nil
			}
			if isContextErr(err) {
				return err
			}
			mu.Lock()
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", f.Path, err))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return errs.ErrorOrNil()
}

// fileErr classifies a local filesystem failure.
func fileErr(op, path string, err error) error {
	return xerrors.Wrap(xerrors.KindOf(err), op, path, err)
}

// FileCost quotes storing the file at path publicly.
func (c *Client) FileCost(ctx context.Context, path string) (payment.Amount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fileErr("file.cost", path, err)
	}
	return c.DataCost(ctx, data)
}
