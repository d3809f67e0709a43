// Package client is the high-level API over a record store: immutable
// chunks, signed mutable records, registers, self-encrypted data, archives,
// files and the user vault.
//
// Writers of a given pointer, scratchpad or register must follow a single
// writer discipline per owner key. Concurrent writers are detected through
// expected-counter checks (the *UpdateFrom variants) and surface as
// KindStaleWrite errors; they are never silently merged.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/cache"
	"github.com/jacktea/xorstore/pkg/journal"
	"github.com/jacktea/xorstore/pkg/payment"
	"github.com/jacktea/xorstore/pkg/selfencrypt"
	"github.com/jacktea/xorstore/pkg/store"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

const (
	defaultConcurrency  = 8
	defaultCacheEntries = 256
	defaultCacheTTL     = 10 * time.Minute
)

// Options configures a Client.
type Options struct {
	// Store is required.
	Store store.Store
	// Journal, when set, records pointer writes before they are issued so
	// a repair.Sweeper can finish them after a partial failure.
	Journal journal.Journal

	ChunkSize   int
	Compression selfencrypt.Compression
	// Concurrency bounds parallel chunk and file transfers.
	Concurrency int
	MaxMapSize  int

	// CacheEntries bounds the immutable record cache. Negative disables it.
	CacheEntries int
	CacheTTL     time.Duration

	Logger     logrus.FieldLogger
	Registerer prometheus.Registerer
}

// Client talks to a record store on behalf of one user.
type Client struct {
	store   store.Store
	journal journal.Journal
	seOpts  selfencrypt.Options
	cache   *cache.Cache[address.Key, []byte]
	fetches singleflight.Group
	log     logrus.FieldLogger
	metrics *metrics
}

// New builds a client.
func New(opts Options) (*Client, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("client: store is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, err
	}
	c := &Client{
		store:   opts.Store,
		journal: opts.Journal,
		seOpts: selfencrypt.Options{
			ChunkSize:   opts.ChunkSize,
			Compression: opts.Compression,
			Concurrency: opts.Concurrency,
			MaxMapSize:  opts.MaxMapSize,
		},
		log:     log.WithField("component", "client"),
		metrics: m,
	}
	if opts.CacheEntries >= 0 {
		entries, ttl := opts.CacheEntries, opts.CacheTTL
		if entries == 0 {
			entries = defaultCacheEntries
		}
		if ttl == 0 {
			ttl = defaultCacheTTL
		}
		c.cache = cache.New[address.Key, []byte](entries, ttl)
	}
	return c, nil
}

// Close releases client resources. The store is left open.
func (c *Client) Close() error {
	if c.cache != nil {
		return c.cache.Close()
	}
	return nil
}

// CacheStats reports the immutable record cache counters.
func (c *Client) CacheStats() cache.Stats {
	if c.cache == nil {
		return cache.Stats{}
	}
	return c.cache.Stats()
}

func immutable(kind address.Kind) bool {
	return kind == address.KindChunk || kind == address.KindGraphEntry
}

// get reads a record. Immutable kinds are served from cache when possible
// and concurrent fetches of one key share a single store read.
func (c *Client) get(ctx context.Context, key address.Key) ([]byte, error) {
	if !immutable(key.Kind) || c.cache == nil {
		return c.store.Get(ctx, key)
	}
	if data, ok := c.cache.Get(key); ok {
		c.metrics.cacheHits.Inc()
		return data, nil
	}
	c.metrics.cacheMisses.Inc()
	v, err, _ := c.fetches.Do(key.String(), func() (any, error) {
		data, err := c.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// remember caches a verified immutable record.
func (c *Client) remember(key address.Key, data []byte) {
	if c.cache != nil && immutable(key.Kind) {
		c.cache.Set(key, data)
	}
}

func (c *Client) exists(ctx context.Context, key address.Key) (bool, error) {
	if c.cache != nil && immutable(key.Kind) {
		if _, ok := c.cache.Get(key); ok {
			return true, nil
		}
	}
	return c.store.Exists(ctx, key)
}

// put quotes, pays for and writes one record, returning what was paid.
func (c *Client) put(ctx context.Context, key address.Key, data []byte, pay payment.Option) (payment.Amount, error) {
	cost, err := c.store.Cost(ctx, key, len(data))
	if err != nil {
		return 0, err
	}
	receipt, err := c.pay(ctx, []payment.Quote{{Key: key, Price: cost}}, pay)
	if err != nil {
		return 0, err
	}
	if err := c.store.Put(ctx, key, data, receipt); err != nil {
		return 0, err
	}
	c.metrics.bytesUp.Add(float64(len(data)))
	return cost, nil
}

func (c *Client) pay(ctx context.Context, quotes []payment.Quote, pay payment.Option) (payment.Receipt, error) {
	var owed []payment.Quote
	for _, q := range quotes {
		if q.Price > 0 {
			owed = append(owed, q)
		}
	}
	if len(owed) == 0 {
		return nil, nil
	}
	if pay == nil {
		return nil, xerrors.Wrap(xerrors.KindPayment, "client.pay", owed[0].Key.String(),
			fmt.Errorf("no payment option for %d priced records", len(owed)))
	}
	return pay.Pay(ctx, owed)
}

// putJournaled writes a mutable record, journaling it first so a failed
// write can be re-issued later.
func (c *Client) putJournaled(ctx context.Context, op string, key address.Key, data []byte, pay payment.Option) (payment.Amount, error) {
	if c.journal == nil {
		return c.put(ctx, key, data, pay)
	}
	cost, err := c.store.Cost(ctx, key, len(data))
	if err != nil {
		return 0, err
	}
	receipt, err := c.pay(ctx, []payment.Quote{{Key: key, Price: cost}}, pay)
	if err != nil {
		return 0, err
	}
	if err := c.journal.Record(ctx, journal.Entry{Key: key, Data: data, Receipt: receipt, Op: op}); err != nil {
		return 0, err
	}
	putErr := c.store.Put(ctx, key, data, receipt)
	if putErr != nil && (isContextErr(putErr) || xerrors.KindOf(putErr).Retryable()) {
		c.log.WithError(putErr).WithFields(logrus.Fields{"address": key.String(), "op": op}).
			Warn("write journaled for retry")
		return 0, putErr
	}
	if err := c.journal.Complete(context.WithoutCancel(ctx), key); err != nil {
		c.log.WithError(err).WithField("address", key.String()).Warn("journal complete")
	}
	if putErr != nil {
		return 0, putErr
	}
	c.metrics.bytesUp.Add(float64(len(data)))
	return cost, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// observe counts the outcome of a public operation.
func (c *Client) observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = xerrors.KindOf(err).String()
		if isContextErr(err) {
			outcome = "canceled"
		}
	}
	c.metrics.ops.WithLabelValues(op, outcome).Inc()
}
