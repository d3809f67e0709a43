package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jacktea/xorstore/pkg/client"
	"github.com/jacktea/xorstore/pkg/encryption"
	"github.com/jacktea/xorstore/pkg/identity"
	"github.com/jacktea/xorstore/pkg/journal"
	"github.com/jacktea/xorstore/pkg/payment"
	"github.com/jacktea/xorstore/pkg/record"
	"github.com/jacktea/xorstore/pkg/selfencrypt"
	"github.com/jacktea/xorstore/pkg/store"
)

type app struct {
	ctx     context.Context
	client  *client.Client
	store   store.Store
	journal journal.Journal
	log     *logrus.Logger
	wallet  *payment.Wallet
	cleanup []func() error
}

func (a *app) ensureClient() error {
	if a.client != nil {
		return nil
	}
	log, err := newLogger(viper.GetString("log_level"), viper.GetString("log_format"))
	if err != nil {
		return err
	}
	enc, err := encryptionOptions(viper.GetString("encrypt"), viper.GetString("key"))
	if err != nil {
		return err
	}
	base := store.Options{Validator: record.Validator{}}
	if b, kib := viper.GetUint64("price_base"), viper.GetUint64("price_per_kib"); b > 0 || kib > 0 {
		base.Pricing = store.LinearPricing{Base: payment.Amount(b), PerKiB: payment.Amount(kib)}
	}

	primary, closePrimary, err := buildStore(viper.GetString("store"), storeOptions{
		Root:       viper.GetString("root"),
		BoltPath:   viper.GetString("bolt"),
		Encryption: enc,
		Options:    base,
	})
	if err != nil {
		return fmt.Errorf("store config: %w", err)
	}
	a.addCleanup(closePrimary)
	s := primary
	if root := viper.GetString("hybrid_root"); root != "" {
		secondary, closeSecondary, err := buildStore("path", storeOptions{Root: root, Encryption: enc, Options: base})
		if err != nil {
			return fmt.Errorf("hybrid store config: %w", err)
		}
		a.addCleanup(closeSecondary)
		s, err = store.NewHybridStore(primary, secondary, store.HybridOptions{
			MirrorSecondary: viper.GetBool("hybrid_mirror"),
			CacheOnRead:     viper.GetBool("hybrid_cache_read"),
			Versioner:       record.Validator{},
		})
		if err != nil {
			return err
		}
	}

	var j journal.Journal
	if path := viper.GetString("journal"); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("journal dir: %w", err)
		}
		bj, err := journal.NewBoltJournal(journal.BoltConfig{Path: path})
		if err != nil {
			return err
		}
		a.addCleanup(bj.Close)
		j = bj
	}

	compression, err := selfencrypt.ParseCompression(viper.GetString("compression"))
	if err != nil {
		return err
	}
	c, err := client.New(client.Options{
		Store:       s,
		Journal:     j,
		ChunkSize:   viper.GetInt("chunk") << 10,
		Compression: compression,
		Concurrency: viper.GetInt("concurrency"),
		Logger:      log,
		Registerer:  prometheus.DefaultRegisterer,
	})
	if err != nil {
		return err
	}
	a.addCleanup(c.Close)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	a.addCleanup(func() error { stop(); return nil })
	a.ctx = ctx
	a.client = c
	a.store = s
	a.journal = j
	a.log = log
	a.wallet = payment.NewWallet(viper.GetString("key_name"), payment.Amount(viper.GetUint64("wallet_balance")))
	return nil
}

func (a *app) addCleanup(fn func() error) {
	if fn != nil {
		a.cleanup = append(a.cleanup, fn)
	}
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		if err := a.cleanup[i](); err != nil && a.log != nil {
			a.log.WithError(err).Warn("cleanup")
		}
	}
	a.cleanup = nil
}

// secretKey loads the configured owner key, generating it on first use.
func (a *app) secretKey() (identity.SecretKey, error) {
	sk, created, err := identity.LoadOrGenerateSecretKey(viper.GetString("key_dir"), viper.GetString("key_name"))
	if err != nil {
		return identity.SecretKey{}, err
	}
	if created {
		a.log.WithField("public_key", sk.PublicKey().Hex()).Info("generated new secret key")
	}
	return sk, nil
}

func (a *app) pay() payment.Option { return payment.FromWallet(a.wallet) }

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "xorstore",
		Short:         "xorstore content-addressed storage client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensureClient()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	err := rootCmd.Execute()
	application.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("xorstore")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "xorstore"))
		}
	}
	viper.SetEnvPrefix("XORSTORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	flags.String("store", "path", "record store: memory|path|bolt")
	flags.String("root", ".xorstore/records", "record directory (path store)")
	flags.String("bolt", ".xorstore/records.db", "database file (bolt store)")
	flags.String("encrypt", "none", "at-rest encryption: none|aes-256-ctr|xchacha20-poly1305")
	flags.String("key", "", "hex-encoded 32-byte at-rest encryption key")
	flags.Uint64("price-base", 0, "price of every new record")
	flags.Uint64("price-per-kib", 0, "price per started KiB of a new record")

	flags.String("hybrid-root", "", "record directory of a secondary path store")
	flags.Bool("hybrid-mirror", true, "mirror writes to the secondary store")
	flags.Bool("hybrid-cache-read", true, "cache secondary reads into the primary store")

	flags.Int("chunk", selfencrypt.DefaultChunkSize>>10, "self-encryption chunk size in KiB")
	flags.String("compression", "auto", "chunk compression: none|lz4|zstd|auto")
	flags.Int("concurrency", 8, "parallel chunk and file transfers")

	flags.String("key-dir", ".xorstore/keys", "directory holding secret keys")
	flags.String("key-name", "default", "name of the owner key")
	flags.Uint64("wallet-balance", 1<<40, "funds available for paying new records")
	flags.String("journal", ".xorstore/journal.db", "pending-write journal (empty disables)")

	flags.String("log-level", "info", "log level: debug|info|warn|error")
	flags.String("log-format", "text", "log format: text|json")

	for _, name := range []string{
		"store", "root", "bolt", "encrypt", "key", "price-base", "price-per-kib",
		"hybrid-root", "hybrid-mirror", "hybrid-cache-read",
		"chunk", "compression", "concurrency",
		"key-dir", "key-name", "wallet-balance", "journal",
		"log-level", "log-format",
	} {
		bindConfig(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}
}

func initCommands() {
	rootCmd.AddCommand(
		newKeygenCmd(),
		newChunkCmd(),
		newPointerCmd(),
		newScratchpadCmd(),
		newRegisterCmd(),
		newDataCmd(),
		newFileCmd(),
		newDirCmd(),
		newArchiveCmd(),
		newVaultCmd(),
		newCostCmd(),
		newRepairCmd(),
		newServeCmd(),
	)
}

func newLogger(level, format string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(lvl)
	switch format {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return log, nil
}

func encryptionOptions(method, key string) (encryption.Options, error) {
	m, err := encryption.ParseMethod(method)
	if err != nil {
		return encryption.Options{}, err
	}
	opts := encryption.Options{Method: m}
	if !opts.Enabled() {
		return opts, nil
	}
	if key == "" {
		return encryption.Options{}, errors.New("encryption enabled but key missing")
	}
	decoded, err := hex.DecodeString(key)
	if err != nil || len(decoded) != 32 {
		return encryption.Options{}, errors.New("encryption key must be 32 bytes of hex")
	}
	opts.Key = decoded
	return opts, nil
}
