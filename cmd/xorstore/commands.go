package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/client"
	"github.com/jacktea/xorstore/pkg/identity"
	"github.com/jacktea/xorstore/pkg/payment"
	"github.com/jacktea/xorstore/pkg/repair"
	"github.com/jacktea/xorstore/pkg/selfencrypt"
)

func newKeygenCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the owner key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return doKeygen(cmd.OutOrStdout(), viper.GetString("key_dir"), viper.GetString("key_name"), force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing key")
	return cmd
}

func doKeygen(out io.Writer, dir, name string, force bool) error {
	if !force {
		if _, err := identity.LoadSecretKey(dir, name); err == nil {
			return fmt.Errorf("key %q already exists in %s", name, dir)
		}
	}
	sk, err := identity.GenerateSecretKey()
	if err != nil {
		return err
	}
	if err := identity.SaveSecretKey(dir, name, sk); err != nil {
		return err
	}
	fmt.Fprintln(out, sk.PublicKey().Hex())
	return nil
}

func newChunkCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "chunk", Short: "Store and fetch raw chunks"}
	cmd.AddCommand(&cobra.Command{
		Use:   "put <file>",
		Short: "Store a file as a single chunk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doChunkPut(application.ctx, application.client, cmd.OutOrStdout(), args[0], application.pay())
		},
	}, &cobra.Command{
		Use:   "get <address> <dest>",
		Short: "Fetch a chunk into a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doChunkGet(application.ctx, application.client, args[0], args[1])
		},
	})
	return cmd
}

func doChunkPut(ctx context.Context, c *client.Client, out io.Writer, path string, pay payment.Option) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	cost, addr, err := c.ChunkPut(ctx, data, pay)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\t%d\n", addr.Hex(), cost)
	return nil
}

func doChunkGet(ctx context.Context, c *client.Client, ref, dest string) error {
	addr, err := address.ParseChunkAddress(ref)
	if err != nil {
		return err
	}
	ch, err := c.ChunkGet(ctx, addr)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, ch.Data, 0o644)
}

func newPointerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "pointer", Short: "Manage named pointers"}
	cmd.AddCommand(&cobra.Command{
		Use:   "create <name> <kind:hex>",
		Short: "Create a pointer owned by a key derived from name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sk, err := application.secretKey()
			if err != nil {
				return err
			}
			return doPointerCreate(application.ctx, application.client, cmd.OutOrStdout(), identity.KeyFromName(sk, args[0]), args[1], application.pay())
		},
	}, &cobra.Command{
		Use:   "update <name> <kind:hex>",
		Short: "Point a named pointer at a new target",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sk, err := application.secretKey()
			if err != nil {
				return err
			}
			target, err := address.ParseTargetString(args[1])
			if err != nil {
				return err
			}
			return application.client.PointerUpdate(application.ctx, identity.KeyFromName(sk, args[0]), target)
		},
	}, &cobra.Command{
		Use:   "get <owner>",
		Short: "Show a pointer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doPointerGet(application.ctx, application.client, cmd.OutOrStdout(), args[0])
		},
	})
	return cmd
}

func doPointerCreate(ctx context.Context, c *client.Client, out io.Writer, sk identity.SecretKey, targetRef string, pay payment.Option) error {
	target, err := address.ParseTargetString(targetRef)
	if err != nil {
		return err
	}
	cost, addr, err := c.PointerCreate(ctx, sk, target, pay)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\t%d\n", addr.Hex(), cost)
	return nil
}

func doPointerGet(ctx context.Context, c *client.Client, out io.Writer, owner string) error {
	pk, err := address.ParseOwner(owner)
	if err != nil {
		return err
	}
	p, err := c.PointerGet(ctx, address.PointerAddress{Owner: pk})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\t%d\n", address.FormatTarget(p.Target), p.Counter)
	return nil
}

func newScratchpadCmd() *cobra.Command {
	var contentType string
	cmd := &cobra.Command{Use: "scratchpad", Short: "Manage named encrypted scratchpads"}
	cmd.PersistentFlags().StringVar(&contentType, "type", "text", "content type label")
	cmd.AddCommand(&cobra.Command{
		Use:   "create <name> <file>",
		Short: "Create a scratchpad from a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sk, err := application.secretKey()
			if err != nil {
				return err
			}
			return doScratchpadWrite(application.ctx, application.client, cmd.OutOrStdout(), identity.KeyFromName(sk, args[0]), contentType, args[1], application.pay())
		},
	}, &cobra.Command{
		Use:   "update <name> <file>",
		Short: "Replace a scratchpad's content",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sk, err := application.secretKey()
			if err != nil {
				return err
			}
			return doScratchpadWrite(application.ctx, application.client, cmd.OutOrStdout(), identity.KeyFromName(sk, args[0]), contentType, args[1], nil)
		},
	}, &cobra.Command{
		Use:   "get <name>",
		Short: "Print a scratchpad's decrypted content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sk, err := application.secretKey()
			if err != nil {
				return err
			}
			return doScratchpadGet(application.ctx, application.client, cmd.OutOrStdout(), identity.KeyFromName(sk, args[0]))
		},
	})
	return cmd
}

// doScratchpadWrite creates the scratchpad when pay is set and updates it
// otherwise.
func doScratchpadWrite(ctx context.Context, c *client.Client, out io.Writer, sk identity.SecretKey, contentType, path string, pay payment.Option) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	encoding := client.ContentType(contentType)
	if pay == nil {
		return c.ScratchpadUpdate(ctx, sk, encoding, data)
	}
	cost, addr, err := c.ScratchpadCreate(ctx, sk, encoding, data, pay)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\t%d\n", addr.Hex(), cost)
	return nil
}

func doScratchpadGet(ctx context.Context, c *client.Client, out io.Writer, sk identity.SecretKey) error {
	s, err := c.ScratchpadGetFromPublicKey(ctx, sk.PublicKey())
	if err != nil {
		return err
	}
	data, err := s.DecryptData(sk)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func newRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "register", Short: "Manage named registers"}
	cmd.AddCommand(&cobra.Command{
		Use:   "create <name> <value>",
		Short: "Create a register holding value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sk, err := application.secretKey()
			if err != nil {
				return err
			}
			cost, addr, err := application.client.RegisterCreate(application.ctx, client.RegisterKeyFromName(sk, args[0]), []byte(args[1]), application.pay())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", addr.Hex(), cost)
			return nil
		},
	}, &cobra.Command{
		Use:   "update <name> <value>",
		Short: "Append a value to a register",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sk, err := application.secretKey()
			if err != nil {
				return err
			}
			cost, err := application.client.RegisterUpdate(application.ctx, client.RegisterKeyFromName(sk, args[0]), []byte(args[1]), application.pay())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cost)
			return nil
		},
	}, &cobra.Command{
		Use:   "get <address>",
		Short: "Print a register's current value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRegisterGet(application.ctx, application.client, cmd.OutOrStdout(), args[0], false)
		},
	}, &cobra.Command{
		Use:   "history <address>",
		Short: "Print every value a register has held, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRegisterGet(application.ctx, application.client, cmd.OutOrStdout(), args[0], true)
		},
	})
	return cmd
}

func doRegisterGet(ctx context.Context, c *client.Client, out io.Writer, ref string, history bool) error {
	pk, err := address.ParseOwner(ref)
	if err != nil {
		return err
	}
	addr := address.RegisterAddress{Owner: pk}
	if !history {
		v, err := c.RegisterGet(ctx, addr)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\n", v)
		return nil
	}
	h := c.RegisterHistory(addr)
	for {
		v, ok, err := h.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		fmt.Fprintf(out, "%s\n", v)
	}
}

func newDataCmd() *cobra.Command {
	var public bool
	cmd := &cobra.Command{Use: "data", Short: "Self-encrypt in-memory payloads"}
	cmd.PersistentFlags().BoolVar(&public, "public", false, "publish the data map")
	cmd.AddCommand(&cobra.Command{
		Use:   "put <file>",
		Short: "Upload a file's bytes and print the reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doDataPut(application.ctx, application.client, cmd.OutOrStdout(), args[0], public, application.pay())
		},
	}, &cobra.Command{
		Use:   "get <ref>",
		Short: "Download data and write it to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doDataGet(application.ctx, application.client, cmd.OutOrStdout(), args[0], public)
		},
	})
	return cmd
}

func doDataPut(ctx context.Context, c *client.Client, out io.Writer, path string, public bool, pay payment.Option) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if public {
		cost, addr, err := c.DataPutPublic(ctx, data, pay)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%d\n", addr.Hex(), cost)
		return nil
	}
	cost, handle, err := c.DataPut(ctx, data, pay)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\t%d\n", handle.Hex(), cost)
	return nil
}

func doDataGet(ctx context.Context, c *client.Client, out io.Writer, ref string, public bool) error {
	var (
		ds  *client.DataStream
		err error
	)
	if public {
		addr, perr := address.ParseDataAddress(ref)
		if perr != nil {
			return perr
		}
		ds, err = c.DataOpenPublic(ctx, addr)
	} else {
		handle, perr := selfencrypt.ParseDataMapChunk(ref)
		if perr != nil {
			return perr
		}
		ds, err = c.DataOpen(ctx, handle)
	}
	if err != nil {
		return err
	}
	_, err = ds.Stream(ctx, out)
	return err
}

func newFileCmd() *cobra.Command {
	var public bool
	cmd := &cobra.Command{Use: "file", Short: "Upload and download single files"}
	cmd.PersistentFlags().BoolVar(&public, "public", false, "publish the data map")
	cmd.AddCommand(&cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doFileUpload(application.ctx, application.client, cmd.OutOrStdout(), args[0], public, application.pay())
		},
	}, &cobra.Command{
		Use:   "download <ref> <dest>",
		Short: "Download a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doFileDownload(application.ctx, application.client, args[0], args[1], public)
		},
	})
	return cmd
}

func doFileUpload(ctx context.Context, c *client.Client, out io.Writer, path string, public bool, pay payment.Option) error {
	if public {
		cost, addr, err := c.FileContentUploadPublic(ctx, path, pay)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%d\n", addr.Hex(), cost)
		return nil
	}
	cost, handle, err := c.FileContentUpload(ctx, path, pay)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\t%d\n", handle.Hex(), cost)
	return nil
}

func doFileDownload(ctx context.Context, c *client.Client, ref, dest string, public bool) error {
	if public {
		addr, err := address.ParseDataAddress(ref)
		if err != nil {
			return err
		}
		return c.FileDownloadPublic(ctx, addr, dest)
	}
	handle, err := selfencrypt.ParseDataMapChunk(ref)
	if err != nil {
		return err
	}
	return c.FileDownload(ctx, handle, dest)
}

func newDirCmd() *cobra.Command {
	var public bool
	cmd := &cobra.Command{Use: "dir", Short: "Upload and download directory trees"}
	cmd.PersistentFlags().BoolVar(&public, "public", false, "publish the archive and its files")
	cmd.AddCommand(&cobra.Command{
		Use:   "upload <dir>",
		Short: "Upload a directory and its archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doDirUpload(application.ctx, application.client, cmd.OutOrStdout(), args[0], public, application.pay())
		},
	}, &cobra.Command{
		Use:   "download <ref> <dest>",
		Short: "Recreate an archived directory under dest",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doDirDownload(application.ctx, application.client, args[0], args[1], public)
		},
	})
	return cmd
}

func doDirUpload(ctx context.Context, c *client.Client, out io.Writer, dir string, public bool, pay payment.Option) error {
	if public {
		cost, addr, err := c.DirUploadPublic(ctx, dir, pay)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%d\n", addr.Hex(), cost)
		return nil
	}
	cost, handle, err := c.DirUpload(ctx, dir, pay)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\t%d\n", handle.Hex(), cost)
	return nil
}

func doDirDownload(ctx context.Context, c *client.Client, ref, dest string, public bool) error {
	if public {
		addr, err := address.ParseDataAddress(ref)
		if err != nil {
			return err
		}
		return c.DirDownloadPublic(ctx, addr, dest)
	}
	handle, err := selfencrypt.ParseDataMapChunk(ref)
	if err != nil {
		return err
	}
	return c.DirDownload(ctx, handle, dest)
}

func newArchiveCmd() *cobra.Command {
	var public bool
	cmd := &cobra.Command{Use: "archive", Short: "Inspect archives"}
	ls := &cobra.Command{
		Use:   "ls <ref>",
		Short: "List the files in an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doArchiveList(application.ctx, application.client, cmd.OutOrStdout(), args[0], public)
		},
	}
	ls.Flags().BoolVar(&public, "public", false, "ref is a public archive address")
	cmd.AddCommand(ls)
	return cmd
}

func doArchiveList(ctx context.Context, c *client.Client, out io.Writer, ref string, public bool) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	row := func(path string, size, modified uint64) {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", path, size, time.Unix(int64(modified), 0).UTC().Format(time.RFC3339))
	}
	if public {
		addr, err := address.ParseDataAddress(ref)
		if err != nil {
			return err
		}
		a, err := c.ArchiveGetPublic(ctx, addr)
		if err != nil {
			return err
		}
		for _, f := range a.Files() {
			row(f.Path, f.Metadata.Size, f.Metadata.Modified)
		}
		return tw.Flush()
	}
	handle, err := selfencrypt.ParseDataMapChunk(ref)
	if err != nil {
		return err
	}
	a, err := c.ArchiveGet(ctx, handle)
	if err != nil {
		return err
	}
	for _, f := range a.Files() {
		row(f.Path, f.Metadata.Size, f.Metadata.Modified)
	}
	return tw.Flush()
}

func newVaultCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "vault", Short: "Read and write the owner's vault"}
	cmd.AddCommand(&cobra.Command{
		Use:   "write <file>",
		Short: "Replace the vault content with a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sk, err := application.secretKey()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			cost, err := application.client.VaultWrite(application.ctx, sk, client.ContentType(filepath.Ext(args[0])), data, application.pay())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cost)
			return nil
		},
	}, &cobra.Command{
		Use:   "fetch",
		Short: "Write the vault content to stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sk, err := application.secretKey()
			if err != nil {
				return err
			}
			data, _, err := application.client.VaultFetch(application.ctx, sk)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	return cmd
}

func newCostCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "cost", Short: "Quote storage costs"}
	cmd.AddCommand(&cobra.Command{
		Use:   "file <path>",
		Short: "Quote uploading a file publicly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			quote, err := application.client.FileCost(application.ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), quote)
			return nil
		},
	}, &cobra.Command{
		Use:   "register <name>",
		Short: "Quote creating a named register",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sk, err := application.secretKey()
			if err != nil {
				return err
			}
			quote, err := application.client.RegisterCost(application.ctx, client.RegisterKeyFromName(sk, args[0]).PublicKey())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), quote)
			return nil
		},
	})
	return cmd
}

func newRepairCmd() *cobra.Command {
	var (
		batch    int
		attempts int
	)
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Replay pointer writes left pending in the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if application.journal == nil {
				return errors.New("repair needs a journal")
			}
			sweeper := repair.NewSweeper(repair.Options{
				Journal:     application.journal,
				Store:       application.store,
				BatchSize:   batch,
				MaxAttempts: attempts,
				Logger:      application.log,
			})
			res, err := sweeper.Sweep(application.ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "completed=%d failed=%d dropped=%d\n", res.Completed, res.Failed, res.Dropped)
			return nil
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 64, "entries per journal scan")
	cmd.Flags().IntVar(&attempts, "max-attempts", 10, "attempts before an entry is dropped")
	return cmd
}
