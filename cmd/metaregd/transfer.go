package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/metareg-io/metareg/internal/export"
	"github.com/metareg-io/metareg/internal/objectstore"
	"github.com/metareg-io/metareg/internal/registry"
	"github.com/metareg-io/metareg/internal/snapshot"
)

const stdio = "-"

func isObjectURI(dest string) bool {
	return strings.HasPrefix(dest, objectstore.Scheme+"://")
}

// writeTo runs fn against dest: "-" for stdout, an s3:// URI, or a file
// path. Object uploads are buffered in memory since Put needs the size.
func writeTo(ctx context.Context, cmd *cobra.Command, opts *AdminOptions, dest, contentType string, fn func(io.Writer) error) error {
	switch {
	case dest == stdio:
		return fn(cmd.OutOrStdout())

	case isObjectURI(dest):
		var buf bytes.Buffer
		if err := fn(&buf); err != nil {
			return err
		}
		provider, err := opts.Objects(ctx)
		if err != nil {
			return err
		}
		size := int64(buf.Len())
		if err := objectstore.Upload(ctx, provider, dest, &buf, size, contentType); err != nil {
			return fmt.Errorf("upload %s: %w", dest, err)
		}
		return nil

	default:
		f, err := os.Create(dest)
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}
}

// openFrom opens src: "-" for stdin, an s3:// URI, or a file path.
func openFrom(ctx context.Context, cmd *cobra.Command, opts *AdminOptions, src string) (io.ReadCloser, error) {
	switch {
	case src == stdio:
		return io.NopCloser(cmd.InOrStdin()), nil
	case isObjectURI(src):
		provider, err := opts.Objects(ctx)
		if err != nil {
			return nil, err
		}
		return objectstore.Download(ctx, provider, src)
	default:
		return os.Open(src)
	}
}

func adminExportChunksCmd(open adminOpener) *cobra.Command {
	var (
		out      string
		status   string
		pageSize int
	)
	cmd := &cobra.Command{
		Use:   "export-chunks",
		Short: "Write every chunk as a Parquet file",
		Long: `Write every chunk, joined with its registry, as a zstd-compressed
Parquet file to a path, "-" for stdout, or an s3://bucket/key URI.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			exportOpts := export.Options{PageSize: pageSize}
			if status != "" {
				s, err := registry.ParseAccessibility(status)
				if err != nil {
					return err
				}
				exportOpts.Status = s
			}
			return withAdmin(cmd, open, func(ctx context.Context, opts *AdminOptions) error {
				var stats export.Stats
				err := writeTo(ctx, cmd, opts, out, export.ContentType, func(w io.Writer) error {
					var err error
					stats, err = export.Chunks(ctx, opts.Reader, w, exportOpts)
					return err
				})
				if err != nil {
					return err
				}
				if out != stdio {
					fmt.Fprintf(cmd.ErrOrStderr(), "exported %d chunks to %s (%d orphaned)\n", stats.Rows, out, stats.Orphans)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", `destination path, "-" or s3://bucket/key`)
	cmd.Flags().StringVar(&status, "status", "", "only export chunks with this status")
	cmd.Flags().IntVar(&pageSize, "page-size", export.DefaultPageSize, "chunks read per store call")
	cmd.MarkFlagRequired("out")
	return cmd
}

func adminSnapshotCmd(open adminOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Export or import the whole keyspace",
	}
	cmd.AddCommand(adminSnapshotExportCmd(open), adminSnapshotImportCmd(open))
	return cmd
}

func adminSnapshotExportCmd(open adminOpener) *cobra.Command {
	var (
		out      string
		pageSize int
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a snapshot of the keyspace",
		Long: `Write a snapshot to a path, "-" for stdout, or an s3://bucket/key URI.
The snapshot is consistent only while no node commits rounds.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, open, func(ctx context.Context, opts *AdminOptions) error {
				var stats snapshot.Stats
				err := writeTo(ctx, cmd, opts, out, snapshot.ContentType, func(w io.Writer) error {
					var err error
					stats, err = snapshot.Export(ctx, opts.Store, w, snapshot.ExportOptions{PageSize: pageSize})
					return err
				})
				if err != nil {
					return err
				}
				if out != stdio {
					fmt.Fprintf(cmd.ErrOrStderr(), "exported %d keys at round %s to %s\n",
						stats.Entries, roundLabel(stats), out)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", `destination path, "-" or s3://bucket/key`)
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "keys listed per store call (0 for the default)")
	cmd.MarkFlagRequired("out")
	return cmd
}

func adminSnapshotImportCmd(open adminOpener) *cobra.Command {
	var (
		in        string
		force     bool
		batchSize int
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load a snapshot into the metadata store",
		Long: `Load a snapshot from a path, "-" for stdin, or an s3://bucket/key URI.
Refuses to write over a store holding a committed round unless --force.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, open, func(ctx context.Context, opts *AdminOptions) error {
				r, err := openFrom(ctx, cmd, opts, in)
				if err != nil {
					return err
				}
				defer r.Close()

				stats, err := snapshot.Import(ctx, opts.Store, r, snapshot.ImportOptions{
					BatchSize: batchSize,
					Force:     force,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "imported %d keys at round %s\n", stats.Entries, roundLabel(stats))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&in, "in", "i", "", `source path, "-" or s3://bucket/key`)
	cmd.Flags().BoolVar(&force, "force", false, "import over existing state")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "keys written per transaction (0 for the default)")
	cmd.MarkFlagRequired("in")
	return cmd
}

func roundLabel(stats snapshot.Stats) string {
	if !stats.HasRound {
		return "none"
	}
	return fmt.Sprint(stats.Round)
}
