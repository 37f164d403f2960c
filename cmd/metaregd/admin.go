package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/metareg-io/metareg/internal/chunkid"
	"github.com/metareg-io/metareg/internal/config"
	"github.com/metareg-io/metareg/internal/engine"
	"github.com/metareg-io/metareg/internal/logging"
	"github.com/metareg-io/metareg/internal/metadata"
	"github.com/metareg-io/metareg/internal/metadata/keys"
	"github.com/metareg-io/metareg/internal/node"
	"github.com/metareg-io/metareg/internal/objectstore"
	"github.com/metareg-io/metareg/internal/objectstore/s3"
	"github.com/metareg-io/metareg/internal/registry"
)

const adminTimeout = 30 * time.Second

// AdminOptions contains the handles admin commands work against.
type AdminOptions struct {
	Config *config.Config
	Logger *logging.Logger
	Store  metadata.MetadataStore
	Reader *engine.Reader
	// Objects opens the object store provider on first use.
	Objects func(ctx context.Context) (objectstore.Provider, error)
}

// adminOpener builds the admin handles; the returned cleanup releases them.
type adminOpener func(ctx context.Context) (*AdminOptions, func(), error)

// initAdminOpts opens the configured metadata store directly. Badger holds
// an exclusive directory lock, so run admin commands against a stopped node
// on that backend.
func initAdminOpts(ctx context.Context) (*AdminOptions, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := setupLogger(cfg)

	store, err := node.OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, nil, err
	}

	var provider objectstore.Provider
	opts := &AdminOptions{
		Config: cfg,
		Logger: logger,
		Store:  store,
		Reader: engine.New(store, node.EngineConfig(cfg), engine.WithLogger(logger)).Reader(),
		Objects: func(ctx context.Context) (objectstore.Provider, error) {
			if provider != nil {
				return provider, nil
			}
			oc := cfg.ObjectStore
			p, err := s3.NewProvider(ctx, s3.Config{
				Region:          oc.Region,
				Endpoint:        oc.Endpoint,
				AccessKeyID:     oc.AccessKey,
				SecretAccessKey: oc.SecretKey,
				UsePathStyle:    oc.UsePathStyle,
			})
			if err != nil {
				return nil, err
			}
			provider = p
			return p, nil
		},
	}

	cleanup := func() {
		if provider != nil {
			provider.Close()
		}
		store.Close()
		logger.Sync()
	}
	return opts, cleanup, nil
}

func adminCmd(open adminOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Inspect and maintain registry state",
	}
	cmd.AddCommand(
		adminStatusCmd(open),
		adminRegistryCmd(open),
		adminChunkCmd(open),
		adminBucketsCmd(open),
		adminPendingCmd(open),
		adminExportChunksCmd(open),
		adminSnapshotCmd(open),
	)
	return cmd
}

// withAdmin opens the admin handles for the duration of fn.
func withAdmin(cmd *cobra.Command, open adminOpener, fn func(ctx context.Context, opts *AdminOptions) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
	defer cancel()

	opts, cleanup, err := open(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx, opts)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Status is the output of admin status.
type Status struct {
	Timestamp        string   `json:"timestamp"`
	MetadataStore    string   `json:"metadataStore"`
	LastRound        *uint64  `json:"lastRound,omitempty"`
	SchedulerPointer *uint64  `json:"schedulerPointer,omitempty"`
	ScheduledBuckets int      `json:"scheduledBuckets"`
	PendingDeletions int      `json:"pendingDeletions"`
	Errors           []string `json:"errors,omitempty"`
}

func adminStatusCmd(open adminOpener) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show round, scheduler and reaper status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, open, func(ctx context.Context, opts *AdminOptions) error {
				status := collectStatus(ctx, opts)
				out := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(out, status)
				}

				fmt.Fprintln(out, "Registry Status")
				fmt.Fprintln(out, "===============")
				fmt.Fprintf(out, "Timestamp: %s\n", status.Timestamp)
				fmt.Fprintf(out, "Metadata Store: %s\n", status.MetadataStore)
				fmt.Fprintf(out, "Last Round: %s\n", optionalRound(status.LastRound))
				fmt.Fprintf(out, "Scheduler Pointer: %s\n", optionalRound(status.SchedulerPointer))
				fmt.Fprintf(out, "Scheduled Buckets: %d\n", status.ScheduledBuckets)
				fmt.Fprintf(out, "Pending Deletions: %d\n", status.PendingDeletions)
				if len(status.Errors) > 0 {
					fmt.Fprintln(out)
					fmt.Fprintln(out, "Errors:")
					for _, e := range status.Errors {
						fmt.Fprintf(out, "  - %s\n", e)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	return cmd
}

func collectStatus(ctx context.Context, opts *AdminOptions) Status {
	status := Status{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		MetadataStore: "ok",
	}
	fail := func(what string, err error) {
		status.Errors = append(status.Errors, fmt.Sprintf("%s: %v", what, err))
	}

	if _, err := opts.Store.Get(ctx, keys.EngineRoundKey); err != nil {
		status.MetadataStore = "error"
		fail("metadata store", err)
		return status
	}
	if round, ok, err := opts.Reader.LastRound(ctx); err != nil {
		fail("last round", err)
	} else if ok {
		status.LastRound = &round
	}
	if pointer, ok, err := opts.Reader.Pointer(ctx); err != nil {
		fail("scheduler pointer", err)
	} else if ok {
		status.SchedulerPointer = &pointer
	}
	if n, err := opts.Reader.ScheduledBucketCount(ctx); err != nil {
		fail("scheduled buckets", err)
	} else {
		status.ScheduledBuckets = n
	}
	if n, err := opts.Reader.PendingDeletionCount(ctx); err != nil {
		fail("pending deletions", err)
	} else {
		status.PendingDeletions = n
	}
	return status
}

func optionalRound(r *uint64) string {
	if r == nil {
		return "none"
	}
	return strconv.FormatUint(*r, 10)
}

// RegistryView is the output of admin registry.
type RegistryView struct {
	*registry.Registry
	Chunks          []chunkid.ID              `json:"chunks"`
	Grants          []GrantView               `json:"grants"`
	DeliveryNetwork *registry.DeliveryNetwork `json:"deliveryNetwork,omitempty"`
}

type GrantView struct {
	Account string              `json:"account"`
	Access  registry.AccessType `json:"access"`
}

func adminRegistryCmd(open adminOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "registry <id>",
		Short: "Show a registry with its grants and delivery network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, open, func(ctx context.Context, opts *AdminOptions) error {
				reg, err := opts.Reader.Registry(ctx, args[0])
				if err != nil {
					return fmt.Errorf("registry %q: %w", args[0], err)
				}
				grants, err := opts.Reader.Grants(ctx, reg.ID)
				if err != nil {
					return err
				}
				view := RegistryView{Registry: reg, Chunks: reg.ChunkIDs(), Grants: make([]GrantView, 0, len(grants))}
				for _, g := range grants {
					view.Grants = append(view.Grants, GrantView{Account: g.Account, Access: g.Access})
				}
				network, err := opts.Reader.DeliveryNetwork(ctx, reg.DeliveryNetworkID)
				switch {
				case err == nil:
					view.DeliveryNetwork = network
				case !errors.Is(err, registry.ErrDeliveryNetworkNotExisted):
					return err
				}
				return writeJSON(cmd.OutOrStdout(), view)
			})
		},
	}
}

func adminChunkCmd(open adminOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "chunk <id>",
		Short: "Show a chunk by its hex id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := chunkid.ParseHex(args[0])
			if err != nil {
				return err
			}
			return withAdmin(cmd, open, func(ctx context.Context, opts *AdminOptions) error {
				chunk, err := opts.Reader.Chunk(ctx, id)
				if err != nil {
					return fmt.Errorf("chunk %s: %w", id, err)
				}
				return writeJSON(cmd.OutOrStdout(), chunk)
			})
		},
	}
}

func adminBucketsCmd(open adminOpener) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "buckets [from-round]",
		Short: "List scheduled inspection buckets",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var from uint64
			if len(args) == 1 {
				v, err := strconv.ParseUint(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid round %q: %w", args[0], err)
				}
				from = v
			}
			return withAdmin(cmd, open, func(ctx context.Context, opts *AdminOptions) error {
				buckets, err := opts.Reader.Buckets(ctx, from, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ROUND\tCHUNKS")
				for _, b := range buckets {
					fmt.Fprintf(w, "%d\t%d\n", b.Round, b.Size)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of buckets")
	return cmd
}

func adminPendingCmd(open adminOpener) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List registries awaiting deletion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, open, func(ctx context.Context, opts *AdminOptions) error {
				pending, err := opts.Reader.Pending(ctx, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "REGISTRY\tCHUNKS CLEARED\tGRANTS AFTER")
				for _, p := range pending {
					after := p.Cursor.After
					if after == "" {
						after = "-"
					}
					fmt.Fprintf(w, "%s\t%t\t%s\n", p.RegistryID, p.Cursor.ChunksCleared, after)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "\nGrants reaped per step: %d\n", opts.Reader.ReapBatchSize())
				return err
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of entries")
	return cmd
}
