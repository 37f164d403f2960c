// Package oxia implements the MetadataStore interface using Oxia.
//
// Usage:
//
//	store, err := oxia.New(ctx, oxia.Config{
//	    ServiceAddress: "localhost:6648",
//	    Namespace:      "metareg/mainnet",
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	version, err := store.Put(ctx, keys.RegistryKeyPath("reg-1"), data)
//	result, err := store.Get(ctx, keys.RegistryKeyPath("reg-1"))
//
// Partitioning:
//
// Every operation carries the configured partition key (keys.Root by
// default), so the whole metareg keyspace lives on one shard. Round commits
// touch registries, chunks, buckets and grants together and need a single
// shard-scoped write batch.
//
// Key ordering:
//
// Oxia orders keys by path depth before bytes. List ranges that cover the
// children of a '/'-terminated prefix are rewritten to Oxia's prefix+"/"
// convention and visit direct children only.
//
// Ephemeral Keys:
//
// PutEphemeral creates keys that are deleted when the client session ends.
// Maintenance leases use them so a crashed node's lease disappears with it.
//
// Transactions:
//
// Transactions read through the client and commit through a write batch
// sent to the shard leader. A failed conditional write rolls back the
// writes of the same batch that did apply and returns ErrTxnConflict.
package oxia
