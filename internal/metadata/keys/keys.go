// Package keys provides key encoding/decoding for the metareg keyspace.
// Numeric key components use zero-padded decimal encoding so that
// lexicographic order matches numeric order.
//
// Layout:
//
//	/metareg/v1/delivery-networks/<networkId>
//	/metareg/v1/registries/<registryId>
//	/metareg/v1/chunks/<chunkIdHex>
//	/metareg/v1/chunk-blocks/<roundZ>/<chunkIdHex>
//	/metareg/v1/chunk-block-sizes/<roundZ>
//	/metareg/v1/scheduler/current
//	/metareg/v1/accesses/<registryId>/<accountId>
//	/metareg/v1/reaper/pending/<seqZ>
//	/metareg/v1/reaper/index/<registryId>
//	/metareg/v1/reaper/seq
//	/metareg/v1/reaper/cursors/<registryId>
//	/metareg/v1/engine/round
//	/metareg/v1/maintenance/leases/<leaseName>
//
// Identifiers are path-escaped, so a '/' inside an identifier never
// splits a key component.
package keys

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// RoundWidth is the number of digits for zero-padded round numbers and
// sequence numbers. Width 20 covers the full uint64 range.
const RoundWidth = 20

// Key prefixes.
const (
	// Root is the root prefix for all metareg keys.
	Root = "/metareg/v1"

	DeliveryNetworksPrefix = Root + "/delivery-networks/"
	RegistriesPrefix       = Root + "/registries/"
	ChunksPrefix           = Root + "/chunks/"

	// ChunkBlockPrefix is the prefix for inspection bucket members, one key
	// per scheduled chunk below its bucket's round.
	ChunkBlockPrefix = Root + "/chunk-blocks/"
	// ChunkBlockSizePrefix holds the member count of every non-empty bucket.
	ChunkBlockSizePrefix = Root + "/chunk-block-sizes/"

	// SchedulerPointerKey holds the round of the current inspection bucket.
	SchedulerPointerKey = Root + "/scheduler/current"

	AccessesPrefix = Root + "/accesses/"

	// ReaperPendingPrefix orders pending registries by insertion sequence.
	ReaperPendingPrefix = Root + "/reaper/pending/"
	// ReaperIndexPrefix maps a pending registry to its sequence number.
	ReaperIndexPrefix  = Root + "/reaper/index/"
	ReaperSeqKey       = Root + "/reaper/seq"
	ReaperCursorPrefix = Root + "/reaper/cursors/"

	// EngineRoundKey holds the last committed round.
	EngineRoundKey = Root + "/engine/round"

	// LeasesPrefix is the prefix for maintenance leases (ephemeral).
	LeasesPrefix = Root + "/maintenance/leases/"
)

// Common errors.
var (
	// ErrInvalidKey is returned when a key cannot be parsed.
	ErrInvalidKey = errors.New("keys: invalid key format")
)

// EncodeUint64 encodes an unsigned 64-bit integer as a zero-padded
// decimal string of the specified width for lexicographic ordering.
func EncodeUint64(v uint64, width int) string {
	return fmt.Sprintf("%0*d", width, v)
}

// DecodeUint64 decodes a zero-padded decimal string back to uint64.
func DecodeUint64(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

// PrefixEnd returns the smallest key greater than every key with the given
// prefix, for use as the exclusive end of a List range.
func PrefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

// After returns the smallest key strictly greater than key.
func After(key string) string {
	return key + "\x00"
}

func escape(id string) string {
	return url.PathEscape(id)
}

func unescape(component string) (string, error) {
	id, err := url.PathUnescape(component)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return id, nil
}

// DeliveryNetworkKeyPath returns the key of a delivery network record.
func DeliveryNetworkKeyPath(networkID string) string {
	return DeliveryNetworksPrefix + escape(networkID)
}

// RegistryKeyPath returns the key of a registry record.
func RegistryKeyPath(registryID string) string {
	return RegistriesPrefix + escape(registryID)
}

// ParseRegistryKey extracts the registry id from a registry key.
func ParseRegistryKey(key string) (string, error) {
	rest, ok := strings.CutPrefix(key, RegistriesPrefix)
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", ErrInvalidKey
	}
	return unescape(rest)
}

// ChunkKeyPath returns the key of a chunk record. chunkHex is the
// lowercase hex form of the 44-byte chunk id.
func ChunkKeyPath(chunkHex string) string {
	return ChunksPrefix + chunkHex
}

// ChunkBlockBucketPrefix returns the prefix of every member of the
// inspection bucket for round.
func ChunkBlockBucketPrefix(round uint64) string {
	return ChunkBlockPrefix + EncodeUint64(round, RoundWidth) + "/"
}

// ChunkBlockKeyPath returns the membership key of a chunk in the bucket
// for round.
func ChunkBlockKeyPath(round uint64, chunkHex string) string {
	return ChunkBlockBucketPrefix(round) + chunkHex
}

// ParseChunkBlockKey extracts the bucket round and chunk id hex from a
// membership key.
func ParseChunkBlockKey(key string) (uint64, string, error) {
	rest, ok := strings.CutPrefix(key, ChunkBlockPrefix)
	if !ok {
		return 0, "", ErrInvalidKey
	}
	roundZ, chunkHex, ok := strings.Cut(rest, "/")
	if !ok || len(roundZ) != RoundWidth || chunkHex == "" || strings.Contains(chunkHex, "/") {
		return 0, "", ErrInvalidKey
	}
	round, err := DecodeUint64(roundZ)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return round, chunkHex, nil
}

// ChunkBlockSizeKeyPath returns the key of the member count of the bucket
// for round.
func ChunkBlockSizeKeyPath(round uint64) string {
	return ChunkBlockSizePrefix + EncodeUint64(round, RoundWidth)
}

// ParseChunkBlockSizeKey extracts the bucket round from a member count key.
func ParseChunkBlockSizeKey(key string) (uint64, error) {
	rest, ok := strings.CutPrefix(key, ChunkBlockSizePrefix)
	if !ok || len(rest) != RoundWidth {
		return 0, ErrInvalidKey
	}
	round, err := DecodeUint64(rest)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return round, nil
}

// AccessPrefix returns the prefix of every access grant of a registry.
func AccessPrefix(registryID string) string {
	return AccessesPrefix + escape(registryID) + "/"
}

// AccessKeyPath returns the key of an access grant.
func AccessKeyPath(registryID, accountID string) string {
	return AccessPrefix(registryID) + escape(accountID)
}

// ParseAccessKey parses an access grant key into its components.
func ParseAccessKey(key string) (registryID, accountID string, err error) {
	rest, ok := strings.CutPrefix(key, AccessesPrefix)
	if !ok {
		return "", "", ErrInvalidKey
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidKey
	}
	if registryID, err = unescape(parts[0]); err != nil {
		return "", "", err
	}
	if accountID, err = unescape(parts[1]); err != nil {
		return "", "", err
	}
	return registryID, accountID, nil
}

// ReaperPendingKeyPath returns the worklist key for a sequence number.
func ReaperPendingKeyPath(seq uint64) string {
	return ReaperPendingPrefix + EncodeUint64(seq, RoundWidth)
}

// ReaperIndexKeyPath returns the membership key of a pending registry.
func ReaperIndexKeyPath(registryID string) string {
	return ReaperIndexPrefix + escape(registryID)
}

// ReaperCursorKeyPath returns the key of a registry's persisted reap cursor.
func ReaperCursorKeyPath(registryID string) string {
	return ReaperCursorPrefix + escape(registryID)
}

// LeaseKeyPath returns the key of a maintenance lease.
func LeaseKeyPath(name string) string {
	return LeasesPrefix + escape(name)
}
