package oxia

import (
	"context"
	"errors"
	"fmt"

	"github.com/oxia-db/oxia/common/proto"
	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/metareg-io/metareg/internal/metadata"
)

// transaction implements metadata.Txn for Oxia. Writes are queued and sent
// as one shard write batch; every write carries an expected version taken
// from the transaction's reads, so a concurrent change to any touched key
// fails the batch.
type transaction struct {
	store    *Store
	ctx      context.Context
	scopeKey string

	ops   []txnOp
	reads map[string]txnRead
}

type txnOpType int

const (
	txnOpPut txnOpType = iota
	txnOpPutVersioned
	txnOpDelete
	txnOpDeleteVersioned
)

func (t txnOpType) isDelete() bool {
	return t == txnOpDelete || t == txnOpDeleteVersioned
}

type txnRead struct {
	value   []byte
	version metadata.Version
	exists  bool
}

type txnOp struct {
	opType          txnOpType
	key             string
	value           []byte
	expectedVersion metadata.Version
}

// commitOp records what a batched write replaced, for rollback.
type commitOp struct {
	opType        txnOpType
	key           string
	value         []byte
	preState      txnRead
	responseIndex int
}

func (t *transaction) Get(key string) ([]byte, metadata.Version, error) {
	read, err := t.fetch(key)
	if err != nil {
		return nil, 0, err
	}
	if !read.exists {
		return nil, 0, metadata.ErrKeyNotFound
	}
	return read.value, read.version, nil
}

func (t *transaction) Put(key string, value []byte) {
	t.ops = append(t.ops, txnOp{opType: txnOpPut, key: key, value: value})
}

func (t *transaction) PutWithVersion(key string, value []byte, expectedVersion metadata.Version) {
	t.ops = append(t.ops, txnOp{opType: txnOpPutVersioned, key: key, value: value, expectedVersion: expectedVersion})
}

func (t *transaction) Delete(key string) {
	t.ops = append(t.ops, txnOp{opType: txnOpDelete, key: key})
}

func (t *transaction) DeleteWithVersion(key string, expectedVersion metadata.Version) {
	t.ops = append(t.ops, txnOp{opType: txnOpDeleteVersioned, key: key, expectedVersion: expectedVersion})
}

// fetch reads key through the client, always from the server.
func (t *transaction) fetch(key string) (txnRead, error) {
	_, value, version, err := t.store.client.Get(t.ctx, key, oxiaclient.PartitionKey(t.scopeKey))
	if errors.Is(err, oxiaclient.ErrKeyNotFound) {
		read := txnRead{}
		t.reads[key] = read
		return read, nil
	}
	if err != nil {
		return txnRead{}, fmt.Errorf("oxia: transaction read %s: %w", key, err)
	}
	read := txnRead{value: value, version: oxiaToMetadataVersion(version.VersionId), exists: true}
	t.reads[key] = read
	return read, nil
}

// readState returns the state the transaction observed for key, reading
// it now if fn never did.
func (t *transaction) readState(key string) (txnRead, error) {
	if read, ok := t.reads[key]; ok {
		return read, nil
	}
	return t.fetch(key)
}

// pending collapses queued operations to the last one per key, in first
// queued order.
func (t *transaction) pending() []txnOp {
	last := make(map[string]int, len(t.ops))
	var order []string
	for i, op := range t.ops {
		if _, ok := last[op.key]; !ok {
			order = append(order, op.key)
		}
		last[op.key] = i
	}
	ops := make([]txnOp, 0, len(order))
	for _, key := range order {
		ops = append(ops, t.ops[last[key]])
	}
	return ops
}

func (t *transaction) commit() error {
	ops := t.pending()
	if len(ops) == 0 {
		return nil
	}

	shardID, err := t.store.txnCoordinator.shard()
	if err != nil {
		return fmt.Errorf("oxia: transaction shard lookup failed: %w", err)
	}

	partitionKey := t.scopeKey
	request := &proto.WriteRequest{}
	var putOps, deleteOps []commitOp

	for _, op := range ops {
		state, err := t.readState(op.key)
		if err != nil {
			return err
		}

		if op.opType.isDelete() {
			if !state.exists {
				continue
			}
			expected := metadataToOxiaVersion(state.version)
			if op.opType == txnOpDeleteVersioned {
				expected = expectedVersionIdForVersionedPut(op)
			}
			request.Deletes = append(request.Deletes, &proto.DeleteRequest{
				Key:               op.key,
				ExpectedVersionId: &expected,
			})
			deleteOps = append(deleteOps, commitOp{
				opType:        op.opType,
				key:           op.key,
				preState:      state,
				responseIndex: len(request.Deletes) - 1,
			})
			continue
		}

		expected := expectedVersionIdForPut(state)
		if op.opType == txnOpPutVersioned {
			expected = expectedVersionIdForVersionedPut(op)
		}
		request.Puts = append(request.Puts, &proto.PutRequest{
			Key:               op.key,
			Value:             op.value,
			ExpectedVersionId: &expected,
			PartitionKey:      &partitionKey,
		})
		putOps = append(putOps, commitOp{
			opType:        op.opType,
			key:           op.key,
			value:         op.value,
			preState:      state,
			responseIndex: len(request.Puts) - 1,
		})
	}

	if len(request.Puts) == 0 && len(request.Deletes) == 0 {
		return nil
	}

	response, err := t.store.txnCoordinator.write(t.ctx, shardID, request)
	if err != nil {
		return fmt.Errorf("oxia: transaction commit failed: %w", err)
	}
	if len(response.Puts) != len(putOps) || len(response.Deletes) != len(deleteOps) {
		return errors.New("oxia: transaction commit response mismatch")
	}

	conflict, rollback, err := buildRollbackRequest(response, putOps, deleteOps, partitionKey)
	if err != nil {
		return err
	}
	if !conflict {
		return nil
	}
	if rollback != nil {
		if _, rbErr := t.store.txnCoordinator.write(t.ctx, shardID, rollback); rbErr != nil {
			return fmt.Errorf("%w: rollback failed: %v", metadata.ErrTxnConflict, rbErr)
		}
	}
	return metadata.ErrTxnConflict
}

func expectedVersionIdForPut(state txnRead) int64 {
	if state.exists {
		return metadataToOxiaVersion(state.version)
	}
	return oxiaclient.VersionIdNotExists
}

func expectedVersionIdForVersionedPut(op txnOp) int64 {
	if op.expectedVersion == 0 {
		return oxiaclient.VersionIdNotExists
	}
	return metadataToOxiaVersion(op.expectedVersion)
}

// buildRollbackRequest reports whether any write in the batch failed and,
// if so, returns the writes that restore the keys the batch did change.
func buildRollbackRequest(response *proto.WriteResponse, putOps, deleteOps []commitOp, partitionKey string) (bool, *proto.WriteRequest, error) {
	conflict := false
	for _, op := range putOps {
		if response.Puts[op.responseIndex].Status != proto.Status_OK {
			conflict = true
		}
	}
	for _, op := range deleteOps {
		if response.Deletes[op.responseIndex].Status != proto.Status_OK {
			conflict = true
		}
	}
	if !conflict {
		return false, nil, nil
	}

	rollback := &proto.WriteRequest{}
	for _, op := range putOps {
		resp := response.Puts[op.responseIndex]
		if resp.Status != proto.Status_OK {
			continue
		}
		if resp.Version == nil {
			return true, nil, errors.New("oxia: transaction commit returned empty version")
		}
		written := resp.Version.VersionId
		if !op.preState.exists {
			rollback.Deletes = append(rollback.Deletes, &proto.DeleteRequest{
				Key:               op.key,
				ExpectedVersionId: &written,
			})
			continue
		}
		rollback.Puts = append(rollback.Puts, &proto.PutRequest{
			Key:               op.key,
			Value:             op.preState.value,
			ExpectedVersionId: &written,
			PartitionKey:      &partitionKey,
		})
	}

	for _, op := range deleteOps {
		if response.Deletes[op.responseIndex].Status != proto.Status_OK || !op.preState.exists {
			continue
		}
		absent := oxiaclient.VersionIdNotExists
		rollback.Puts = append(rollback.Puts, &proto.PutRequest{
			Key:               op.key,
			Value:             op.preState.value,
			ExpectedVersionId: &absent,
			PartitionKey:      &partitionKey,
		})
	}

	if len(rollback.Puts) == 0 && len(rollback.Deletes) == 0 {
		return true, nil, nil
	}
	return true, rollback, nil
}
