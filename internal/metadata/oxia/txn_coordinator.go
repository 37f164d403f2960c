package oxia

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/oxia-db/oxia/common/constant"
	"github.com/oxia-db/oxia/common/hash"
	"github.com/oxia-db/oxia/common/proto"
	"github.com/oxia-db/oxia/common/rpc"
	grpcmd "google.golang.org/grpc/metadata"

	"github.com/metareg-io/metareg/internal/logging"
)

// txnCoordinator sends shard-scoped write batches straight to the leader of
// the partition's shard. The SDK has no multi-key write, so it follows the
// namespace's shard assignments itself.
type txnCoordinator struct {
	namespace    string
	partitionKey string
	clientPool   rpc.ClientPool
	assignments  *shardAssignments
}

func newTxnCoordinator(ctx context.Context, cfg Config, logger *logging.Logger) (*txnCoordinator, error) {
	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = rpc.DefaultRpcTimeout
	}

	clientPool := rpc.NewClientPool(nil, nil)
	assignments, err := watchShardAssignments(ctx, clientPool, cfg.ServiceAddress, cfg.Namespace, requestTimeout, logger)
	if err != nil {
		_ = clientPool.Close()
		return nil, err
	}

	return &txnCoordinator{
		namespace:    cfg.Namespace,
		partitionKey: cfg.PartitionKey,
		clientPool:   clientPool,
		assignments:  assignments,
	}, nil
}

func (c *txnCoordinator) Close() error {
	if c == nil {
		return nil
	}
	c.assignments.stop()
	return c.clientPool.Close()
}

// shard returns the shard that owns the partition key.
func (c *txnCoordinator) shard() (int64, error) {
	return c.assignments.shardForKey(c.partitionKey)
}

func (c *txnCoordinator) write(ctx context.Context, shardID int64, request *proto.WriteRequest) (*proto.WriteResponse, error) {
	leader, err := c.assignments.leader(shardID)
	if err != nil {
		return nil, err
	}
	client, err := c.clientPool.GetClientRpc(leader)
	if err != nil {
		return nil, fmt.Errorf("oxia: connect to shard %d leader %s: %w", shardID, leader, err)
	}

	request.Shard = &shardID
	ctx = grpcmd.AppendToOutgoingContext(ctx,
		constant.MetadataNamespace, c.namespace,
		constant.MetadataShardId, strconv.FormatInt(shardID, 10))
	return client.Write(ctx, request)
}

type shardInfo struct {
	leader  string
	minHash uint32
	maxHash uint32
}

// shardAssignments tracks the namespace's shard layout from the
// assignments stream, reconnecting until stopped.
type shardAssignments struct {
	namespace      string
	serviceAddress string
	clientPool     rpc.ClientPool
	logger         *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	shards map[int64]shardInfo
	ready  chan struct{}
	once   sync.Once
}

func watchShardAssignments(ctx context.Context, pool rpc.ClientPool, serviceAddress, namespace string, timeout time.Duration, logger *logging.Logger) (*shardAssignments, error) {
	sa := &shardAssignments{
		namespace:      namespace,
		serviceAddress: serviceAddress,
		clientPool:     pool,
		logger:         logger,
		shards:         make(map[int64]shardInfo),
		ready:          make(chan struct{}),
	}
	sa.ctx, sa.cancel = context.WithCancel(context.Background())
	go sa.run()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-sa.ready:
		return sa, nil
	case <-waitCtx.Done():
		sa.cancel()
		return nil, fmt.Errorf("oxia: waiting for shard assignments: %w", waitCtx.Err())
	}
}

func (sa *shardAssignments) stop() {
	sa.cancel()
}

func (sa *shardAssignments) run() {
	const retryDelay = 200 * time.Millisecond
	for {
		err := sa.receive()
		if sa.ctx.Err() != nil {
			return
		}
		sa.logger.Warnf("oxia shard assignment stream failed", map[string]any{
			"namespace": sa.namespace,
			"error":     fmt.Sprint(err),
		})
		select {
		case <-time.After(retryDelay):
		case <-sa.ctx.Done():
			return
		}
	}
}

func (sa *shardAssignments) receive() error {
	client, err := sa.clientPool.GetClientRpc(sa.serviceAddress)
	if err != nil {
		return err
	}
	stream, err := client.GetShardAssignments(sa.ctx, &proto.ShardAssignmentsRequest{Namespace: sa.namespace})
	if err != nil {
		return err
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			return err
		}
		assignments, ok := resp.Namespaces[sa.namespace]
		if !ok {
			continue
		}
		if assignments.ShardKeyRouter != proto.ShardKeyRouter_XXHASH3 {
			return fmt.Errorf("oxia: unsupported shard key router %v", assignments.ShardKeyRouter)
		}

		shards := make(map[int64]shardInfo, len(assignments.Assignments))
		for _, a := range assignments.Assignments {
			rng, ok := a.ShardBoundaries.(*proto.ShardAssignment_Int32HashRange)
			if !ok {
				return errors.New("oxia: unknown shard boundary type")
			}
			shards[a.Shard] = shardInfo{
				leader:  a.Leader,
				minHash: rng.Int32HashRange.MinHashInclusive,
				maxHash: rng.Int32HashRange.MaxHashInclusive,
			}
		}
		sa.update(shards)
	}
}

func (sa *shardAssignments) update(shards map[int64]shardInfo) {
	sa.mu.Lock()
	sa.shards = shards
	sa.mu.Unlock()

	sa.logger.Debugf("oxia shard assignments updated", map[string]any{
		"namespace": sa.namespace,
		"shards":    len(shards),
	})
	sa.once.Do(func() { close(sa.ready) })
}

func (sa *shardAssignments) shardForKey(key string) (int64, error) {
	code := hash.Xxh332(key)

	sa.mu.RLock()
	defer sa.mu.RUnlock()
	for id, s := range sa.shards {
		if s.minHash <= code && code <= s.maxHash {
			return id, nil
		}
	}
	return 0, fmt.Errorf("oxia: no shard owns key %q", key)
}

func (sa *shardAssignments) leader(shardID int64) (string, error) {
	sa.mu.RLock()
	defer sa.mu.RUnlock()
	s, ok := sa.shards[shardID]
	if !ok {
		return "", fmt.Errorf("oxia: no leader for shard %d", shardID)
	}
	return s.leader, nil
}
