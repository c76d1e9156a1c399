package hubmesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jonboulle/clockwork"
	"github.com/raskyld/hubmesh/pkg/actor"
	"github.com/raskyld/hubmesh/pkg/stream"
	"github.com/raskyld/hubmesh/pkg/wire"
	"golang.org/x/sync/singleflight"
)

// Coordinator bridges the connections held by this process with the rest
// of the cluster. It is the only component touching the sockets, every
// cross-process effect goes through entities or topics.
type Coordinator struct {
	config   config
	logger   *slog.Logger
	hub      string
	serverID string

	rt      *actor.Runtime
	streams stream.Provider
	sockets *socketTable

	// subscriptions to the broadcast topic and the unicast shards.
	setup      singleflight.Group
	subscribed bool
	handles    []stream.Handle

	heartbeat clockwork.Ticker

	// synchronisation
	lk sync.Mutex

	shutdown   bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// NewCoordinator creates the coordinator of hub for this process and
// starts heartbeating to the server directory right away. The entities
// must already be registered on rt, see RegisterEntities.
func NewCoordinator(hub string, rt *actor.Runtime, opts ...Option) (*Coordinator, error) {
	if err := validateHub(hub); err != nil {
		return nil, err
	}
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	if cfg.serverID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, err
		}
		cfg.serverID = id.String()
	}

	c := &Coordinator{
		config:     cfg,
		hub:        hub,
		serverID:   cfg.serverID,
		rt:         rt,
		streams:    rt.Streams(),
		sockets:    newSocketTable(),
		shutdownCh: make(chan struct{}),
	}
	c.logger = cfg.logger().With(LabelHub.L(hub), LabelServerID.L(c.serverID))

	c.heartbeat = cfg.clock.NewTicker(cfg.heartbeat)
	c.wg.Add(1)
	go c.handleHeartbeat()

	c.logger.Info("coordinator started")
	return c, nil
}

// Hub is the name of the hub the coordinator serves.
func (c *Coordinator) Hub() string {
	return c.hub
}

func (c *Coordinator) ServerID() string {
	return c.serverID
}

// LocalConnections is the number of connections held by this process.
func (c *Coordinator) LocalConnections() int {
	return c.sockets.len()
}

func (c *Coordinator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.config.operationTimeout)
}

func (c *Coordinator) owner() string {
	return "coordinator/" + c.serverID
}

func (c *Coordinator) handleHeartbeat() {
	defer c.wg.Done()
	defer c.heartbeat.Stop()

	c.beat()
	for {
		select {
		case <-c.shutdownCh:
			return
		case <-c.heartbeat.Chan():
			c.beat()
		}
	}
}

func (c *Coordinator) beat() {
	ctx, cancel := c.withTimeout(context.Background())
	defer cancel()

	err := callDirectory(ctx, c.rt, func(ctx context.Context, de *directoryEntity) error {
		return de.Heartbeat(ctx, c.serverID)
	})
	if err != nil {
		c.config.msink.IncrCounterWithLabels(MetricHeartbeatErrorCount, 1, c.config.labels())
		c.logger.Warn("heartbeat failed", LabelError.L(err))
	}
}

// ensureSubscribed sets up the hub subscriptions once. Concurrent callers
// share the same attempt, a failed attempt is retried by the next caller.
func (c *Coordinator) ensureSubscribed(ctx context.Context) error {
	c.lk.Lock()
	if c.shutdown {
		c.lk.Unlock()
		return ErrShutdown
	}
	if c.subscribed {
		c.lk.Unlock()
		return nil
	}
	c.lk.Unlock()

	ch := c.setup.DoChan("subscribe", func() (any, error) {
		return nil, c.subscribe()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return fmt.Errorf("%w: %w", ErrSubscribe, res.Err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) subscribe() error {
	c.lk.Lock()
	done := c.subscribed
	c.lk.Unlock()
	if done {
		return nil
	}

	ctx, cancel := c.withTimeout(context.Background())
	defer cancel()

	replicas := c.config.unicastReplicas
	handles := make([]stream.Handle, 0, replicas+1)
	rollback := func() {
		for _, handle := range handles {
			_ = c.streams.Unsubscribe(ctx, handle)
		}
	}

	handle, err := c.attach(ctx, BroadcastTopic(c.hub), c.onBroadcast)
	if err != nil {
		return err
	}
	handles = append(handles, handle)

	for shard := range replicas {
		handle, err := c.attach(ctx, UnicastTopic(c.serverID, shard, replicas), c.onUnicast)
		if err != nil {
			rollback()
			return err
		}
		handles = append(handles, handle)
	}

	c.lk.Lock()
	defer c.lk.Unlock()
	if c.shutdown {
		rollback()
		return ErrShutdown
	}
	c.handles = handles
	c.subscribed = true
	c.logger.Debug("hub subscriptions ready", "topics", len(handles))
	return nil
}

// attach resumes a subscription left by a previous run with the same
// server id, or creates it.
func (c *Coordinator) attach(ctx context.Context, topic stream.Topic, h stream.Handler) (stream.Handle, error) {
	handles, err := c.streams.Handles(ctx, topic, c.owner())
	if err != nil {
		return stream.Handle{}, err
	}
	if len(handles) == 0 {
		return c.streams.Subscribe(ctx, topic, c.owner(), h)
	}
	for _, extra := range handles[1:] {
		_ = c.streams.Unsubscribe(ctx, extra)
	}
	return handles[0], c.streams.Resume(ctx, handles[0], h)
}

func (c *Coordinator) onBroadcast(ctx context.Context, msg stream.Message) error {
	var envelope wire.Broadcast
	if err := wire.Unmarshal(msg.Data, &envelope); err != nil {
		c.logger.Error("dropping undecodable broadcast", LabelError.L(err))
		return nil
	}

	var targets []string
	for _, conn := range c.sockets.snapshot() {
		if !envelope.IsExcluded(conn.ID()) {
			targets = append(targets, conn.ID())
		}
	}
	fanOut(ctx, &c.config, c.logger, targets, func(ctx context.Context, id string) error {
		conn, ok := c.sockets.get(id)
		if !ok {
			return nil
		}
		return deliverLocal(ctx, &c.config, conn, envelope.Invocation.Clone(), MetricBroadcastDeliveryCount)
	})
	return nil
}

func (c *Coordinator) onUnicast(ctx context.Context, msg stream.Message) error {
	var envelope wire.Unicast
	if err := wire.Unmarshal(msg.Data, &envelope); err != nil {
		c.logger.Error("dropping undecodable unicast", LabelError.L(err))
		return nil
	}

	conn, ok := c.sockets.get(envelope.ConnectionID)
	if !ok {
		return nil
	}
	err := deliverLocal(ctx, &c.config, conn, envelope.Invocation, MetricRemoteDeliveryCount)
	if err != nil {
		c.logger.Warn("remote delivery failed", LabelConnectionID.L(envelope.ConnectionID), LabelError.L(err))
	}
	return nil
}

// OnConnect registers conn on this server. On failure the connection is
// removed from the local table again and the error is returned.
func (c *Coordinator) OnConnect(ctx context.Context, conn Conn) error {
	if conn == nil || conn.ID() == "" {
		return ErrInvalidConn
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.ensureSubscribed(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	c.sockets.add(conn)
	if err := c.register(ctx, conn); err != nil {
		c.sockets.remove(conn)
		c.logger.Warn("connection rejected", LabelConnectionID.L(conn.ID()), LabelError.L(err))
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	c.config.msink.SetGaugeWithLabels(MetricConnectionCount, float32(c.sockets.len()), c.config.labels())
	c.logger.Debug("connection registered", LabelConnectionID.L(conn.ID()))
	return nil
}

func (c *Coordinator) register(ctx context.Context, conn Conn) error {
	key := RoutingKey{Hub: c.hub, ConnectionID: conn.ID()}
	err := callRouting(ctx, c.rt, key, func(ctx context.Context, re *routingEntity) error {
		return re.OnConnect(ctx, c.serverID, c.config.unicastReplicas)
	})
	if err != nil {
		return err
	}

	if user := conn.UserID(); user != "" {
		return callGroup(ctx, c.rt, c.userKey(user), func(ctx context.Context, ge *groupEntity) error {
			return ge.Add(ctx, conn.ID())
		})
	}
	return nil
}

// OnDisconnect tells the cluster conn is gone. The connection leaves the
// local table even when that fails.
func (c *Coordinator) OnDisconnect(ctx context.Context, conn Conn) error {
	if conn == nil {
		return ErrInvalidConn
	}
	if current, ok := c.sockets.get(conn.ID()); ok && current != conn {
		// Superseded by a reconnect, the new connection owns the id.
		return nil
	}
	defer func() {
		c.sockets.remove(conn)
		c.config.msink.SetGaugeWithLabels(MetricConnectionCount, float32(c.sockets.len()), c.config.labels())
	}()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	key := RoutingKey{Hub: c.hub, ConnectionID: conn.ID()}
	return callRouting(ctx, c.rt, key, func(ctx context.Context, re *routingEntity) error {
		return re.OnDisconnect(ctx, c.serverID, ReasonHubDisconnect)
	})
}

// SendAll delivers inv to every connection of the hub, on every server.
func (c *Coordinator) SendAll(ctx context.Context, inv *wire.Invocation) error {
	return c.SendAllExcept(ctx, inv, nil)
}

func (c *Coordinator) SendAllExcept(ctx context.Context, inv *wire.Invocation, excluded []string) error {
	payload, err := wire.Marshal(&wire.Broadcast{Invocation: inv, Excluded: excluded})
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.streams.Publish(ctx, BroadcastTopic(c.hub), payload)
}

// SendConnection writes to the connection directly when this process holds
// it, and goes through its routing entity otherwise.
func (c *Coordinator) SendConnection(ctx context.Context, connectionID string, inv *wire.Invocation) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if conn, ok := c.sockets.get(connectionID); ok {
		return deliverLocal(ctx, &c.config, conn, inv, MetricLocalDeliveryCount)
	}

	key := RoutingKey{Hub: c.hub, ConnectionID: connectionID}
	return callRouting(ctx, c.rt, key, func(ctx context.Context, re *routingEntity) error {
		return re.Send(ctx, inv)
	})
}

// SendConnections never fails because of a single connection.
func (c *Coordinator) SendConnections(ctx context.Context, connectionIDs []string, inv *wire.Invocation) error {
	fanOut(ctx, &c.config, c.logger, connectionIDs, func(ctx context.Context, id string) error {
		return c.SendConnection(ctx, id, inv)
	})
	return nil
}

func (c *Coordinator) SendGroup(ctx context.Context, group string, inv *wire.Invocation) error {
	return c.sendMembers(ctx, c.groupKey(group), inv, nil)
}

func (c *Coordinator) SendGroupExcept(ctx context.Context, group string, inv *wire.Invocation, excluded []string) error {
	return c.sendMembers(ctx, c.groupKey(group), inv, excluded)
}

// SendUser delivers inv to every connection authenticated as user.
func (c *Coordinator) SendUser(ctx context.Context, user string, inv *wire.Invocation) error {
	return c.sendMembers(ctx, c.userKey(user), inv, nil)
}

func (c *Coordinator) SendUsers(ctx context.Context, users []string, inv *wire.Invocation) error {
	fanOut(ctx, &c.config, c.logger, users, func(ctx context.Context, user string) error {
		return c.SendUser(ctx, user, inv)
	})
	return nil
}

func (c *Coordinator) sendMembers(ctx context.Context, key GroupKey, inv *wire.Invocation, excluded []string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return callGroup(ctx, c.rt, key, func(ctx context.Context, ge *groupEntity) error {
		return ge.Send(ctx, inv, excluded...)
	})
}

func (c *Coordinator) AddToGroup(ctx context.Context, connectionID, group string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return callGroup(ctx, c.rt, c.groupKey(group), func(ctx context.Context, ge *groupEntity) error {
		return ge.Add(ctx, connectionID)
	})
}

func (c *Coordinator) RemoveFromGroup(ctx context.Context, connectionID, group string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return callGroup(ctx, c.rt, c.groupKey(group), func(ctx context.Context, ge *groupEntity) error {
		return ge.Remove(ctx, connectionID)
	})
}

// GroupCount reads the stored group. It may miss changes still in flight
// on other servers.
func (c *Coordinator) GroupCount(ctx context.Context, group string) (int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return actor.CallValue(ctx, c.rt, EntityGroup, c.groupKey(group).String(),
		func(ctx context.Context, ge *groupEntity) (int, error) {
			return ge.Count(ctx)
		})
}

// UserConnections is the number of connections authenticated as user.
func (c *Coordinator) UserConnections(ctx context.Context, user string) (int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return actor.CallValue(ctx, c.rt, EntityGroup, c.userKey(user).String(),
		func(ctx context.Context, ge *groupEntity) (int, error) {
			return ge.Count(ctx)
		})
}

// Servers lists the servers the directory considers alive.
func (c *Coordinator) Servers(ctx context.Context) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return actor.CallValue(ctx, c.rt, EntityDirectory, directoryKey,
		func(_ context.Context, de *directoryEntity) ([]string, error) {
			return de.Servers(), nil
		})
}

func (c *Coordinator) groupKey(group string) GroupKey {
	return GroupKey{Kind: NamedGroup, Hub: c.hub, GroupID: group}
}

func (c *Coordinator) userKey(user string) GroupKey {
	return GroupKey{Kind: AuthenticatedUser, Hub: c.hub, GroupID: user}
}

// Shutdown stops the heartbeat, drops the hub subscriptions and leaves the
// server directory. Connections still held are not disconnected, their
// routing entities learn about it through the directory if this server
// never comes back.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.lk.Lock()
	if c.shutdown {
		c.lk.Unlock()
		return nil
	}
	c.shutdown = true
	close(c.shutdownCh)
	handles := c.handles
	c.handles = nil
	c.subscribed = false
	c.lk.Unlock()

	start := time.Now()
	c.logger.Info("shutting down...")
	c.wg.Wait()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var errs []error
	for _, handle := range handles {
		if err := c.streams.Unsubscribe(ctx, handle); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", handle.Topic, err))
		}
	}

	err := callDirectory(ctx, c.rt, func(ctx context.Context, de *directoryEntity) error {
		return de.Unregister(ctx, c.serverID)
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("unregister: %w", err))
	}

	c.logger.Info("shutdown completed", LabelDuration.L(time.Since(start)))
	return errors.Join(errs...)
}
