// Package rpc drives single tablet operations to the replica that
// should serve them, transparently surviving leader changes and stale
// location data. Callers describe an operation as a Call; the Invoker
// owns replica selection, follower rejection and retry pacing.
package rpc

import (
	"context"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"

	"github.com/tabkv/tabkv/locator"
	"github.com/tabkv/tabkv/log"
	"github.com/tabkv/tabkv/tserver"
)

// Call is one routable tablet operation. Implementations build the
// request for the tablet they are handed, because the target can
// change between attempts.
type Call interface {
	// Method names the operation for logs and metrics.
	Method() string
	// PartitionKey routes the call when non-nil.
	PartitionKey() []byte
	// TabletID routes the call when PartitionKey returns nil.
	TabletID() tserver.TabletID
	// Send dispatches one attempt against the given tablet through the
	// given client. A returned error is a transport failure; an
	// application failure lands in ResponseError.
	Send(ctx context.Context, client tserver.TabletServerClient, rt *locator.RemoteTablet) error
	// ResponseError reports the application error embedded in the last
	// response, nil on success.
	ResponseError() *tserver.TabletError
	// Failed is invoked on transport failures before any retry, and
	// never for application errors.
	Failed(err error)
}

// ProxyProvider hands out service clients for replicas.
type ProxyProvider interface {
	Proxy(replica locator.Replica) (tserver.TabletServerClient, error)
}

// LocalProvider is optionally implemented by ProxyProviders that can
// short-circuit calls to a replica living in this process. Purely an
// optimization; the returned client obeys the same contract.
type LocalProvider interface {
	Local(replica locator.Replica) tserver.TabletServerClient
}

// Invoker executes Calls. Safe for concurrent use; all per-invocation
// state lives on the Execute stack.
type Invoker struct {
	Locator locator.Locator
	Proxies ProxyProvider
	Policy  SelectionPolicy
	Retry   RetryOptions
}

// Execute runs the call to completion: success, terminal application
// error, or context deadline. Follower rejections and stale topology
// are retried silently.
func (iv *Invoker) Execute(ctx context.Context, call Call) error {
	start := time.Now()
	err := iv.execute(ctx, call)
	if err != nil {
		rpcFailedDuration.WithLabelValues(call.Method()).Observe(time.Since(start).Seconds())
	} else {
		rpcDuration.WithLabelValues(call.Method()).Observe(time.Since(start).Seconds())
	}
	return err
}

func (iv *Invoker) execute(ctx context.Context, call Call) error {
	retrier := NewRetrier(iv.Retry)
	// Replicas that answered NOT_THE_LEADER for this invocation.
	// Cleared whenever fresh location data is fetched.
	rejected := make(map[tserver.NodeID]bool)
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return iv.timeout(call, retrier, err, lastErr)
		}

		rt, err := iv.lookup(ctx, call)
		if err != nil {
			lastErr = err
			call.Failed(err)
			if perr := retrier.Pause(ctx); perr != nil {
				return iv.timeout(call, retrier, perr, lastErr)
			}
			continue
		}

		rep, ok := selectReplica(iv.Policy, rt, rejected)
		if !ok {
			// Every known replica is ruled out or the leader is
			// unknown; only fresh topology can help.
			iv.refresh(rt.ID())
			rejected = make(map[tserver.NodeID]bool)
			if perr := retrier.Pause(ctx); perr != nil {
				return iv.timeout(call, retrier, perr, lastErr)
			}
			continue
		}

		client, err := iv.proxyFor(rep)
		if err != nil {
			lastErr = err
			call.Failed(err)
			if perr := retrier.Pause(ctx); perr != nil {
				return iv.timeout(call, retrier, perr, lastErr)
			}
			continue
		}

		err = call.Send(ctx, client, rt)
		failpoint.Inject("transport-error", func() {
			err = errors.New("failpoint: injected transport error")
		})
		if err != nil {
			log.Debugf("invoker: %s to node %d failed: %v", call.Method(), rep.Node, err)
			// Rule the unreachable replica out so the next attempt fails
			// over; once no candidate is left the rejection set resets
			// together with a topology refresh.
			rejected[rep.Node] = true
			lastErr = err
			call.Failed(err)
			if perr := retrier.Pause(ctx); perr != nil {
				return iv.timeout(call, retrier, perr, lastErr)
			}
			continue
		}

		respErr := call.ResponseError()
		if respErr == nil {
			return nil
		}

		switch respErr.Code {
		case tserver.CodeNotTheLeader:
			// Mark the replica failed for this attempt only and retry
			// immediately against the rest of the replica set.
			followerRejections.Inc()
			rejected[rep.Node] = true
			if rt.UpdateLeader(respErr.LeaderHint) {
				log.Debugf("invoker: %s follower rejection from node %d, leader hint %d",
					call.Method(), rep.Node, respErr.LeaderHint)
			}
			lastErr = respErr
			continue
		case tserver.CodeTabletNotFound:
			iv.refresh(iv.targetTablet(call, rt, respErr))
			rejected = make(map[tserver.NodeID]bool)
			lastErr = respErr
			if perr := retrier.Pause(ctx); perr != nil {
				return iv.timeout(call, retrier, perr, lastErr)
			}
			continue
		default:
			// Terminal application error: restart-required, expired,
			// conflict, or a protocol violation. Never retried here.
			return errors.Trace(respErr)
		}
	}
}

func (iv *Invoker) lookup(ctx context.Context, call Call) (*locator.RemoteTablet, error) {
	if key := call.PartitionKey(); key != nil {
		return iv.Locator.Lookup(ctx, key)
	}
	return iv.Locator.LookupTablet(ctx, call.TabletID())
}

func (iv *Invoker) proxyFor(rep locator.Replica) (tserver.TabletServerClient, error) {
	if lp, ok := iv.Proxies.(LocalProvider); ok {
		if client := lp.Local(rep); client != nil {
			return client, nil
		}
	}
	return iv.Proxies.Proxy(rep)
}

func (iv *Invoker) refresh(id tserver.TabletID) {
	if id == "" {
		return
	}
	topologyRefreshes.Inc()
	iv.Locator.Refresh(id)
}

func (iv *Invoker) targetTablet(call Call, rt *locator.RemoteTablet, respErr *tserver.TabletError) tserver.TabletID {
	if respErr.TabletID != "" {
		return respErr.TabletID
	}
	if rt != nil {
		return rt.ID()
	}
	return call.TabletID()
}

func (iv *Invoker) timeout(call Call, retrier *Retrier, ctxErr, lastErr error) error {
	if lastErr == nil {
		lastErr = ctxErr
	}
	log.Warnf("invoker: %s gave up after %d retries: %v", call.Method(), retrier.Attempt(), lastErr)
	return errors.Annotatef(ctxErr, "%s exhausted deadline after %d retries, last error: %v",
		call.Method(), retrier.Attempt(), lastErr)
}
