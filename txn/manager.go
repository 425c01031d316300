package txn

import (
	"context"

	"github.com/google/uuid"
	"github.com/pingcap/errors"

	"github.com/tabkv/tabkv/config"
	"github.com/tabkv/tabkv/hlc"
	"github.com/tabkv/tabkv/locator"
	"github.com/tabkv/tabkv/log"
	"github.com/tabkv/tabkv/rpc"
	"github.com/tabkv/tabkv/tserver"
)

// StatusTabletPicker chooses the tablet that will own a transaction's
// status record. first is the tablet owning the transaction's first
// written key; allowed is the manager's local-tablet filter (always
// true when no filter is installed).
type StatusTabletPicker func(ctx context.Context, first *locator.RemoteTablet, allowed func(tserver.TabletID) bool) (tserver.TabletID, error)

// Manager is the process-wide factory for transactions: it holds the
// shared clock, tablet locator and proxy pool. It has no state machine
// of its own, and must outlive every transaction it creates.
type Manager struct {
	cfg    *config.Config
	clock  hlc.Clock
	loc    locator.Locator
	picker StatusTabletPicker
	filter func(tserver.TabletID) bool

	// invoker drives leader-only operations; statusReader drives
	// status queries, which any replica may answer.
	invoker      *rpc.Invoker
	statusReader *rpc.Invoker
}

// NewManager wires a Manager from its collaborators. The clock is
// initialized here.
func NewManager(cfg *config.Config, clock hlc.Clock, loc locator.Locator, proxies rpc.ProxyProvider) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := clock.Init(); err != nil {
		return nil, errors.Annotate(err, "init clock")
	}
	retry := rpc.RetryOptionsFromConfig(cfg)
	m := &Manager{
		cfg:   cfg,
		clock: clock,
		loc:   loc,
		invoker: &rpc.Invoker{
			Locator: loc,
			Proxies: proxies,
			Policy:  rpc.LeaderOnly,
			Retry:   retry,
		},
		statusReader: &rpc.Invoker{
			Locator: loc,
			Proxies: proxies,
			Policy:  rpc.ClosestReplica,
			Retry:   retry,
		},
	}
	m.picker = m.defaultStatusTabletPicker
	log.Infof("transaction manager ready: heartbeat %v, expiry %v, max skew %v",
		cfg.TxnHeartbeatInterval, cfg.TransactionExpiry, cfg.MaxClockSkew)
	return m, nil
}

// SetStatusTabletPicker replaces the status-tablet selection strategy.
// Must be called before any transaction is created.
func (m *Manager) SetStatusTabletPicker(p StatusTabletPicker) {
	m.picker = p
}

// SetLocalTabletFilter restricts status-tablet selection to tablets
// the embedding system considers co-located. Must be called before any
// transaction is created.
func (m *Manager) SetLocalTabletFilter(f func(tserver.TabletID) bool) {
	m.filter = f
}

// Clock exposes the shared clock.
func (m *Manager) Clock() hlc.Clock {
	return m.clock
}

// NewTransaction returns a transaction in CREATED; call Init to make
// it usable. Most callers want Begin.
func (m *Manager) NewTransaction() *Transaction {
	return &Transaction{
		mgr:          m,
		state:        StateCreated,
		participants: make(map[tserver.TabletID]struct{}),
	}
}

// Begin creates and initializes a transaction.
func (m *Manager) Begin(isolation tserver.IsolationLevel, opts ...BeginOption) (*Transaction, error) {
	t := m.NewTransaction()
	if err := t.Init(isolation, opts...); err != nil {
		return nil, errors.Trace(err)
	}
	return t, nil
}

// TransactionStatus queries a transaction's authoritative status
// record. The query may legitimately be served by a non-leader
// replica.
func (m *Manager) TransactionStatus(ctx context.Context, statusTablet tserver.TabletID, id uuid.UUID) (tserver.TransactionStatus, hlc.HybridTime, error) {
	call := newStatusCall(statusTablet, id)
	if err := m.statusReader.Execute(ctx, call); err != nil {
		return tserver.StatusPending, hlc.Invalid, errors.Trace(err)
	}
	return call.resp.Status, call.resp.StatusTime, nil
}

func (m *Manager) tabletAllowed(id tserver.TabletID) bool {
	return m.filter == nil || m.filter(id)
}

func (m *Manager) pickStatusTablet(ctx context.Context, first *locator.RemoteTablet) (tserver.TabletID, error) {
	return m.picker(ctx, first, m.tabletAllowed)
}

// defaultStatusTabletPicker takes the tablet of the first written key
// when the filter admits it, and otherwise walks the keyspace from the
// beginning looking for an admitted tablet.
func (m *Manager) defaultStatusTabletPicker(ctx context.Context, first *locator.RemoteTablet, allowed func(tserver.TabletID) bool) (tserver.TabletID, error) {
	if first != nil && allowed(first.ID()) {
		return first.ID(), nil
	}
	key := []byte{}
	for {
		rt, err := m.loc.Lookup(ctx, key)
		if err != nil {
			return "", errors.Trace(err)
		}
		if allowed(rt.ID()) {
			return rt.ID(), nil
		}
		if len(rt.EndKey()) == 0 {
			return "", errors.New("local tablet filter rejected every tablet")
		}
		key = rt.EndKey()
	}
}
