package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tabkv/tabkv/config"
	"github.com/tabkv/tabkv/hlc"
	"github.com/tabkv/tabkv/locator"
	"github.com/tabkv/tabkv/log"
	"github.com/tabkv/tabkv/tabletserver"
	"github.com/tabkv/tabkv/tserver"
	"github.com/tabkv/tabkv/txn"
)

var (
	configPath  = flag.String("config", "", "path to a TOML config file")
	metricsAddr = flag.String("metrics-addr", "", "serve /metrics and pprof on this address")
	numNodes    = flag.Int("nodes", 3, "nodes in the in-memory cluster")
	numTablets  = flag.Int("tablets", 8, "tablets to split the keyspace into")
	numKeys     = flag.Int("keys", 256, "distinct keys touched by the workload")
	workers     = flag.Int("workers", 16, "concurrent transaction workers")
	duration    = flag.Duration("duration", 10*time.Second, "how long to run the workload")
	readsPerTxn = flag.Int("reads", 2, "reads per transaction")
	writesPer   = flag.Int("writes", 2, "writes per transaction")
)

type counters struct {
	mu        sync.Mutex
	committed int
	conflicts int
	restarts  int
	failed    int
}

func main() {
	flag.Parse()

	conf := config.NewDefaultConfig()
	if *configPath != "" {
		var err error
		conf, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
	}
	log.SetLevelByString(conf.LogLevel)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)

	if *metricsAddr != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.Errorf("metrics server: %v", err)
			}
		}()
	}

	splits := make([][]byte, 0, *numTablets-1)
	for i := 1; i < *numTablets; i++ {
		splits = append(splits, []byte(fmt.Sprintf("key-%04d", iInterval(i, *numKeys, *numTablets))))
	}
	clock := hlc.NewWallClock(conf.MaxClockSkew)
	cluster := tabletserver.NewCluster(conf, clock, *numNodes, splits)
	mgr, err := txn.NewManager(conf, clock, locator.NewCache(cluster), cluster)
	if err != nil {
		log.Fatalf("build transaction manager: %v", err)
	}

	var c counters
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for ctx.Err() == nil {
				runOne(ctx, mgr, rng, &c)
			}
		}(int64(w) + 1)
	}
	wg.Wait()

	elapsed := time.Since(start)
	c.mu.Lock()
	defer c.mu.Unlock()
	log.Infof("done in %v: %d committed (%.0f/s), %d conflicts, %d restarts, %d other failures",
		elapsed.Round(time.Millisecond), c.committed,
		float64(c.committed)/elapsed.Seconds(), c.conflicts, c.restarts, c.failed)
}

// runOne executes a single read-modify-write transaction over random
// keys, restarting once if a read hits the uncertainty window.
func runOne(ctx context.Context, mgr *txn.Manager, rng *rand.Rand, c *counters) {
	t, err := mgr.Begin(tserver.SnapshotIsolation)
	if err != nil {
		log.Fatalf("begin: %v", err)
	}
	defer t.Close()

	if err := body(ctx, t, rng); err != nil {
		if tserver.IsRestartRequired(err) {
			c.bump(&c.restarts)
			nt, rerr := t.CreateRestartedTransaction()
			if rerr != nil {
				c.bump(&c.failed)
				return
			}
			t = nt
			defer t.Close()
			if err := body(ctx, t, rng); err != nil {
				c.record(err)
				return
			}
		} else {
			c.record(err)
			return
		}
	}
	if err := t.Commit(ctx); err != nil {
		c.record(err)
		return
	}
	c.bump(&c.committed)
}

func body(ctx context.Context, t *txn.Transaction, rng *rand.Rand) error {
	for i := 0; i < *readsPerTxn; i++ {
		if _, _, err := t.Get(ctx, randKey(rng)); err != nil {
			return err
		}
	}
	for i := 0; i < *writesPer; i++ {
		if err := t.Put(ctx, randKey(rng), []byte(fmt.Sprintf("v-%d", rng.Int63()))); err != nil {
			return err
		}
	}
	return nil
}

func randKey(rng *rand.Rand) []byte {
	return []byte(fmt.Sprintf("key-%04d", rng.Intn(*numKeys)))
}

// iInterval spreads split points evenly over the key space.
func iInterval(i, keys, tablets int) int {
	return i * keys / tablets
}

func (c *counters) bump(field *int) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

func (c *counters) record(err error) {
	if err == nil {
		return
	}
	switch {
	case tserver.IsConflict(err):
		c.bump(&c.conflicts)
	case errors.Cause(err) == context.DeadlineExceeded:
		// workload shutdown, not a failure
	default:
		c.bump(&c.failed)
	}
}
