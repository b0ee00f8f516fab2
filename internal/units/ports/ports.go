// Package ports probes a fixed list of TCP ports on the target.
package ports

import (
	"context"
	"encoding/json"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/hostaudit/internal/config"
)

const Name = "ports"

// Per-port connect timeout, bounded by the unit deadline.
const dialTimeout = 2 * time.Second

// Report is the unit's fragment.
type Report struct {
	Host    string `json:"host"`
	Open    []int  `json:"open"`
	Scanned int    `json:"scanned"`
}

type Unit struct {
	ports       []int
	concurrency int
	logger      *zap.Logger
}

func New(cfg config.PortsUnitConfig, logger *zap.Logger) *Unit {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Unit{
		ports:       append([]int(nil), cfg.Ports...),
		concurrency: concurrency,
		logger:      logger.Named(Name),
	}
}

func (u *Unit) Name() string { return Name }

// Run connects to every configured port. A refused or timed out connection
// counts as closed; only cancellation of the unit itself is an error.
func (u *Unit) Run(ctx context.Context, target string, timeout time.Duration) (json.RawMessage, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	host := target
	if h, _, err := net.SplitHostPort(target); err == nil {
		host = h
	}

	var (
		mu   sync.Mutex
		open = []int{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)

	for _, port := range u.ports {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if probe(gctx, host, port) {
				mu.Lock()
				open = append(open, port)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Ints(open)
	u.logger.Debug("Port probe finished", zap.String("host", host), zap.Ints("open", open))
	return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(Report{
		Host:    host,
		Open:    open,
		Scanned: len(u.ports),
	})
}

func probe(ctx context.Context, host string, port int) bool {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
