package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/discovery"
	"github.com/ryandielhenn/zephyrbus/internal/dispatch"
	"github.com/ryandielhenn/zephyrbus/internal/logging"
	"github.com/ryandielhenn/zephyrbus/internal/telemetry"
	"github.com/ryandielhenn/zephyrbus/pkg/compress"
	"github.com/ryandielhenn/zephyrbus/pkg/config"
	"github.com/ryandielhenn/zephyrbus/pkg/mesh"
	"github.com/ryandielhenn/zephyrbus/pkg/node"
	"github.com/ryandielhenn/zephyrbus/pkg/topology"
	"github.com/ryandielhenn/zephyrbus/pkg/transport"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()
	telemetry.SetBuildInfo(version, gitSHA)

	app := fx.New(
		fx.Supply(cfg, log),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Provide(
			newPool,
			newMesh,
			newNode,
			newEtcdClient,
		),
		// hooks start in this order and stop in reverse
		fx.Invoke(
			startPool,
			startMesh,
			startNode,
			startDiscovery,
			startAdmin,
		),
	)
	app.Run()
}

func newPool(cfg config.Config, log *zap.Logger) *dispatch.Pool {
	return dispatch.NewPool(cfg.Workers, log.Named("dispatch"))
}

func newMesh(cfg config.Config, pool *dispatch.Pool, log *zap.Logger) (*mesh.Manager, error) {
	codec, err := compress.ByName(cfg.Compression)
	if err != nil {
		return nil, err
	}
	return mesh.New(cfg.Mesh(), log, mesh.WithCompressor(codec), mesh.WithPool(pool)), nil
}

func newNode(cfg config.Config, m *mesh.Manager, log *zap.Logger) (*node.Node, *topology.Policy, error) {
	self, err := cfg.Self()
	if err != nil {
		return nil, nil, err
	}
	var policy *topology.Policy
	opts := []node.Option{
		node.WithListener(func(n *node.Node) node.Listener {
			policy = topology.New(n, cfg.Topology(), log)
			return policy
		}),
	}
	if cfg.ListenAddr != "" {
		opts = append(opts, node.WithListenAddr(cfg.ListenAddr))
	}
	n := node.New(m, transport.NewTCP(log), self, log, opts...)
	return n, policy, nil
}

// newEtcdClient returns nil when no endpoints are configured.
func newEtcdClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*clientv3.Client, error) {
	if len(cfg.EtcdEndpoints) == 0 {
		log.Info("etcd discovery disabled")
		return nil, nil
	}
	cli, err := discovery.NewClient(cfg.EtcdEndpoints)
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return cli.Close() }})
	return cli, nil
}

func startPool(lc fx.Lifecycle, pool *dispatch.Pool) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			pool.Start(context.Background())
			return nil
		},
		OnStop: func(context.Context) error { return pool.Stop() },
	})
}

func startMesh(lc fx.Lifecycle, m *mesh.Manager) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			m.Start(context.Background())
			return nil
		},
		OnStop: func(context.Context) error { return m.Stop() },
	})
}

func startNode(lc fx.Lifecycle, cfg config.Config, n *node.Node, policy *topology.Policy, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := n.Listen(); err != nil {
				return err
			}
			seeds, err := cfg.SeedPeers()
			if err != nil {
				return err
			}
			if added := n.AddNodes(seeds...); len(added) > 0 {
				log.Info("seed peers", zap.Stringers("peers", added))
			}
			policy.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			policy.Stop()
			return n.Close()
		},
	})
}

func startDiscovery(lc fx.Lifecycle, cfg config.Config, cli *clientv3.Client, n *node.Node, log *zap.Logger) {
	if cli == nil {
		return
	}
	log = log.Named("discovery")
	var (
		lease  clientv3.LeaseID
		cancel context.CancelFunc
		watch  context.CancelFunc
	)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			peers, rev, err := discovery.GetPeers(ctx, cli, cfg.EtcdPrefix, log)
			if err != nil {
				return err
			}
			n.AddNodes(peers...)
			log.Info("bootstrapped from etcd", zap.Int("peers", len(peers)), zap.Int64("rev", rev))

			lease, cancel, err = discovery.RegisterNode(ctx, cli, cfg.EtcdPrefix, n.Self(), cfg.EtcdLeaseTTL)
			if err != nil {
				return err
			}

			var wctx context.Context
			wctx, watch = context.WithCancel(context.Background())
			discovery.WatchPeers(wctx, cli, cfg.EtcdPrefix, rev, log, func(ids []node.Identity) {
				if added := n.AddNodes(ids...); len(added) > 0 {
					log.Info("peers registered", zap.Stringers("peers", added))
				}
			})
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if watch != nil {
				watch()
			}
			if cancel == nil {
				return nil
			}
			cancel()
			_, err := cli.Revoke(ctx, lease)
			return err
		},
	})
}

func startAdmin(lc fx.Lifecycle, cfg config.Config, n *node.Node, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", telemetry.Instrument("healthz", http.HandlerFunc(n.Healthz)))
	mux.Handle("GET /info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("POST /publish/{channel}", telemetry.Instrument("publish", http.HandlerFunc(n.Publish)))
	mux.Handle("GET /metrics", telemetry.MetricsHandler())

	srv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("admin listen %s: %w", srv.Addr, err)
			}
			log.Info("admin listening", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("admin server", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error { return srv.Shutdown(ctx) },
	})
}
