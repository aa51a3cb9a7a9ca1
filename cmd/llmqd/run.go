package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"llmqd/config"
	"llmqd/logs"
	"llmqd/middleware"
	"llmqd/network"
)

const metricsListenKey = "metrics-listen"

func runCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "run",
		Short: "Runs a node",
		RunE:  runFunc,
	}
	flags := c.Flags()
	config.AddFlags(flags)
	flags.String(metricsListenKey, "", "Plain HTTP address for /metrics (empty disables)")
	return c
}

func runFunc(c *cobra.Command, args []string) error {
	flags := c.Flags()
	cfg, logLevel, err := config.ParseFlags(flags, args)
	if err != nil {
		return err
	}
	if err := setupLogging(logLevel); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	metricsAddr, err := flags.GetString(metricsListenKey)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	self := network.Identity{Addr: advertisedAddr(cfg.Server.ListenAddr), ProTxHash: cfg.Node.ProTxHash, QWatch: cfg.Node.WatchQuorums}
	node, err := initializeNode(nodeOptions{
		Name:       self.Addr,
		Config:     cfg,
		Registerer: reg,
		Logger:     logs.NewLogger("Node"),
	})
	if err != nil {
		return err
	}
	defer node.Stop()

	// 客户端证书与监听证书相同；对端 masternode 的 operator 公钥来自已挖出的承诺
	cert, err := node.loadCertificate()
	if err != nil {
		return err
	}
	transport := network.NewHTTP3Transport(cfg, self, cert, node.Quorums.OperatorPubKey)
	defer transport.Close()
	node.Conn.SetTransport(transport)

	g, ctx := errgroup.WithContext(c.Context())
	if err := node.Start(ctx); err != nil {
		return err
	}

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateWindow)
	server, err := node.newHTTP3Server(func(mux *http.ServeMux) {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}, limiter)
	if err != nil {
		return err
	}

	g.Go(func() error {
		logs.Info("HTTP/3 listening on %s", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		limiter.Run(ctx, 2*time.Minute)
		return nil
	})
	if metricsAddr != "" {
		metrics := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return metrics.Close()
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logs.Info("shutting down")
		return server.Close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// advertisedAddr ":9999" 这种只有端口的地址补成 localhost
func advertisedAddr(listen string) string {
	if len(listen) > 0 && listen[0] == ':' {
		return "localhost" + listen
	}
	return listen
}
