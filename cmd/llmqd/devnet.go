package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"llmqd/config"
	"llmqd/llmq/dkg"
	"llmqd/llmq/quorums"
	"llmqd/logs"
	"llmqd/network"
	"llmqd/types"
)

const (
	devnetNodesKey    = "nodes"
	devnetBlocksKey   = "blocks"
	devnetIntervalKey = "interval"
	devnetDataDirKey  = "datadir"
	devnetMultiKey    = "multi"
	devnetRecoverKey  = "recover-member"
	devnetLogLevelKey = "loglevel"
)

func devnetCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "devnet",
		Short: "Runs an in-process regtest cluster that forms quorums and chain locks",
		RunE:  devnetFunc,
	}
	flags := c.Flags()
	flags.Int(devnetNodesKey, 4, "Number of nodes; the first llmq_test size nodes are quorum members, the rest watch")
	flags.Int(devnetBlocksKey, 60, "Number of blocks to mine")
	flags.Duration(devnetIntervalKey, 200*time.Millisecond, "Block interval")
	flags.String(devnetDataDirKey, "./data/devnet", "Directory for the per-node databases (wiped on start)")
	flags.Bool(devnetMultiKey, false, "Sign chain locks with every active quorum")
	flags.Int(devnetRecoverKey, 2, "Member that does not import its DKG output and recovers it via QGETDATA (-1 disables)")
	flags.String(devnetLogLevelKey, "info", "Log level")
	return c
}

type devnetOptions struct {
	nodes     int
	blocks    int
	interval  time.Duration
	dataDir   string
	multi     bool
	recoverer int
}

func parseDevnetFlags(c *cobra.Command) (devnetOptions, string, error) {
	flags := c.Flags()
	var (
		o   devnetOptions
		err error
	)
	if o.nodes, err = flags.GetInt(devnetNodesKey); err != nil {
		return o, "", err
	}
	if o.blocks, err = flags.GetInt(devnetBlocksKey); err != nil {
		return o, "", err
	}
	if o.interval, err = flags.GetDuration(devnetIntervalKey); err != nil {
		return o, "", err
	}
	if o.dataDir, err = flags.GetString(devnetDataDirKey); err != nil {
		return o, "", err
	}
	if o.multi, err = flags.GetBool(devnetMultiKey); err != nil {
		return o, "", err
	}
	if o.recoverer, err = flags.GetInt(devnetRecoverKey); err != nil {
		return o, "", err
	}
	level, err := flags.GetString(devnetLogLevelKey)
	if err != nil {
		return o, "", err
	}
	return o, level, nil
}

// devnet 进程内集群
type devnet struct {
	opts     devnetOptions
	params   config.LLMQParams
	loop     *network.LoopbackNetwork
	source   *quorums.MemoryCommitmentSource
	members  []types.MemberInfo
	addrs    map[types.Hash]string
	nodes    []*NodeInstance
	dealtAt  map[int32]bool
	imported int
}

func devnetFunc(c *cobra.Command, _ []string) error {
	opts, level, err := parseDevnetFlags(c)
	if err != nil {
		return err
	}
	if err := setupLogging(level); err != nil {
		return err
	}
	params, _ := config.GetLLMQParams(types.LLMQ_TEST)
	if opts.nodes < params.Size {
		return fmt.Errorf("need at least %d nodes for %s", params.Size, params.Name)
	}

	d := &devnet{
		opts:    opts,
		params:  params,
		loop:    network.NewLoopbackNetwork(),
		source:  quorums.NewMemoryCommitmentSource(),
		addrs:   make(map[types.Hash]string),
		dealtAt: make(map[int32]bool),
	}
	fmt.Printf("🚀 Starting devnet with %d nodes (%d quorum members)\n", opts.nodes, params.Size)

	// 第一阶段：创建所有节点
	fmt.Println("📦 Phase 1: Initializing all nodes...")
	if err := os.RemoveAll(opts.dataDir); err != nil {
		return err
	}
	if err := d.initNodes(); err != nil {
		return err
	}
	defer func() {
		for _, n := range d.nodes {
			n.Stop()
		}
	}()

	// 第二阶段：互相连接
	fmt.Println("🔗 Phase 2: Connecting nodes...")
	d.connect()

	for _, n := range d.nodes {
		if err := n.Start(c.Context()); err != nil {
			return err
		}
	}

	// 第三阶段：出块，同时定期打印进度
	fmt.Printf("⛏️  Phase 3: Mining %d blocks every %s...\n", opts.blocks, opts.interval)
	g, ctx := errgroup.WithContext(c.Context())
	mined := make(chan struct{})
	g.Go(func() error {
		defer close(mined)
		return d.mine(ctx)
	})
	g.Go(func() error {
		d.progress(ctx, mined, 10*opts.interval)
		return nil
	})
	if err := g.Wait(); err != nil && c.Context().Err() == nil {
		return err
	}

	d.waitSettled(c.Context(), 5*time.Second)
	d.report()
	return nil
}

// operatorKey 确定性生成，方便重复运行
func operatorKey(i int) []byte {
	h := sha256.Sum256([]byte(fmt.Sprintf("node_seed_%d", i)))
	return h[:]
}

func (d *devnet) initNodes() error {
	for i := 0; i < d.opts.nodes; i++ {
		addr := fmt.Sprintf("node-%d", i)
		cfg := config.DefaultConfig()
		cfg.Network.Name = config.NetworkRegtest
		cfg.ChainLocks.LLMQType = types.LLMQ_TEST
		cfg.ChainLocks.MultiQuorum = d.opts.multi
		cfg.Database.DataDir = filepath.Join(d.opts.dataDir, addr)
		cfg.QuorumData.SweepInterval = 200 * time.Millisecond

		self := network.Identity{Addr: addr}
		if i < d.params.Size {
			key := operatorKey(i)
			priv, _ := btcec.PrivKeyFromBytes(key)
			m := types.MemberInfo{
				ProTxHash:      chainhash.HashH([]byte(fmt.Sprintf("protx_%d", i))),
				OperatorPubKey: priv.PubKey().SerializeCompressed(),
			}
			d.members = append(d.members, m)
			d.addrs[m.ProTxHash] = addr
			cfg.Node.Masternode = true
			cfg.Node.ProTxHash = m.ProTxHash
			cfg.Node.OperatorKey = key
			self.ProTxHash = m.ProTxHash
		} else {
			// 观察节点只拉取验证向量
			cfg.Node.WatchQuorums = true
			cfg.QuorumData.RequestsQVVEC = []types.LLMQType{types.LLMQ_TEST}
			self.QWatch = true
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		node, err := initializeNode(nodeOptions{
			Name:        addr,
			Config:      cfg,
			Transport:   d.loop.Transport(self),
			Commitments: d.source,
			Logger:      logs.NewLogger(addr),
		})
		if err != nil {
			return fmt.Errorf("node %d: %w", i, err)
		}
		node.Conn.SetMasternodeResolver(func(h types.Hash) (string, bool) {
			a, ok := d.addrs[h]
			return a, ok
		})
		d.loop.Register(addr, node.Router)
		d.nodes = append(d.nodes, node)
		fmt.Printf("  ✔ %s initialized (masternode=%v)\n", addr, cfg.Node.Masternode)
	}
	return nil
}

// connect 全连接；成员按 masternode 列表登记，观察节点按地址
func (d *devnet) connect() {
	for _, n := range d.nodes {
		for j, other := range d.nodes {
			if other == n {
				continue
			}
			if j < len(d.members) {
				n.Conn.AddMasternodePeer(other.Name, d.members[j].ProTxHash)
			} else {
				n.Conn.AddPeer(other.Name)
			}
		}
	}
}

func (d *devnet) mine(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.interval)
	defer ticker.Stop()
	for mined := 0; mined < d.opts.blocks; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		tip := d.nodes[0].Chain.Tip()
		h := types.NewTestHeader(tip.Hash, tip.Height+1, uint64(tip.Height+1), 1)
		for _, n := range d.nodes {
			if err := n.Chain.AddHeader(h); err != nil {
				return fmt.Errorf("%s add header %d: %w", n.Name, h.Height, err)
			}
		}
		mined++
		if h.Height%int32(d.params.DKGInterval) == 0 {
			if err := d.formQuorum(h); err != nil {
				return err
			}
		}
	}
	return nil
}

// formQuorum 本地 dealer 生成 DKG 结果并“挖出”承诺
func (d *devnet) formQuorum(at *types.BlockHeader) error {
	if d.dealtAt[at.Height] {
		return nil
	}
	out, err := dkg.Deal(d.members, nil, d.params.Threshold)
	if err != nil {
		return err
	}
	if err := d.source.AddCommitment(out.Commitment(types.LLMQ_TEST, at.Hash, at.Height, d.members)); err != nil {
		return err
	}
	d.dealtAt[at.Height] = true
	for i := range d.members {
		if i == d.opts.recoverer {
			continue
		}
		n := d.nodes[i]
		q, err := n.Quorums.GetQuorum(types.LLMQ_TEST, at.Hash)
		if err != nil {
			return fmt.Errorf("%s: %w", n.Name, err)
		}
		if err := n.Quorums.ImportDealerOutput(q, out); err != nil {
			return fmt.Errorf("%s import: %w", n.Name, err)
		}
		d.imported++
	}
	fmt.Printf("  🔑 quorum formed at height %d (%s)\n", at.Height, at.Hash)
	return nil
}

// progress 每隔 every 打印各节点高度和生效锁
func (d *devnet) progress(ctx context.Context, done <-chan struct{}, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
		}
		line := ""
		for _, n := range d.nodes {
			line += fmt.Sprintf(" %s=%d/%d", n.Name, n.Chain.Height(), n.ChainLocks.GetBestChainLock().Height)
		}
		fmt.Printf("  ⏱ height/chainlock:%s\n", line)
	}
}

// waitSettled 等所有节点的生效锁追上链尖
func (d *devnet) waitSettled(ctx context.Context, timeout time.Duration) {
	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		settled := true
		for _, n := range d.nodes {
			if n.ChainLocks.GetBestChainLock().Height != n.Chain.Height() {
				settled = false
				break
			}
		}
		if settled {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-ticker.C:
		}
	}
}

func (d *devnet) report() {
	fmt.Printf("📊 Devnet summary (%d quorums, %d dealer imports):\n", len(d.dealtAt), d.imported)
	for _, n := range d.nodes {
		tip := n.Chain.Tip()
		cl := n.ChainLocks.GetBestChainLock()
		fmt.Printf("  %s height=%d tip=%s chainlock=%d peers=%d\n", n.Name, tip.Height, tip.Hash, cl.Height, len(n.Conn.Peers()))
		for _, st := range n.QData.RecoveryStatuses() {
			fmt.Printf("    recovery %s mask=%s tried=%d/%d failed=%v\n", st.QuorumHash, st.Mask, st.Tried, st.Candidates, st.Failed)
		}
		for name, count := range n.Stats.GetAPICallStats() {
			fmt.Printf("    api %s=%d\n", name, count)
		}
	}
	if d.opts.recoverer >= 0 && d.opts.recoverer < len(d.nodes) {
		n := d.nodes[d.opts.recoverer]
		for _, q := range n.Quorums.ScanQuorums(types.LLMQ_TEST, n.Chain.Height(), d.params.SigningActiveQuorumCount) {
			data := n.Quorums.GetLocalArtifacts(q)
			fmt.Printf("  %s quorum %s vvec=%v sk=%v\n", n.Name, q.Hash, data.HasVerificationVector(), data.HasSecretKeyShare())
		}
	}
}
