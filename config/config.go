// config/config.go
package config

import (
	"fmt"
	"time"

	"llmqd/types"
)

// Config 主配置结构
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Network    NetworkConfig
	Node       NodeConfig
	QuorumData QuorumDataConfig
	Signing    SigningConfig
	ChainLocks ChainLocksConfig
}

// ServerConfig HTTP/3服务器配置
type ServerConfig struct {
	ListenAddr string // ":9999"

	// QUIC配置
	QUICKeepAlivePeriod time.Duration // 10 * time.Second
	QUICMaxIdleTimeout  time.Duration // 5 * time.Minute
	QUICAllow0RTT       bool          // true

	// HTTP配置
	HTTPTimeout        time.Duration // 30 * time.Second
	MaxRequestBodySize int64         // 4 << 20 (4MB)

	// 按 IP 限流
	RateLimit  int           // 5000，每个窗口内的请求数，0 表示不限
	RateWindow time.Duration // 1 * time.Second

	// 证书配置
	CertValidityDays    int // 365
	TLSSessionCacheSize int // 128
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	DataDir          string // "./data"
	ValueLogFileSize int64  // 64 << 20 (64MB)
	QuorumCacheSize  int    // 100
}

// NetworkConfig 网络配置
type NetworkConfig struct {
	Name  string   // "regtest" / "devnet" / "mainnet"
	Peers []string // 初始连接的节点地址

	ConnectionTimeout time.Duration // 5 * time.Second
	SendQueueSize     int           // 1000
	InboxSize         int           // 4096

	// 封禁阈值：ban score 达到该值即断开连接
	BanThreshold int // 100
	// 格式错误消息的惩罚
	MalformedMessagePenalty int // 10
	// 达到阈值的身份在此期间拒绝入站
	BanDuration time.Duration // 24 * time.Hour

	// 已知 masternode 的地址（proTxHash -> host:port），用于主动连接 quorum 成员
	Masternodes  map[types.Hash]string
	DialInterval time.Duration // 1 * time.Second
}

// NodeConfig 本节点身份
type NodeConfig struct {
	Masternode   bool       // 是否以 masternode 模式运行
	ProTxHash    types.Hash // masternode 注册交易哈希
	OperatorKey  []byte     // 32 字节 secp256k1 operator 私钥
	WatchQuorums bool       // -watchquorums，作为 qwatch 连接观察 quorum
}

// PenaltyConfig 各类违规的 ban score
type PenaltyConfig struct {
	Unauthenticated      int // 10  未认证/非 masternode 请求
	RequestLimit         int // 25  有效期内重复请求（仍然应答）
	Unsolicited          int // 10  未请求或已处理的 QDATA
	Mismatched           int // 10  与请求不一致的 QDATA
	InvalidVvec          int // 10
	InvalidContributions int // 10
	InvalidSigShare      int // 10  无法验证的签名份额 / 恢复签名
}

// QuorumDataConfig quorum 数据交换与恢复
type QuorumDataConfig struct {
	RecoveryEnabled bool             // -llmq-quorum-data-recovery，默认 true
	RequestsQVVEC   []types.LLMQType // -llmq-requests-qvvec，非成员也拉取验证向量

	RequestExpiry   time.Duration // 300 * time.Second
	RequestTimeout  time.Duration // 10 * time.Second，单个成员的应答超时
	SweepInterval   time.Duration // 1 * time.Second
	LedgerSalt      [2]uint64     // siphash key，0 表示启动时随机
	Penalties       PenaltyConfig
	KeepRecentTypes int // 每种类型追踪 signingActiveQuorumCount + KeepRecentTypes 个 quorum，默认 1
}

// SigningConfig 签名会话
type SigningConfig struct {
	SessionTimeout  time.Duration // 60 * time.Second，无进展即放弃
	RecoveredTTL    time.Duration // 10 * time.Minute
	CleanupInterval time.Duration // 5 * time.Second
}

// ChainLocksConfig chain lock
type ChainLocksConfig struct {
	Enabled          bool           // spork 开关
	MultiQuorum      bool           // 多 quorum 模式
	LLMQType         types.LLMQType // 签名所用 quorum 类型
	SignHeightOffset int32          // 8
	SeenCacheSize    int            // 10000
	CleanupInterval  time.Duration  // 30 * time.Second
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:          ":9999",
			QUICKeepAlivePeriod: 10 * time.Second,
			QUICMaxIdleTimeout:  5 * time.Minute,
			QUICAllow0RTT:       true,
			HTTPTimeout:         30 * time.Second,
			MaxRequestBodySize:  4 << 20,
			RateLimit:           5000,
			RateWindow:          time.Second,
			CertValidityDays:    365,
			TLSSessionCacheSize: 128,
		},
		Database: DatabaseConfig{
			DataDir:          "./data",
			ValueLogFileSize: 64 << 20,
			QuorumCacheSize:  100,
		},
		Network: NetworkConfig{
			Name:                    NetworkRegtest,
			ConnectionTimeout:       5 * time.Second,
			SendQueueSize:           1000,
			InboxSize:               4096,
			BanThreshold:            100,
			MalformedMessagePenalty: 10,
			BanDuration:             24 * time.Hour,
			DialInterval:            time.Second,
		},
		QuorumData: QuorumDataConfig{
			RecoveryEnabled: true,
			RequestExpiry:   300 * time.Second,
			RequestTimeout:  10 * time.Second,
			SweepInterval:   1 * time.Second,
			KeepRecentTypes: 1,
			Penalties: PenaltyConfig{
				Unauthenticated:      10,
				RequestLimit:         25,
				Unsolicited:          10,
				Mismatched:           10,
				InvalidVvec:          10,
				InvalidContributions: 10,
				InvalidSigShare:      10,
			},
		},
		Signing: SigningConfig{
			SessionTimeout:  60 * time.Second,
			RecoveredTTL:    10 * time.Minute,
			CleanupInterval: 5 * time.Second,
		},
		ChainLocks: ChainLocksConfig{
			Enabled:          true,
			MultiQuorum:      false,
			LLMQType:         types.LLMQ_TEST,
			SignHeightOffset: 8,
			SeenCacheSize:    10000,
			CleanupInterval:  30 * time.Second,
		},
	}
}

// Validate 验证配置合法性
func (c *Config) Validate() error {
	params, ok := networks[c.Network.Name]
	if !ok {
		return fmt.Errorf("unknown network %q", c.Network.Name)
	}
	if c.Network.BanThreshold <= 0 {
		return fmt.Errorf("BanThreshold must be positive")
	}
	if c.QuorumData.RequestExpiry <= 0 || c.QuorumData.RequestTimeout <= 0 {
		return fmt.Errorf("quorum data request expiry/timeout must be positive")
	}
	if c.ChainLocks.SignHeightOffset < 0 {
		return fmt.Errorf("SignHeightOffset must not be negative")
	}
	if !params.IsEnabled(c.ChainLocks.LLMQType) {
		return fmt.Errorf("chain lock llmqType %d not enabled on %s", c.ChainLocks.LLMQType, c.Network.Name)
	}
	if c.Node.Masternode && len(c.Node.OperatorKey) != 32 {
		return fmt.Errorf("masternode mode requires a 32-byte operator key")
	}
	return nil
}
