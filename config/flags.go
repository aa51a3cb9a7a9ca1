package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"llmqd/types"
)

const (
	DataDirKey              = "datadir"
	ListenKey               = "listen"
	NetworkKey              = "network"
	ConnectKey              = "connect"
	MasternodeAddrKey       = "mnaddr"
	LogLevelKey             = "loglevel"
	MasternodeKey           = "masternode"
	ProTxHashKey            = "protx"
	OperatorKeyKey          = "operator-key"
	WatchQuorumsKey         = "watchquorums"
	QuorumDataRecoveryKey   = "llmq-quorum-data-recovery"
	RequestsQVVECKey        = "llmq-requests-qvvec"
	ChainLocksKey           = "spork-chainlocks"
	MultiQuorumChainLockKey = "spork-multi-quorum-chainlocks"
)

var (
	errInvalidRecoveryValue = errors.New("Invalid value for -llmq-quorum-data-recovery, 1: Enabled, 0: Disabled")
	errEmptyQVVECType       = errors.New("Empty llmqType in -llmq-requests-qvvec")
)

// AddFlags 注册命令行参数
func AddFlags(flags *pflag.FlagSet) {
	def := DefaultConfig()
	flags.String(DataDirKey, def.Database.DataDir, "Data directory for the artifact store")
	flags.String(ListenKey, def.Server.ListenAddr, "HTTP/3 listen address")
	flags.String(NetworkKey, def.Network.Name, "Network: mainnet, testnet, devnet or regtest")
	flags.StringSlice(ConnectKey, nil, "Peer addresses to connect to")
	flags.StringArray(MasternodeAddrKey, nil, "Known masternode address as <proTxHash>=<host:port> (repeatable)")
	flags.String(LogLevelKey, "info", "Log level: trace, debug, verbose, info, warn, error")
	flags.Bool(MasternodeKey, false, "Run in masternode mode")
	flags.String(ProTxHashKey, "", "ProRegTx hash of this masternode")
	flags.String(OperatorKeyKey, "", "Hex encoded operator secret key")
	flags.Bool(WatchQuorumsKey, false, "Connect to quorums as a watcher (qwatch)")
	flags.Int(QuorumDataRecoveryKey, 1, "Enable automated quorum data recovery (1: Enabled, 0: Disabled)")
	flags.StringArray(RequestsQVVECKey, nil, "Request the verification vector of the given llmqType even when not a member (repeatable)")
	flags.Bool(ChainLocksKey, def.ChainLocks.Enabled, "Enable chain lock signing and enforcement")
	flags.Bool(MultiQuorumChainLockKey, def.ChainLocks.MultiQuorum, "Sign chain locks with every active quorum")
}

// ParseFlags 解析参数并构造配置
func ParseFlags(flags *pflag.FlagSet, args []string) (*Config, string, error) {
	if err := flags.Parse(args); err != nil {
		return nil, "", err
	}
	cfg := DefaultConfig()

	var err error
	if cfg.Database.DataDir, err = flags.GetString(DataDirKey); err != nil {
		return nil, "", err
	}
	if cfg.Server.ListenAddr, err = flags.GetString(ListenKey); err != nil {
		return nil, "", err
	}
	if cfg.Network.Name, err = flags.GetString(NetworkKey); err != nil {
		return nil, "", err
	}
	netParams, ok := GetNetworkParams(cfg.Network.Name)
	if !ok {
		return nil, "", fmt.Errorf("unknown network %q", cfg.Network.Name)
	}
	cfg.ChainLocks.LLMQType = netParams.ChainLocksType

	if cfg.Network.Peers, err = flags.GetStringSlice(ConnectKey); err != nil {
		return nil, "", err
	}
	mnAddrs, err := flags.GetStringArray(MasternodeAddrKey)
	if err != nil {
		return nil, "", err
	}
	if cfg.Network.Masternodes, err = ParseMasternodeAddrs(mnAddrs); err != nil {
		return nil, "", err
	}
	logLevel, err := flags.GetString(LogLevelKey)
	if err != nil {
		return nil, "", err
	}
	if cfg.Node.Masternode, err = flags.GetBool(MasternodeKey); err != nil {
		return nil, "", err
	}
	if cfg.Node.WatchQuorums, err = flags.GetBool(WatchQuorumsKey); err != nil {
		return nil, "", err
	}

	proTx, err := flags.GetString(ProTxHashKey)
	if err != nil {
		return nil, "", err
	}
	if proTx != "" {
		if cfg.Node.ProTxHash, err = types.HashFromString(proTx); err != nil {
			return nil, "", fmt.Errorf("invalid -%s: %w", ProTxHashKey, err)
		}
	}
	opKey, err := flags.GetString(OperatorKeyKey)
	if err != nil {
		return nil, "", err
	}
	if opKey != "" {
		if cfg.Node.OperatorKey, err = hex.DecodeString(opKey); err != nil {
			return nil, "", fmt.Errorf("invalid -%s: %w", OperatorKeyKey, err)
		}
	}

	recovery, err := flags.GetInt(QuorumDataRecoveryKey)
	if err != nil {
		return nil, "", err
	}
	if cfg.QuorumData.RecoveryEnabled, err = ParseRecoveryFlag(recovery); err != nil {
		return nil, "", err
	}

	qvvec, err := flags.GetStringArray(RequestsQVVECKey)
	if err != nil {
		return nil, "", err
	}
	if cfg.QuorumData.RequestsQVVEC, err = ParseRequestsQVVEC(qvvec, netParams); err != nil {
		return nil, "", err
	}

	if cfg.ChainLocks.Enabled, err = flags.GetBool(ChainLocksKey); err != nil {
		return nil, "", err
	}
	if cfg.ChainLocks.MultiQuorum, err = flags.GetBool(MultiQuorumChainLockKey); err != nil {
		return nil, "", err
	}
	return cfg, logLevel, nil
}

// ParseMasternodeAddrs 解析 -mnaddr 列表
func ParseMasternodeAddrs(values []string) (map[types.Hash]string, error) {
	out := make(map[types.Hash]string, len(values))
	for _, v := range values {
		proTx, addr, ok := strings.Cut(v, "=")
		if !ok || addr == "" {
			return nil, fmt.Errorf("invalid -%s %q, expected <proTxHash>=<host:port>", MasternodeAddrKey, v)
		}
		h, err := types.HashFromString(proTx)
		if err != nil {
			return nil, fmt.Errorf("invalid -%s %q: %w", MasternodeAddrKey, v, err)
		}
		out[h] = addr
	}
	return out, nil
}

// ParseRecoveryFlag 只接受 0 / 1
func ParseRecoveryFlag(v int) (bool, error) {
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, errInvalidRecoveryValue
}

// ParseRequestsQVVEC 解析 -llmq-requests-qvvec 列表，接受类型名或数字 id
func ParseRequestsQVVEC(values []string, netParams NetworkParams) ([]types.LLMQType, error) {
	seen := make(map[types.LLMQType]bool, len(values))
	out := make([]types.LLMQType, 0, len(values))
	for _, v := range values {
		if v == "" {
			return nil, errEmptyQVVECType
		}
		var t types.LLMQType
		if n, err := strconv.Atoi(v); err == nil {
			t = types.LLMQType(n)
			if n < 0 || n > 255 || !netParams.IsEnabled(t) {
				return nil, fmt.Errorf("Invalid llmqType in -llmq-requests-qvvec: %s", v)
			}
		} else {
			var ok bool
			t, ok = types.LLMQTypeFromName(v)
			if !ok || !netParams.IsEnabled(t) {
				return nil, fmt.Errorf("Invalid llmqType name in -llmq-requests-qvvec: %s", v)
			}
		}
		if seen[t] {
			return nil, fmt.Errorf("Duplicated llmqType in -llmq-requests-qvvec: %s", v)
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}
