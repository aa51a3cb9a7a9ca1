package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "llmq"

// Stats 节点指标，nil 接收者上的所有方法都是空操作
type Stats struct {
	apiCalls       *prometheus.CounterVec
	penalties      *prometheus.CounterVec
	qdataServed    *prometheus.CounterVec
	qdataReceived  *prometheus.CounterVec
	recovery       *prometheus.CounterVec
	sessions       *prometheus.CounterVec
	recoverLatency prometheus.Histogram
	chainLocks     *prometheus.CounterVec
	chainLockH     prometheus.Gauge
	disconnects    prometheus.Counter
}

// NewStats 创建指标并注册到 reg；reg 为 nil 时不注册
func NewStats(reg prometheus.Registerer) (*Stats, error) {
	s := &Stats{
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "api_calls_total",
			Help: "number of RPC calls by route",
		}, []string{"api"}),
		penalties: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "peer_penalty_points_total",
			Help: "ban score points assigned to peers by reason",
		}, []string{"reason"}),
		qdataServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "qdata_served_total",
			Help: "QDATA responses sent by error code",
		}, []string{"error"}),
		qdataReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "qdata_received_total",
			Help: "QDATA responses received by outcome",
		}, []string{"outcome"}),
		recovery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "quorum_recovery_total",
			Help: "quorum data recovery events",
		}, []string{"event"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signing_sessions_total",
			Help: "signing session transitions by state",
		}, []string{"state"}),
		recoverLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "signature_recovery_seconds",
			Help:    "time from session creation to recovered signature",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		chainLocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "chainlocks_total",
			Help: "processed chain locks by outcome",
		}, []string{"outcome"}),
		chainLockH: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "chainlock_active_height",
			Help: "height of the active chain lock",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "peer_ban_disconnects_total",
			Help: "peers disconnected for crossing the ban threshold",
		}),
	}
	if reg == nil {
		return s, nil
	}
	for _, c := range []prometheus.Collector{
		s.apiCalls, s.penalties, s.qdataServed, s.qdataReceived, s.recovery,
		s.sessions, s.recoverLatency, s.chainLocks, s.chainLockH, s.disconnects,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// 记录API调用
func (s *Stats) RecordAPICall(apiName string) {
	if s == nil {
		return
	}
	s.apiCalls.WithLabelValues(apiName).Inc()
}

// GetAPICallStats 获取API调用统计
func (s *Stats) GetAPICallStats() map[string]uint64 {
	out := make(map[string]uint64)
	if s == nil {
		return out
	}
	ch := make(chan prometheus.Metric, 64)
	go func() {
		s.apiCalls.Collect(ch)
		close(ch)
	}()
	for m := range ch {
		var pb dto.Metric
		if err := m.Write(&pb); err != nil {
			continue
		}
		var name string
		for _, l := range pb.GetLabel() {
			if l.GetName() == "api" {
				name = l.GetValue()
			}
		}
		out[name] = uint64(pb.GetCounter().GetValue())
	}
	return out
}

// RecordPenalty 给 peer 加分
func (s *Stats) RecordPenalty(reason string, points int) {
	if s == nil || points <= 0 {
		return
	}
	s.penalties.WithLabelValues(reason).Add(float64(points))
}

// RecordBanDisconnect peer 因 ban score 被断开
func (s *Stats) RecordBanDisconnect() {
	if s == nil {
		return
	}
	s.disconnects.Inc()
}

// RecordQDataServed 发出一条 QDATA
func (s *Stats) RecordQDataServed(errCode string) {
	if s == nil {
		return
	}
	s.qdataServed.WithLabelValues(errCode).Inc()
}

// RecordQDataReceived 收到一条 QDATA
func (s *Stats) RecordQDataReceived(outcome string) {
	if s == nil {
		return
	}
	s.qdataReceived.WithLabelValues(outcome).Inc()
}

// RecordRecovery 恢复任务事件（started / requested / completed / failed）
func (s *Stats) RecordRecovery(event string) {
	if s == nil {
		return
	}
	s.recovery.WithLabelValues(event).Inc()
}

// RecordSession 签名会话状态迁移
func (s *Stats) RecordSession(state string) {
	if s == nil {
		return
	}
	s.sessions.WithLabelValues(state).Inc()
}

// ObserveRecovery 记录签名恢复耗时
func (s *Stats) ObserveRecovery(d time.Duration) {
	if s == nil {
		return
	}
	s.recoverLatency.Observe(d.Seconds())
}

// RecordChainLock chain lock 处理结果
func (s *Stats) RecordChainLock(outcome string) {
	if s == nil {
		return
	}
	s.chainLocks.WithLabelValues(outcome).Inc()
}

// SetActiveChainLockHeight 更新生效 chain lock 高度
func (s *Stats) SetActiveChainLockHeight(h int32) {
	if s == nil {
		return
	}
	s.chainLockH.Set(float64(h))
}
