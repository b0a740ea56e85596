// Package pacing 实现了分片上传的自适应超时控制器。
// 它是客户端侧的纯计算组件：根据最近的成功/失败与吞吐历史调整建议超时
// 并给出网络质量分级，不做任何 I/O，服务端状态机也不依赖它的输出。
package pacing

import (
	"sync"
	"time"
)

// Quality 表示从最近历史推断出的网络质量分级。
type Quality string

const (
	QualityUnknown Quality = "unknown"
	QualityGood    Quality = "good"
	QualityFair    Quality = "fair"
	QualityPoor    Quality = "poor"
)

const (
	// 连续成功 5 次后下调超时
	successStreakTrigger = 5
	timeoutDecayFactor   = 0.8
	timeoutGrowthFactor  = 1.5

	// 吞吐样本与成败记录的滚动窗口大小
	throughputWindow = 10
	outcomeWindow    = 20

	// 质量分级阈值 (KB/s 与失败率)
	goodThroughputKBps = 500.0
	fairThroughputKBps = 100.0
	goodFailureRate    = 0.10
	fairFailureRate    = 0.30

	minQualitySamples = 3
)

// Controller 维护单个上传客户端的节奏状态。
type Controller struct {
	mu sync.Mutex

	currentTimeout time.Duration
	minTimeout     time.Duration
	maxTimeout     time.Duration

	consecutiveSuccesses int
	consecutiveFailures  int
	totalSuccesses       int
	totalFailures        int

	throughputs []float64 // KB/s，最多保留 throughputWindow 个
	outcomes    []bool    // true=成功，最多保留 outcomeWindow 个
}

// New 创建一个 Controller。initial 会被钳制到 [min, max] 区间内。
func New(initial, min, max time.Duration) *Controller {
	if initial < min {
		initial = min
	}
	if initial > max {
		initial = max
	}
	return &Controller{
		currentTimeout: initial,
		minTimeout:     min,
		maxTimeout:     max,
	}
}

// RecordSuccess 记录一次分片上传成功及其字节数与耗时。
// 连续成功达到阈值后，把当前超时乘以 0.8（不低于下界）并清零成功计数。
func (c *Controller) RecordSuccess(bytes int64, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalSuccesses++
	c.consecutiveSuccesses++
	c.consecutiveFailures = 0
	c.pushOutcome(true)

	if elapsed > 0 {
		kbps := float64(bytes) / 1024.0 / elapsed.Seconds()
		c.throughputs = append(c.throughputs, kbps)
		if len(c.throughputs) > throughputWindow {
			c.throughputs = c.throughputs[1:]
		}
	}

	if c.consecutiveSuccesses >= successStreakTrigger {
		c.currentTimeout = clamp(time.Duration(float64(c.currentTimeout)*timeoutDecayFactor), c.minTimeout, c.maxTimeout)
		c.consecutiveSuccesses = 0
	}
}

// RecordFailure 记录一次分片上传失败。
// 任何一次失败都会清零成功计数并把当前超时乘以 1.5（不超过上界）。
func (c *Controller) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalFailures++
	c.consecutiveFailures++
	c.consecutiveSuccesses = 0
	c.pushOutcome(false)

	c.currentTimeout = clamp(time.Duration(float64(c.currentTimeout)*timeoutGrowthFactor), c.minTimeout, c.maxTimeout)
}

// Timeout 返回当前建议的单分片超时。
func (c *Controller) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTimeout
}

// Quality 根据滚动窗口内的平均吞吐与失败率给出网络质量分级。
func (c *Controller) Quality() Quality {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.throughputs) < minQualitySamples {
		return QualityUnknown
	}

	var sum float64
	for _, t := range c.throughputs {
		sum += t
	}
	avg := sum / float64(len(c.throughputs))

	var failures int
	for _, ok := range c.outcomes {
		if !ok {
			failures++
		}
	}
	failureRate := 0.0
	if len(c.outcomes) > 0 {
		failureRate = float64(failures) / float64(len(c.outcomes))
	}

	switch {
	case avg > goodThroughputKBps && failureRate < goodFailureRate:
		return QualityGood
	case avg > fairThroughputKBps && failureRate < fairFailureRate:
		return QualityFair
	default:
		return QualityPoor
	}
}

// Stats 返回累计成功/失败次数，用于客户端上报。
func (c *Controller) Stats() (successes, failures int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSuccesses, c.totalFailures
}

func (c *Controller) pushOutcome(ok bool) {
	c.outcomes = append(c.outcomes, ok)
	if len(c.outcomes) > outcomeWindow {
		c.outcomes = c.outcomes[1:]
	}
}

func clamp(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
