package pacing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const (
	testMin     = 5 * time.Second
	testMax     = 120 * time.Second
	testInitial = 30 * time.Second
)

// 1 MB 分片耗时 1s ≈ 1024 KB/s，落在 good 吞吐区间
func recordFastSuccess(c *Controller) {
	c.RecordSuccess(1024*1024, time.Second)
}

// 50 KB/s，落在 poor 吞吐区间
func recordSlowSuccess(c *Controller) {
	c.RecordSuccess(50*1024, time.Second)
}

func TestTimeoutDecaysAfterFiveConsecutiveSuccesses(t *testing.T) {
	c := New(testInitial, testMin, testMax)

	for i := 0; i < 4; i++ {
		recordFastSuccess(c)
	}
	assert.Equal(t, testInitial, c.Timeout(), "前 4 次成功不应调整超时")

	recordFastSuccess(c)
	want := time.Duration(float64(testInitial) * 0.8)
	assert.Equal(t, want, c.Timeout(), "第 5 次连续成功后超时应乘以 0.8")

	// 计数已清零：再来 4 次不变，第 5 次再降
	for i := 0; i < 4; i++ {
		recordFastSuccess(c)
	}
	assert.Equal(t, want, c.Timeout())
	recordFastSuccess(c)
	assert.Equal(t, time.Duration(float64(want)*0.8), c.Timeout())
}

func TestTimeoutFlooredAtMinimum(t *testing.T) {
	c := New(testMin, testMin, testMax)
	for i := 0; i < 25; i++ {
		recordFastSuccess(c)
	}
	assert.Equal(t, testMin, c.Timeout())
}

func TestFailureResetsStreakAndGrowsTimeout(t *testing.T) {
	c := New(testInitial, testMin, testMax)

	for i := 0; i < 4; i++ {
		recordFastSuccess(c)
	}
	c.RecordFailure()
	assert.Equal(t, time.Duration(float64(testInitial)*1.5), c.Timeout())

	// 失败清零了成功计数：还需要完整的 5 连胜才会下调
	grown := c.Timeout()
	for i := 0; i < 4; i++ {
		recordFastSuccess(c)
	}
	assert.Equal(t, grown, c.Timeout())
	recordFastSuccess(c)
	assert.Equal(t, time.Duration(float64(grown)*0.8), c.Timeout())
}

func TestTimeoutCappedAtMaximum(t *testing.T) {
	c := New(testInitial, testMin, testMax)
	for i := 0; i < 10; i++ {
		c.RecordFailure()
	}
	assert.Equal(t, testMax, c.Timeout())
}

func TestQualityUnknownWithFewSamples(t *testing.T) {
	c := New(testInitial, testMin, testMax)
	assert.Equal(t, QualityUnknown, c.Quality())

	recordFastSuccess(c)
	recordFastSuccess(c)
	assert.Equal(t, QualityUnknown, c.Quality(), "少于 3 个吞吐样本时应返回 unknown")
}

func TestQualityGood(t *testing.T) {
	c := New(testInitial, testMin, testMax)
	for i := 0; i < 5; i++ {
		recordFastSuccess(c)
	}
	assert.Equal(t, QualityGood, c.Quality())
}

func TestQualityFair(t *testing.T) {
	c := New(testInitial, testMin, testMax)
	// 200 KB/s：高于 fair 阈值但低于 good 阈值
	for i := 0; i < 5; i++ {
		c.RecordSuccess(200*1024, time.Second)
	}
	assert.Equal(t, QualityFair, c.Quality())
}

func TestQualityPoorOnLowThroughput(t *testing.T) {
	c := New(testInitial, testMin, testMax)
	for i := 0; i < 5; i++ {
		recordSlowSuccess(c)
	}
	assert.Equal(t, QualityPoor, c.Quality())
}

func TestQualityDegradedByFailureRate(t *testing.T) {
	c := New(testInitial, testMin, testMax)
	// 高吞吐但失败率 3/10 = 30%，不满足 good 也不满足 fair
	for i := 0; i < 7; i++ {
		recordFastSuccess(c)
	}
	for i := 0; i < 3; i++ {
		c.RecordFailure()
	}
	assert.Equal(t, QualityPoor, c.Quality())
}

func TestStats(t *testing.T) {
	c := New(testInitial, testMin, testMax)
	recordFastSuccess(c)
	recordFastSuccess(c)
	c.RecordFailure()

	successes, failures := c.Stats()
	assert.Equal(t, 2, successes)
	assert.Equal(t, 1, failures)
}
