package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// counterVec 是一组共享指标名、带固定标签名的计数器。
// 渲染输出 Prometheus 文本格式，标签按注册顺序排列。
type counterVec struct {
	name   string
	help   string
	labels []string

	mu     sync.Mutex
	series map[string]uint64
}

func newCounterVec(name, help string, labels ...string) *counterVec {
	v := &counterVec{
		name:   name,
		help:   help,
		labels: labels,
		series: make(map[string]uint64),
	}
	if len(labels) == 0 {
		// 无标签计数器始终输出一条序列，即使还没有增量。
		v.series[""] = 0
	}
	return v
}

func (v *counterVec) add(delta uint64, labelValues ...string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.series[v.seriesKey(labelValues)] += delta
}

func (v *counterVec) seriesKey(values []string) string {
	if len(v.labels) == 0 {
		return ""
	}
	pairs := make([]string, len(v.labels))
	for i, name := range v.labels {
		value := ""
		if i < len(values) {
			value = values[i]
		}
		pairs[i] = fmt.Sprintf("%s=\"%s\"", name, escape(value))
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

func (v *counterVec) render(b *strings.Builder) {
	v.mu.Lock()
	defer v.mu.Unlock()

	fmt.Fprintf(b, "# HELP %s %s\n", v.name, v.help)
	fmt.Fprintf(b, "# TYPE %s counter\n", v.name)
	keys := make([]string, 0, len(v.series))
	for key := range v.series {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(b, "%s%s %d\n", v.name, key, v.series[key])
	}
}

// latencyBounds 是请求耗时直方图的桶边界，单位秒。
var latencyBounds = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// histogram 保存累积桶计数，observe 之后 counts[i] 即 le=bounds[i] 的值。
type histogram struct {
	counts []uint64
	sum    float64
	total  uint64
}

func (h *histogram) observe(value float64) {
	h.total++
	h.sum += value
	for i, bound := range latencyBounds {
		if value <= bound {
			for ; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
	// 超出最后一个桶的值只计入 +Inf，即 h.total。
}

// latencyVec 按 handler+method 维护一组耗时直方图。
type latencyVec struct {
	name string
	help string

	mu     sync.Mutex
	series map[[2]string]*histogram
}

func newLatencyVec(name, help string) *latencyVec {
	return &latencyVec{name: name, help: help, series: make(map[[2]string]*histogram)}
}

func (v *latencyVec) observe(handler, method string, seconds float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := [2]string{handler, method}
	hist := v.series[key]
	if hist == nil {
		hist = &histogram{counts: make([]uint64, len(latencyBounds))}
		v.series[key] = hist
	}
	hist.observe(seconds)
}

func (v *latencyVec) render(b *strings.Builder) {
	v.mu.Lock()
	defer v.mu.Unlock()

	fmt.Fprintf(b, "# HELP %s %s\n", v.name, v.help)
	fmt.Fprintf(b, "# TYPE %s histogram\n", v.name)

	keys := make([][2]string, 0, len(v.series))
	for key := range v.series {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] == keys[j][0] {
			return keys[i][1] < keys[j][1]
		}
		return keys[i][0] < keys[j][0]
	})

	for _, key := range keys {
		hist := v.series[key]
		labels := fmt.Sprintf("handler=\"%s\",method=\"%s\"", escape(key[0]), escape(key[1]))
		for i, bound := range latencyBounds {
			fmt.Fprintf(b, "%s_bucket{%s,le=\"%s\"} %d\n", v.name, labels, formatFloat(bound), hist.counts[i])
		}
		fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", v.name, labels, hist.total)
		fmt.Fprintf(b, "%s_sum{%s} %s\n", v.name, labels, formatFloat(hist.sum))
		fmt.Fprintf(b, "%s_count{%s} %d\n", v.name, labels, hist.total)
	}
}

var (
	httpRequests = newCounterVec("secagent_http_requests_total",
		"Total number of HTTP requests processed.", "handler", "method", "code")
	httpErrors = newCounterVec("secagent_http_request_errors_total",
		"Total number of HTTP requests that resulted in a server error.", "handler", "method")
	httpLatency = newLatencyVec("secagent_http_request_duration_seconds",
		"HTTP request duration in seconds.")
)

// ObserveHTTPRequest 记录一次 HTTP 请求的量、错误和耗时。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.add(1, handler, method, strconv.Itoa(status))
	if status >= 500 {
		httpErrors.add(1, handler, method)
	}
	httpLatency.observe(handler, method, duration.Seconds())
}

// Handler 以 Prometheus 文本格式输出全部指标。
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		var builder strings.Builder
		builder.Grow(2048)
		httpRequests.render(&builder)
		httpErrors.render(&builder)
		httpLatency.render(&builder)
		renderAgentMetrics(&builder)
		_, _ = w.Write([]byte(builder.String()))
	})
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
