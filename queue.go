package taskpipe

import (
	"sort"
	"strings"
)

const responseSuffix = "-response"

// QueueID 返回字面量队列标识。
func QueueID(literal string) string { return strings.TrimSpace(literal) }

// CanonicalQueueID 由键值配置派生队列标识：按键排序后以 "k=v" 用 ";" 连接，
// 与 map 遍历顺序无关。
func CanonicalQueueID(cfg map[string]string) string {
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(cfg[k])
	}
	return b.String()
}

// ResponseQueue 返回任务队列配套的响应队列名。
func ResponseQueue(queue string) string { return queue + responseSuffix }
