package orchestrator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ParsePayload 的两类失败：不是 JSON / 是 JSON 但形状不对
var (
	ErrNotJSON         = errors.New("payload is not JSON")
	ErrUnexpectedShape = errors.New("payload has unexpected shape")
)

// SessionImageScheme 会话图片引用前缀，例如 session:abc123
const SessionImageScheme = "session:"

// Payload Agent 在文本里返回的结构化结果
type Payload struct {
	MathJaxContent string
	ImageURL       string
	// Visualization 图表配置（原样透传给渲染器）
	Visualization json.RawMessage
}

// 可以承载图表配置的字段名
var visualizationKeys = []string{"visualization", "visualization_config", "chart_config", "chart"}

// ParsePayload 解析 Agent 文本中的 JSON 对象。允许外层包裹 markdown 代码块。
func ParsePayload(text string) (Payload, error) {
	raw := []byte(stripCodeFence(text))
	if !json.Valid(raw) {
		return Payload{}, ErrNotJSON
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Payload{}, fmt.Errorf("%w: not an object", ErrUnexpectedShape)
	}

	// 单个字段类型不对只丢弃该字段，其余字段照常使用
	var p Payload
	p.MathJaxContent = stringField(fields, "mathjax_content")
	p.ImageURL = stringField(fields, "image_url")
	for _, key := range visualizationKeys {
		if v, ok := fields[key]; ok && isJSONObject(v) {
			p.Visualization = v
			break
		}
	}
	// 对象本身就是图表配置（{"type": ..., "data": ...}）
	if p.Visualization == nil {
		_, hasType := fields["type"]
		_, hasData := fields["data"]
		if hasType && hasData {
			p.Visualization = json.RawMessage(compact(raw))
		}
	}

	if p.MathJaxContent == "" && p.ImageURL == "" && p.Visualization == nil {
		return Payload{}, fmt.Errorf("%w: no known fields", ErrUnexpectedShape)
	}
	return p, nil
}

func stringField(fields map[string]json.RawMessage, key string) string {
	v, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

func isNotJSON(err error) bool { return errors.Is(err, ErrNotJSON) }

func isJSONObject(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) > 0 && v[0] == '{'
}

func compact(raw []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

// stripCodeFence 去掉 ```json ... ``` 包裹
func stripCodeFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// ContainsMath 粗略判断文本里是否有公式标记
func ContainsMath(text string) bool {
	return strings.Contains(text, "$") || strings.Contains(text, `\(`) || strings.Contains(text, `\[`)
}

// NormalizeMath 把 JSON 往返后翻倍的反斜杠还原：\\ -> \
func NormalizeMath(s string) string {
	return strings.ReplaceAll(s, `\\`, `\`)
}

// IsSessionImageRef 是否为 session:<id> 引用
func IsSessionImageRef(u string) bool {
	return strings.HasPrefix(u, SessionImageScheme) && len(u) > len(SessionImageScheme)
}

// RewriteImageURL session:<id> -> <base>/api/sessions/<id>/image；其他地址原样返回
func RewriteImageURL(base, u string) string {
	if !IsSessionImageRef(u) {
		return u
	}
	if base == "" {
		base = DefaultImageBaseURL
	}
	id := strings.TrimPrefix(u, SessionImageScheme)
	return strings.TrimRight(base, "/") + "/api/sessions/" + url.PathEscape(id) + "/image"
}
