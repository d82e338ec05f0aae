package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventType 定义了后端消息通道上的事件类型
type EventType string

const (
	// 上行（客户端 -> 后端）
	EventTypeAudio          EventType = "audio"           // 音频帧（双向共用）
	EventTypeStartRecording EventType = "start_recording" // 开始录音
	EventTypeStopRecording  EventType = "stop_recording"  // 停止录音
	EventTypePing           EventType = "ping"            // 应用层心跳

	// 下行（后端 -> 客户端）
	EventTypeAgentReady       EventType = "agent_ready"
	EventTypeToolCall         EventType = "tool_call"
	EventTypeTurnComplete     EventType = "turn_complete"
	EventTypeInterrupted      EventType = "interrupted"
	EventTypeError            EventType = "error"
	EventTypeText             EventType = "text"
	EventTypeImageReceived    EventType = "image_received"
	EventTypeImageAnalyzed    EventType = "image_analyzed"
	EventTypeAdkEvent         EventType = "adk_event"
	EventTypeRecordingStarted EventType = "recording_started"
	EventTypeRecordingStopped EventType = "recording_stopped"
	EventTypePong             EventType = "pong"
)

// ErrMalformed 下行消息无法解析（非 JSON、缺 type、data 形状不对）
var ErrMalformed = errors.New("malformed message")

// OutboundMessage 客户端发给后端的消息
type OutboundMessage struct {
	Type EventType `json:"type"`
	Data string    `json:"data,omitempty"` // 仅 audio 帧：base64 PCM16 mono 16kHz
}

// InboundEvent 后端下行消息。Data 的形状由 Type 决定，按需用访问器解析。
type InboundEvent struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AgentReadyData agent_ready 的载荷
type AgentReadyData struct {
	Message string `json:"message"`
}

// ToolCallData tool_call 的载荷
type ToolCallData struct {
	Tool    string `json:"tool"`
	Message string `json:"message,omitempty"`
}

// ErrorData error 的载荷
type ErrorData struct {
	Message string `json:"message"`
}

// TextData text 的载荷。Role 为 "user" 时是输入转写，缺省为助手输出。
type TextData struct {
	Content string `json:"content"`
	Role    string `json:"role,omitempty"`
}

// ImageAnalysis 图片分析结果
type ImageAnalysis struct {
	MathJaxContent string `json:"mathjax_content,omitempty"`
}

// ImageData image_received / image_analyzed 的载荷
type ImageData struct {
	Analysis *ImageAnalysis `json:"analysis,omitempty"`
}

// FunctionCall ADK 工具调用
type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse ADK 工具返回
type FunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
}

// Part 内容片段
type Part struct {
	Text string `json:"text,omitempty"`
}

// Content 有序的内容片段序列
type Content struct {
	Parts []Part `json:"parts"`
}

// AdkEvent adk_event 的载荷：多 Agent 交错输出中的单个事件。
// 同一事件里 FunctionCall / FunctionResponse / 文本 Content 至多一个有意义；
// IsFinal 标记该 author 本轮的最后一个事件。
type AdkEvent struct {
	EventID          string            `json:"event_id"`
	Author           string            `json:"author"`
	Timestamp        float64           `json:"timestamp"`
	IsFinal          bool              `json:"is_final"`
	FunctionCall     *FunctionCall     `json:"function_call,omitempty"`
	FunctionResponse *FunctionResponse `json:"function_response,omitempty"`
	HasTextContent   bool              `json:"has_text_content"`
	Content          *Content          `json:"content,omitempty"`
}

// Text 按顺序拼接所有非空 text 片段（空格连接、去首尾空白）
func (e AdkEvent) Text() string {
	if e.Content == nil {
		return ""
	}
	parts := make([]string, 0, len(e.Content.Parts))
	for _, p := range e.Content.Parts {
		if t := strings.TrimSpace(p.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// Decode 解析一条下行消息
func Decode(data []byte) (InboundEvent, error) {
	var evt InboundEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return InboundEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if evt.Type == "" {
		return InboundEvent{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return evt, nil
}

func (e InboundEvent) decodeData(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformed, e.Type, err)
	}
	return nil
}

// Audio 返回 audio 帧的 base64 载荷
func (e InboundEvent) Audio() (string, error) {
	var s string
	if err := e.decodeData(&s); err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("%w: empty audio frame", ErrMalformed)
	}
	return s, nil
}

func (e InboundEvent) AgentReady() (AgentReadyData, error) {
	var d AgentReadyData
	err := e.decodeData(&d)
	return d, err
}

func (e InboundEvent) ToolCall() (ToolCallData, error) {
	var d ToolCallData
	err := e.decodeData(&d)
	return d, err
}

func (e InboundEvent) ErrorInfo() (ErrorData, error) {
	var d ErrorData
	err := e.decodeData(&d)
	return d, err
}

func (e InboundEvent) Text() (TextData, error) {
	var d TextData
	err := e.decodeData(&d)
	return d, err
}

func (e InboundEvent) Image() (ImageData, error) {
	var d ImageData
	err := e.decodeData(&d)
	return d, err
}

// Adk 解析 adk_event 载荷
func (e InboundEvent) Adk() (AdkEvent, error) {
	var d AdkEvent
	if len(e.Data) == 0 {
		return d, fmt.Errorf("%w: empty adk_event", ErrMalformed)
	}
	err := e.decodeData(&d)
	return d, err
}
