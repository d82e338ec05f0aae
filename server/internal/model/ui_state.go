package model

import (
	"encoding/json"
	"time"
)

// Phase 会话状态机的阶段
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseConnecting   Phase = "connecting"
	PhaseIdle         Phase = "idle"       // Connected(Idle)
	PhaseRecording    Phase = "recording"  // Connected(Recording)
	PhaseProcessing   Phase = "processing" // Connected(Processing)
	PhaseDisconnected Phase = "disconnected"
	PhaseError        Phase = "error"
)

// Connected 是否处于 Connected(*) 子状态
func (p Phase) Connected() bool {
	return p == PhaseIdle || p == PhaseRecording || p == PhaseProcessing
}

// ConnectionStatus 连接状态（展示用）
type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionError        ConnectionStatus = "error"
)

// ErrorKind 决定前端展示哪种错误引导
type ErrorKind string

const (
	ErrorKindNone       ErrorKind = ""
	ErrorKindConnection ErrorKind = "connection" // 显示重试
	ErrorKindRejected   ErrorKind = "rejected"   // 同一会话已在别处打开
	ErrorKindPermission ErrorKind = "permission" // 麦克风权限引导
	ErrorKindDevice     ErrorKind = "device"     // 没有输入设备
	ErrorKindAgent      ErrorKind = "agent"      // 后端显式 error 事件
)

// Role 对话历史中的发言方
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// HistoryEntry 对话历史中的一条记录（只追加）
type HistoryEntry struct {
	// Seq 同一 session 内单调递增
	Seq       int64  `json:"seq"`
	SessionID string `json:"session_id"`
	// EventID 幂等去重用
	EventID   string    `json:"event_id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// UIState 会话的完整 UI 状态，只由 SessionController 修改。
type UIState struct {
	SessionID  string           `json:"session_id"`
	Phase      Phase            `json:"phase"`
	Recording  bool             `json:"recording"`
	Connection ConnectionStatus `json:"connection"`
	AudioLevel float64          `json:"audio_level"`

	ProcessingStatus    string          `json:"processing_status"`
	MathJaxContent      string          `json:"mathjax_content"`
	ShowVisualization   bool            `json:"show_visualization"`
	VisualizationConfig json.RawMessage `json:"visualization_config,omitempty"`
	ImageURL            string          `json:"image_url"`
	AnalysisComplete    bool            `json:"analysis_complete"`

	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	LastError string    `json:"last_error,omitempty"`

	// 流式文本的在途缓冲
	LiveTranscript   string `json:"live_transcript,omitempty"`
	PendingAssistant string `json:"pending_assistant,omitempty"`

	History []HistoryEntry `json:"history"`
}

// Clone 深拷贝，供快照与推送使用
func (s UIState) Clone() UIState {
	out := s
	if s.VisualizationConfig != nil {
		out.VisualizationConfig = append(json.RawMessage(nil), s.VisualizationConfig...)
	}
	out.History = append([]HistoryEntry(nil), s.History...)
	return out
}

// HasDisplayedContent 上一轮的答案是否仍在展示
func (s UIState) HasDisplayedContent() bool {
	return s.MathJaxContent != "" || s.ShowVisualization || s.ImageURL != "" || s.PendingAssistant != ""
}

// UIStatePatch 事件归约的输出：稀疏字段，缺省表示不变。
// 布尔的 Should* 标志决定配对的值字段是否生效，用来区分"不更新"和"更新为空值"。
type UIStatePatch struct {
	ProcessingStatus        *string         `json:"processingStatus,omitempty"`
	MathJaxContent          string          `json:"mathJaxContent,omitempty"`
	ShouldUpdateMathJax     bool            `json:"shouldUpdateMathJax,omitempty"`
	ShouldShowVisualization bool            `json:"shouldShowVisualization,omitempty"`
	VisualizationConfig     json.RawMessage `json:"visualizationConfig,omitempty"`
	ShouldUpdateImage       bool            `json:"shouldUpdateImage,omitempty"`
	ImageURL                string          `json:"imageUrl,omitempty"`
	ClearProcessingStatus   bool            `json:"clearProcessingStatus,omitempty"`
	AnalysisComplete        bool            `json:"analysisComplete,omitempty"`
}

// IsEmpty 补丁是否不产生任何变化
func (p UIStatePatch) IsEmpty() bool {
	return p.ProcessingStatus == nil && !p.ShouldUpdateMathJax && !p.ShouldShowVisualization &&
		!p.ShouldUpdateImage && !p.ClearProcessingStatus && !p.AnalysisComplete
}
