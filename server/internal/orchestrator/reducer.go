package orchestrator

import (
	"homework-live/server/internal/model"
	"homework-live/server/internal/protocol"
)

// DefaultImageBaseURL 图片服务的默认地址（session:<id> 改写用）
const DefaultImageBaseURL = "http://localhost:8000"

// 状态文案
const (
	StatusThinking           = "Thinking..."
	StatusReady              = "Ready!"
	StatusUnderstanding      = "Understanding the problem..."
	StatusProblemIdentified  = "Problem identified!"
	StatusAnalyzing          = "Analyzing your work..."
	StatusReadyToHelp        = "Ready to help!"
	StatusCreatingVisual     = "Creating a visualization..."
	StatusWorking            = "Working on it..."
	StatusProcessing         = "Processing..."
	StatusCheckingWork       = "Checking your work..."
	StatusListening          = "Go ahead, I'm listening"
	StatusConnecting         = "Connecting..."
	StatusRecording          = "Listening..."
	StatusProcessingQuestion = "Thinking about your question..."
	StatusConnectionLost     = "Connection lost. Tap retry to reconnect."
	StatusSessionElsewhere   = "This session is already open somewhere else."
	StatusMicPermission      = "Microphone access was denied. Allow microphone access and try again."
	StatusNoMicrophone       = "No microphone found. Connect one and try again."
	StatusAgentError         = "Something went wrong. Tap retry to try again."
)

// 工具调用 -> "进行中"文案
var callStatus = map[string]string{
	"take_picture_and_analyze_tool": StatusCheckingWork,
	"get_hint":                      "Thinking of a hint...",
	"establish_problem_state":       "Reading the problem...",
	"create_visualization":          "Drawing it out...",
}

// 工具返回 -> "处理中"文案
var responseStatus = map[string]string{
	"take_picture_and_analyze_tool": "Looking at your work...",
	"get_hint":                      "Putting a hint together...",
	"establish_problem_state":       "Got the problem...",
	"create_visualization":          "Finishing the drawing...",
}

// Reducer 把单个 ADK 事件归约为 UI 补丁。
// 纯函数：不读写任何外部状态，同样的输入总是得到同样的输出。
type Reducer struct {
	// ImageBaseURL session:<id> 图片引用改写到该地址
	ImageBaseURL string
}

// Reduce 用默认图片地址归约
func Reduce(evt protocol.AdkEvent) model.UIStatePatch {
	return Reducer{ImageBaseURL: DefaultImageBaseURL}.Reduce(evt)
}

// Reduce 分发顺序：function_call > function_response > 文本内容（按 author）> 空补丁
func (r Reducer) Reduce(evt protocol.AdkEvent) model.UIStatePatch {
	switch {
	case evt.FunctionCall != nil:
		return model.UIStatePatch{ProcessingStatus: status(lookupStatus(callStatus, evt.FunctionCall.Name, StatusWorking))}
	case evt.FunctionResponse != nil:
		return model.UIStatePatch{ProcessingStatus: status(lookupStatus(responseStatus, evt.FunctionResponse.Name, StatusProcessing))}
	case evt.HasTextContent:
		return r.dispatch(ParseAuthor(evt.Author), evt.IsFinal, evt.Text())
	default:
		return model.UIStatePatch{}
	}
}

func lookupStatus(table map[string]string, name, fallback string) string {
	if s, ok := table[name]; ok {
		return s
	}
	return fallback
}

func status(s string) *string { return &s }

// authorHandler 单个 author 的处理函数。isFinal 区分过程性输出和本轮的最终答案。
type authorHandler func(r Reducer, isFinal bool, text string) model.UIStatePatch

// authorHandlers 按 Author 索引，数组长度随枚举变化
var authorHandlers = [authorCount]authorHandler{
	AuthorUnknown:          Reducer.handleDefault,
	AuthorStateEstablisher: Reducer.handleStateEstablisher,
	AuthorHint:             Reducer.handleHint,
	AuthorVisualization:    Reducer.handleVisualization,
	AuthorRoot:             Reducer.handleRoot,
	AuthorTutor:            Reducer.handleTutor,
}

func (r Reducer) dispatch(a Author, isFinal bool, text string) model.UIStatePatch {
	if !a.Valid() || authorHandlers[a] == nil {
		a = AuthorUnknown
	}
	return authorHandlers[a](r, isFinal, text)
}

func (r Reducer) handleDefault(isFinal bool, _ string) model.UIStatePatch {
	if !isFinal {
		return model.UIStatePatch{ProcessingStatus: status(StatusThinking)}
	}
	return model.UIStatePatch{ProcessingStatus: status(StatusReady), AnalysisComplete: true}
}

func (r Reducer) handleStateEstablisher(isFinal bool, text string) model.UIStatePatch {
	if !isFinal {
		return model.UIStatePatch{ProcessingStatus: status(StatusUnderstanding)}
	}
	patch := model.UIStatePatch{ProcessingStatus: status(StatusProblemIdentified)}
	if ContainsMath(text) {
		patch.MathJaxContent = NormalizeMath(text)
		patch.ShouldUpdateMathJax = true
	}
	return patch
}

func (r Reducer) handleHint(isFinal bool, text string) model.UIStatePatch {
	if !isFinal {
		return model.UIStatePatch{ProcessingStatus: status(StatusAnalyzing)}
	}
	patch := model.UIStatePatch{
		ProcessingStatus:      status(StatusReadyToHelp),
		AnalysisComplete:      true,
		ClearProcessingStatus: true,
	}

	payload, err := ParsePayload(text)
	switch {
	case err == nil:
		if payload.MathJaxContent != "" {
			patch.MathJaxContent = NormalizeMath(payload.MathJaxContent)
			patch.ShouldUpdateMathJax = true
		}
		if IsSessionImageRef(payload.ImageURL) {
			patch.ImageURL = RewriteImageURL(r.ImageBaseURL, payload.ImageURL)
			patch.ShouldUpdateImage = true
		}
	case isNotJSON(err) && ContainsMath(text):
		// 非 JSON 的纯文本公式
		patch.MathJaxContent = NormalizeMath(text)
		patch.ShouldUpdateMathJax = true
	}
	return patch
}

func (r Reducer) handleVisualization(isFinal bool, text string) model.UIStatePatch {
	if !isFinal {
		return model.UIStatePatch{ProcessingStatus: status(StatusCreatingVisual)}
	}
	patch := model.UIStatePatch{ProcessingStatus: status(StatusReady), AnalysisComplete: true}
	if payload, err := ParsePayload(text); err == nil && len(payload.Visualization) > 0 {
		patch.VisualizationConfig = payload.Visualization
		patch.ShouldShowVisualization = true
	}
	return patch
}

// handleRoot 顶层协调者的输出不更新 UI，避免状态闪烁
func (r Reducer) handleRoot(bool, string) model.UIStatePatch {
	return model.UIStatePatch{}
}

// handleTutor 只在最终输出时给出 Ready
func (r Reducer) handleTutor(isFinal bool, _ string) model.UIStatePatch {
	if !isFinal {
		return model.UIStatePatch{}
	}
	return model.UIStatePatch{ProcessingStatus: status(StatusReady)}
}
