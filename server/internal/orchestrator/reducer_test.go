package orchestrator

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"homework-live/server/internal/model"
	"homework-live/server/internal/protocol"
)

func textEvent(author string, final bool, text string) protocol.AdkEvent {
	return protocol.AdkEvent{
		EventID:        "evt-" + author,
		Author:         author,
		IsFinal:        final,
		HasTextContent: true,
		Content:        &protocol.Content{Parts: []protocol.Part{{Text: text}}},
	}
}

func statusOf(p model.UIStatePatch) string {
	if p.ProcessingStatus == nil {
		return ""
	}
	return *p.ProcessingStatus
}

// TestReduceHintFinalMathJax 验证 HintAgent 最终输出中的 mathjax_content 被提取。
// 场景：is_final=true，文本为 {"mathjax_content":"$$x^2$$"}，期望补丁恰好包含公式、Ready to help、完成标记与延迟清除。
func TestReduceHintFinalMathJax(t *testing.T) {
	patch := Reduce(textEvent("HintAgent", true, `{"mathjax_content":"$$x^2$$"}`))

	want := model.UIStatePatch{
		ProcessingStatus:      status("Ready to help!"),
		MathJaxContent:        "$$x^2$$",
		ShouldUpdateMathJax:   true,
		AnalysisComplete:      true,
		ClearProcessingStatus: true,
	}
	got, _ := json.Marshal(patch)
	exp, _ := json.Marshal(want)
	if !bytes.Equal(got, exp) {
		t.Fatalf("unexpected patch:\n got %s\nwant %s", got, exp)
	}
}

// TestReduceFunctionCallOnlySetsStatus 验证工具调用事件只产生状态文案。
// 场景：function_call=take_picture_and_analyze_tool，即使同时带有文本也不应产生其他字段。
func TestReduceFunctionCallOnlySetsStatus(t *testing.T) {
	evt := textEvent("HintAgent", true, `{"mathjax_content":"$x$"}`)
	evt.FunctionCall = &protocol.FunctionCall{Name: "take_picture_and_analyze_tool"}

	patch := Reduce(evt)
	want := model.UIStatePatch{ProcessingStatus: status("Checking your work...")}
	got, _ := json.Marshal(patch)
	exp, _ := json.Marshal(want)
	if !bytes.Equal(got, exp) {
		t.Fatalf("expected only processing status, got %s", got)
	}
}

func TestReduceUnknownToolUsesGenericStatus(t *testing.T) {
	patch := Reduce(protocol.AdkEvent{FunctionCall: &protocol.FunctionCall{Name: "mystery"}})
	if statusOf(patch) != StatusWorking {
		t.Fatalf("expected %q, got %q", StatusWorking, statusOf(patch))
	}

	patch = Reduce(protocol.AdkEvent{FunctionResponse: &protocol.FunctionResponse{Name: "mystery"}})
	if statusOf(patch) != StatusProcessing {
		t.Fatalf("expected %q, got %q", StatusProcessing, statusOf(patch))
	}
}

func TestReduceFunctionResponseStatus(t *testing.T) {
	patch := Reduce(protocol.AdkEvent{FunctionResponse: &protocol.FunctionResponse{Name: "take_picture_and_analyze_tool"}})
	if statusOf(patch) != "Looking at your work..." {
		t.Fatalf("unexpected status %q", statusOf(patch))
	}
	if patch.ShouldUpdateMathJax || patch.AnalysisComplete {
		t.Fatalf("function_response must only set status")
	}
}

func TestReduceWithoutContentIsEmpty(t *testing.T) {
	patch := Reduce(protocol.AdkEvent{Author: "HintAgent", IsFinal: true})
	if !patch.IsEmpty() {
		t.Fatalf("expected empty patch, got %+v", patch)
	}
}

// TestReduceIsDeterministic 同一事件归约两次，补丁字节级一致
func TestReduceIsDeterministic(t *testing.T) {
	events := []protocol.AdkEvent{
		textEvent("HintAgent", true, `{"mathjax_content":"$$\\frac{1}{2}$$","image_url":"session:abc"}`),
		textEvent("VisualizationAgent", true, `{"visualization":{"type":"bar","data":{"labels":["a"]}}}`),
		textEvent("StateEstablisherAgent", true, "Solve $x+1=2$"),
		textEvent("Somebody", false, "hmm"),
	}
	for _, evt := range events {
		a, _ := json.Marshal(Reduce(evt))
		b, _ := json.Marshal(Reduce(evt))
		if !bytes.Equal(a, b) {
			t.Fatalf("reduce not deterministic for %s: %s vs %s", evt.Author, a, b)
		}
	}
}

func TestReduceAuthorHandlers(t *testing.T) {
	cases := []struct {
		name     string
		evt      protocol.AdkEvent
		status   string
		complete bool
		math     string
	}{
		{"unknown in progress", textEvent("Whoever", false, "x"), StatusThinking, false, ""},
		{"unknown final", textEvent("Whoever", true, "x"), StatusReady, true, ""},
		{"state in progress", textEvent("StateEstablisherAgent", false, "$x$"), StatusUnderstanding, false, ""},
		{"state final with math", textEvent("StateEstablisherAgent", true, `Solve $$2x = 4$$`), StatusProblemIdentified, false, "Solve $$2x = 4$$"},
		{"state final plain", textEvent("StateEstablisherAgent", true, "a word problem"), StatusProblemIdentified, false, ""},
		{"hint in progress", textEvent("HintAgent", false, "..."), StatusAnalyzing, false, ""},
		{"hint plain math fallback", textEvent("HintAgent", true, `Try $\\sqrt{x}$`), StatusReadyToHelp, true, `Try $\sqrt{x}$`},
		{"hint plain text", textEvent("HintAgent", true, "keep going"), StatusReadyToHelp, true, ""},
		{"visualization in progress", textEvent("VisualizationAgent", false, "..."), StatusCreatingVisual, false, ""},
		{"tutor final", textEvent("TutorAgent", true, "done"), StatusReady, false, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			patch := Reduce(tc.evt)
			if statusOf(patch) != tc.status {
				t.Fatalf("status: expected %q, got %q", tc.status, statusOf(patch))
			}
			if patch.AnalysisComplete != tc.complete {
				t.Fatalf("analysisComplete: expected %v", tc.complete)
			}
			if patch.MathJaxContent != tc.math || patch.ShouldUpdateMathJax != (tc.math != "") {
				t.Fatalf("math: expected %q, got %q (flag=%v)", tc.math, patch.MathJaxContent, patch.ShouldUpdateMathJax)
			}
		})
	}
}

// TestReduceRootAndTutorAreLowSignal 顶层协调者不产生任何更新；Tutor 只在最终输出给出 Ready
func TestReduceRootAndTutorAreLowSignal(t *testing.T) {
	for _, final := range []bool{false, true} {
		if p := Reduce(textEvent("root_agent", final, `{"mathjax_content":"$x$"}`)); !p.IsEmpty() {
			t.Fatalf("root agent must not update UI, got %+v", p)
		}
	}
	if p := Reduce(textEvent("TutorAgent", false, "$x$")); !p.IsEmpty() {
		t.Fatalf("tutor in-progress must not update UI, got %+v", p)
	}
	p := Reduce(textEvent("TutorAgent", true, `{"mathjax_content":"$x$"}`))
	if p.ShouldUpdateMathJax || p.ShouldShowVisualization || p.ShouldUpdateImage {
		t.Fatalf("tutor must not extract content, got %+v", p)
	}
}

func TestReduceHintRewritesSessionImage(t *testing.T) {
	r := Reducer{ImageBaseURL: "https://tutor.example.com"}
	patch := r.Reduce(textEvent("HintAgent", true, `{"image_url":"session:abc123"}`))
	if !patch.ShouldUpdateImage {
		t.Fatalf("expected image update")
	}
	if patch.ImageURL != "https://tutor.example.com/api/sessions/abc123/image" {
		t.Fatalf("unexpected image url %q", patch.ImageURL)
	}
	if patch.ShouldUpdateMathJax {
		t.Fatalf("no math expected")
	}

	// 非 session 引用不作为图片更新
	patch = r.Reduce(textEvent("HintAgent", true, `{"image_url":"https://cdn.example.com/a.png","mathjax_content":"$y$"}`))
	if patch.ShouldUpdateImage {
		t.Fatalf("plain URLs must not trigger image update")
	}
}

func TestReduceVisualizationConfig(t *testing.T) {
	patch := Reduce(textEvent("VisualizationAgent", true, "```json\n{\"chart_config\": {\"type\": \"line\", \"data\": {}}}\n```"))
	if !patch.ShouldShowVisualization {
		t.Fatalf("expected visualization")
	}
	if string(patch.VisualizationConfig) != `{"type": "line", "data": {}}` {
		t.Fatalf("unexpected config %s", patch.VisualizationConfig)
	}
	if statusOf(patch) != StatusReady || !patch.AnalysisComplete {
		t.Fatalf("expected ready + complete")
	}

	patch = Reduce(textEvent("VisualizationAgent", true, "not json at all"))
	if patch.ShouldShowVisualization {
		t.Fatalf("bad JSON must be ignored")
	}
}

func TestParsePayloadDistinguishesFailures(t *testing.T) {
	if _, err := ParsePayload("plain $x$"); !errors.Is(err, ErrNotJSON) {
		t.Fatalf("expected ErrNotJSON, got %v", err)
	}
	if _, err := ParsePayload(`[1,2,3]`); !errors.Is(err, ErrUnexpectedShape) {
		t.Fatalf("expected ErrUnexpectedShape for array, got %v", err)
	}
	if _, err := ParsePayload(`{"other":1}`); !errors.Is(err, ErrUnexpectedShape) {
		t.Fatalf("expected ErrUnexpectedShape for unknown fields, got %v", err)
	}
	if _, err := ParsePayload(`{"mathjax_content":42}`); !errors.Is(err, ErrUnexpectedShape) {
		t.Fatalf("expected ErrUnexpectedShape for wrong type, got %v", err)
	}

	p, err := ParsePayload(`{"type":"pie","data":{"values":[1]}}`)
	if err != nil {
		t.Fatalf("chart config object: %v", err)
	}
	if string(p.Visualization) != `{"type":"pie","data":{"values":[1]}}` {
		t.Fatalf("unexpected visualization %s", p.Visualization)
	}
}

// TestReduceHintKeepsWellTypedFields 验证单个字段类型错误时其余字段仍然生效。
func TestReduceHintKeepsWellTypedFields(t *testing.T) {
	r := Reducer{ImageBaseURL: "https://tutor.example.com"}

	patch := r.Reduce(textEvent("HintAgent", true, `{"mathjax_content":"$x$","image_url":5}`))
	if !patch.ShouldUpdateMathJax || patch.MathJaxContent != "$x$" {
		t.Fatalf("math must survive a bad image_url, got %+v", patch)
	}
	if patch.ShouldUpdateImage {
		t.Fatalf("bad image_url must be ignored")
	}

	patch = r.Reduce(textEvent("HintAgent", true, `{"mathjax_content":7,"image_url":"session:abc"}`))
	if !patch.ShouldUpdateImage || patch.ImageURL != "https://tutor.example.com/api/sessions/abc/image" {
		t.Fatalf("image must survive a bad mathjax_content, got %+v", patch)
	}
	if patch.ShouldUpdateMathJax {
		t.Fatalf("bad mathjax_content must be ignored")
	}

	if _, err := ParsePayload(`{"image_url":5}`); !errors.Is(err, ErrUnexpectedShape) {
		t.Fatalf("expected ErrUnexpectedShape when no field is usable, got %v", err)
	}
}

func TestRewriteImageURL(t *testing.T) {
	got := RewriteImageURL("http://localhost:8000/", "session:abc123")
	if !strings.Contains(got, "abc123") || !strings.HasSuffix(got, "/image") {
		t.Fatalf("unexpected rewrite %q", got)
	}
	if got != "http://localhost:8000/api/sessions/abc123/image" {
		t.Fatalf("unexpected rewrite %q", got)
	}
	for _, u := range []string{"https://x.test/a.png", "", "session:"} {
		if RewriteImageURL("http://h", u) != u {
			t.Fatalf("%q must pass through", u)
		}
	}
}

func TestNormalizeMath(t *testing.T) {
	if got := NormalizeMath(`$$\\frac{a}{b}$$`); got != `$$\frac{a}{b}$$` {
		t.Fatalf("unexpected %q", got)
	}
}

// TestEveryAuthorHasHandler 枚举新增作者时必须登记处理函数
func TestEveryAuthorHasHandler(t *testing.T) {
	for a := Author(0); a < authorCount; a++ {
		if authorHandlers[a] == nil {
			t.Fatalf("author %s has no handler", a)
		}
	}
	if ParseAuthor("HintAgent") != AuthorHint || ParseAuthor("hintagent") != AuthorUnknown {
		t.Fatalf("author parsing must be exact")
	}
}
