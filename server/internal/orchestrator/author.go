package orchestrator

// Author 事件作者（子 Agent 身份）。未知名字映射为 AuthorUnknown。
type Author int

const (
	AuthorUnknown Author = iota
	AuthorStateEstablisher
	AuthorHint
	AuthorVisualization
	AuthorRoot
	AuthorTutor

	authorCount
)

var authorNames = map[string]Author{
	"StateEstablisherAgent": AuthorStateEstablisher,
	"HintAgent":             AuthorHint,
	"VisualizationAgent":    AuthorVisualization,
	"VisualizerAgent":       AuthorVisualization,
	"root_agent":            AuthorRoot,
	"RootAgent":             AuthorRoot,
	"TutorAgent":            AuthorTutor,
	"MainTutorAgent":        AuthorTutor,
}

// ParseAuthor 按名字精确匹配
func ParseAuthor(name string) Author {
	if a, ok := authorNames[name]; ok {
		return a
	}
	return AuthorUnknown
}

func (a Author) Valid() bool { return a >= 0 && a < authorCount }

func (a Author) String() string {
	switch a {
	case AuthorStateEstablisher:
		return "state_establisher"
	case AuthorHint:
		return "hint"
	case AuthorVisualization:
		return "visualization"
	case AuthorRoot:
		return "root"
	case AuthorTutor:
		return "tutor"
	default:
		return "unknown"
	}
}
