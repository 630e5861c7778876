package chat

import (
	"fmt"
	"math"
	"strconv"

	"github.com/zhouzirui/emotibot/internal/model/emotion"
)

// Display is the text shown by the emotion panel after an analysis.
type Display struct {
	Avatar         string
	EmotionLabel   string
	CurrentEmotion string
	Confidence     string
	Polarity       string
	Subjectivity   string
}

// UpdateEmotionDisplay 把分析结果投影为展示字段，不产生副作用。
func UpdateEmotionDisplay(result emotion.Result) Display {
	return Display{
		Avatar:         "avatar " + result.Emotion,
		EmotionLabel:   result.Emotion,
		CurrentEmotion: result.Emotion,
		Confidence:     fmt.Sprintf("%d%%", int(math.Round(result.Confidence*100))),
		Polarity:       strconv.FormatFloat(result.Polarity, 'f', 2, 64),
		Subjectivity:   strconv.FormatFloat(result.Subjectivity, 'f', 2, 64),
	}
}
