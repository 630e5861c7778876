package emotion

import (
	"math"
	"strings"

	"github.com/zhouzirui/emotibot/internal/model/emotion"
)

// Label 是分析器可以给出的情绪标签。
type Label string

const (
	Neutral   Label = emotion.Neutral
	Happy     Label = "happy"
	Sad       Label = "sad"
	Angry     Label = "angry"
	Surprised Label = "surprised"
	Fearful   Label = "fearful"
)

// labelOrder 决定同分时的优先级。
var labelOrder = []Label{Angry, Fearful, Sad, Surprised, Happy}

var keywordBuckets = map[Label][]string{
	Happy: {
		"happy", "glad", "joy", "great", "awesome", "amazing", "wonderful", "love", "thanks", "thank you",
		"excellent", "fantastic", "delighted", "lol", "开心", "高兴", "快乐", "太好了", "太棒了", "喜欢",
	},
	Sad: {
		"sad", "unhappy", "down", "depressed", "cry", "lonely", "upset", "hurt", "sorrow", "miserable",
		"heartbroken", "disappointed", "难过", "伤心", "失落", "沮丧", "孤单", "心碎",
	},
	Angry: {
		"angry", "furious", "rage", "mad", "annoyed", "pissed", "hate", "outrage", "frustrated", "fed up",
		"生气", "愤怒", "火大", "气死", "受够了", "抓狂",
	},
	Surprised: {
		"wow", "surprised", "surprising", "unbelievable", "unexpected", "shocked", "no way", "can't believe",
		"incredible", "omg", "惊喜", "哇塞", "没想到", "震惊",
	},
	Fearful: {
		"afraid", "scared", "fear", "worried", "anxious", "nervous", "terrified", "panic", "frightened",
		"害怕", "担心", "紧张", "焦虑", "恐惧",
	},
}

var polaritySign = map[Label]float64{
	Happy:     1,
	Surprised: 0.6,
	Sad:       -1,
	Angry:     -1,
	Fearful:   -0.8,
}

// Analyze 使用关键词与标点推断文本情绪，结果可直接作为分析接口的返回值。
func Analyze(text string) emotion.Result {
	scores := scoreText(text)

	best, bestScore := Neutral, 0
	for _, label := range labelOrder {
		if scores[label] > bestScore {
			best, bestScore = label, scores[label]
		}
	}

	if bestScore == 0 {
		return emotion.Result{Emotion: string(Neutral), Confidence: 1, Polarity: 0, Subjectivity: 0}
	}

	intensity := math.Min(1, 0.2+0.1*float64(bestScore)) // 基础为0.2，强度随得分提升
	polarity := round2(polaritySign[best] * intensity)
	subjectivity := round2(math.Min(1, 0.4+0.1*float64(bestScore)))
	confidence := round2(math.Min(math.Min(math.Abs(polarity)*1.5, subjectivity*1.3), 1))

	return emotion.Result{
		Emotion:      string(best),
		Confidence:   confidence,
		Polarity:     polarity,
		Subjectivity: subjectivity,
	}
}

func scoreText(text string) map[Label]int {
	scores := make(map[Label]int)
	normalized := strings.TrimSpace(strings.ToLower(text))
	if normalized == "" {
		return scores
	}

	for label, keywords := range keywordBuckets {
		for _, word := range keywords {
			if containsWord(normalized, word) {
				scores[label] += 3
			}
		}
	}

	exclamations := strings.Count(text, "!") + strings.Count(text, "！")
	switch {
	case exclamations == 1:
		scores[Happy] += 2
	case exclamations > 1:
		scores[Surprised] += exclamations * 2
	}
	if strings.Contains(text, "?!") || strings.Contains(text, "!?") {
		scores[Surprised] += 2
	}
	return scores
}

// containsWord matches ASCII keywords on word boundaries and other keywords as substrings.
func containsWord(text, word string) bool {
	if !isASCII(word) {
		return strings.Contains(text, word)
	}
	for offset := 0; ; {
		idx := strings.Index(text[offset:], word)
		if idx < 0 {
			return false
		}
		start := offset + idx
		end := start + len(word)
		if (start == 0 || !isWordByte(text[start-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		offset = start + 1
	}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

func isWordByte(b byte) bool {
	return b == '\'' || b == '_' || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
