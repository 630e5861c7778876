package emotion

// Neutral 是未知情绪时使用的兜底标签。
const Neutral = "neutral"

// Result 是远端情绪分析的返回值。
type Result struct {
	Emotion      string  `json:"emotion"`
	Confidence   float64 `json:"confidence"`
	Polarity     float64 `json:"polarity"`
	Subjectivity float64 `json:"subjectivity"`
}
