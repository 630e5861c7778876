package emotion

import "testing"

func TestAnalyzeHappyText(t *testing.T) {
	result := Analyze("I am so happy today")
	if result.Emotion != string(Happy) {
		t.Fatalf("expected happy emotion, got %s", result.Emotion)
	}
	if result.Polarity <= 0 {
		t.Fatalf("expected positive polarity, got %f", result.Polarity)
	}
	if result.Confidence <= 0 || result.Confidence > 1 {
		t.Fatalf("confidence out of range: %f", result.Confidence)
	}
}

func TestAnalyzeNegativeEmotions(t *testing.T) {
	cases := map[string]Label{
		"I feel so sad and lonely":          Sad,
		"我今天很难过":                            Sad,
		"I am furious, this makes me angry": Angry,
		"I'm really scared about tomorrow":  Fearful,
	}
	for text, want := range cases {
		result := Analyze(text)
		if result.Emotion != string(want) {
			t.Fatalf("%q: expected %s, got %s", text, want, result.Emotion)
		}
		if result.Polarity >= 0 {
			t.Fatalf("%q: expected negative polarity, got %f", text, result.Polarity)
		}
	}
}

func TestAnalyzeSurprisedByPunctuation(t *testing.T) {
	result := Analyze("wow, no way!!")
	if result.Emotion != string(Surprised) {
		t.Fatalf("expected surprised emotion, got %s", result.Emotion)
	}
}

func TestAnalyzeNeutralFallback(t *testing.T) {
	for _, text := range []string{"", "   ", "the meeting is at noon"} {
		result := Analyze(text)
		if result.Emotion != string(Neutral) {
			t.Fatalf("%q: expected neutral, got %s", text, result.Emotion)
		}
		if result.Confidence != 1 {
			t.Fatalf("%q: expected full confidence for neutral, got %f", text, result.Confidence)
		}
	}
}

func TestAnalyzeMatchesWholeWords(t *testing.T) {
	result := Analyze("I am unhappy")
	if result.Emotion != string(Sad) {
		t.Fatalf("expected sad for unhappy, got %s", result.Emotion)
	}
}

func TestAnalyzeValuesStayInRange(t *testing.T) {
	result := Analyze("happy happy joy great awesome amazing wonderful love thanks!!!")
	if result.Polarity < -1 || result.Polarity > 1 {
		t.Fatalf("polarity out of range: %f", result.Polarity)
	}
	if result.Subjectivity < 0 || result.Subjectivity > 1 {
		t.Fatalf("subjectivity out of range: %f", result.Subjectivity)
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		t.Fatalf("confidence out of range: %f", result.Confidence)
	}
}
