package semantic

import "time"

// Signal weights for the quality heuristic. Structure and confidence dominate
// because a response with real result blocks and a self-reported score is a
// better re-serve candidate than a merely long one.
const (
	lengthWeight     = 0.2
	structureWeight  = 0.3
	confidenceWeight = 0.3
	feedbackWeight   = 0.2

	lengthSaturation = 1000

	defaultConfidence = 0.5
	defaultRating     = 0.7
	sparseStructure   = 0.3
)

// structuredSectionKeys are the result blocks that mark a response as rich
// enough to earn the full structure signal.
var structuredSectionKeys = []string{"plan", "recommendations", "metrics", "schedule", "analysis"}

// Evaluate scores a response between 0 and 1. It is a pure function of its
// input and never fails: absent fields fall back to neutral defaults, with the
// rating default optimistic so unrated responses are not penalized.
func Evaluate(resp Response) float64 {
	length := float64(len(resp.Content)) / lengthSaturation
	if length > 1 {
		length = 1
	}

	structure := sparseStructure
	for _, key := range structuredSectionKeys {
		if _, ok := resp.Sections[key]; ok {
			structure = 1
			break
		}
	}

	confidence := defaultConfidence
	if resp.Confidence != nil {
		confidence = clamp01(*resp.Confidence)
	}

	feedback := defaultRating
	if resp.UserRating != nil {
		feedback = clamp01(*resp.UserRating)
	}

	score := lengthWeight*length + structureWeight*structure +
		confidenceWeight*confidence + feedbackWeight*feedback
	if score > 1 {
		score = 1
	}
	return score
}

// TTLForQuality maps a quality score to a retention window as a step function
// of the base TTL. Richer answers are safe to serve longer; weak ones should
// refresh sooner since they are more likely to need correction.
func TTLForQuality(score float64, base time.Duration) time.Duration {
	switch {
	case score >= 0.8:
		return 3 * base
	case score >= 0.6:
		return 2 * base
	case score >= 0.4:
		return base
	default:
		return base / 2
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
