package feedback

import (
	"fmt"
	"sort"
)

// Signal kinds emitted by the gap detector.
const (
	SignalZeroResults       = "zero_results"
	SignalLowTopScore       = "low_top_score"
	SignalRepeatedGap       = "repeated_identifier_gap"
	SignalChronicTruncation = "chronic_truncation"
)

// lowScoreThreshold marks a retrieval whose best candidate was too weak to
// trust.
const lowScoreThreshold = 0.60

// repeatedGapMin is how many reports name the same identifier before it
// becomes a high-priority signal.
const repeatedGapMin = 3

// chronicTruncationMin is how many truncations of the same unit count as
// chronic.
const chronicTruncationMin = 3

// Signal is one prioritized improvement suggestion.
type Signal struct {
	Priority string `json:"priority"` // high, medium, low
	Kind     string `json:"kind"`
	Subject  string `json:"subject"` // the query or identifier concerned
	Count    int    `json:"count"`
	Detail   string `json:"detail"`
}

var priorityRank = map[string]int{"high": 0, "medium": 1, "low": 2}

// GapDetector derives signals from a feedback window.
type GapDetector struct{}

// NewGapDetector creates a detector.
func NewGapDetector() *GapDetector {
	return &GapDetector{}
}

// Detect scans the entries and emits signals ordered by priority, then by
// occurrence count, then by subject.
func (d *GapDetector) Detect(entries []Entry) []Signal {
	zeroResults := map[string]int{}
	lowScores := map[string]int{}
	identifierGaps := map[string]int{}
	truncations := map[string]int{}

	for _, e := range entries {
		switch e.Kind {
		case KindExplain:
			if e.ResultCount == 0 {
				zeroResults[e.Query]++
			} else if e.TopScore < lowScoreThreshold {
				lowScores[e.Query]++
			}
			for _, id := range e.TruncatedUnits {
				truncations[id]++
			}
		case KindGap:
			if e.ExpectedIdentifier != "" {
				identifierGaps[e.ExpectedIdentifier]++
			}
		case KindRating:
			for _, id := range e.Missing {
				identifierGaps[id]++
			}
		}
	}

	var signals []Signal
	for query, n := range zeroResults {
		signals = append(signals, Signal{
			Priority: "high",
			Kind:     SignalZeroResults,
			Subject:  query,
			Count:    n,
			Detail:   fmt.Sprintf("query returned no results %d time(s)", n),
		})
	}
	for query, n := range lowScores {
		signals = append(signals, Signal{
			Priority: "medium",
			Kind:     SignalLowTopScore,
			Subject:  query,
			Count:    n,
			Detail:   fmt.Sprintf("top score below %.2f on %d retrieval(s)", lowScoreThreshold, n),
		})
	}
	for id, n := range identifierGaps {
		if n < repeatedGapMin {
			continue
		}
		signals = append(signals, Signal{
			Priority: "high",
			Kind:     SignalRepeatedGap,
			Subject:  id,
			Count:    n,
			Detail:   fmt.Sprintf("%q reported missing %d times", id, n),
		})
	}
	for id, n := range truncations {
		if n < chronicTruncationMin {
			continue
		}
		signals = append(signals, Signal{
			Priority: "low",
			Kind:     SignalChronicTruncation,
			Subject:  id,
			Count:    n,
			Detail:   fmt.Sprintf("%q truncated on %d retrieval(s); consider finer chunks", id, n),
		})
	}

	sort.Slice(signals, func(i, j int) bool {
		if priorityRank[signals[i].Priority] != priorityRank[signals[j].Priority] {
			return priorityRank[signals[i].Priority] < priorityRank[signals[j].Priority]
		}
		if signals[i].Count != signals[j].Count {
			return signals[i].Count > signals[j].Count
		}
		return signals[i].Subject < signals[j].Subject
	})
	return signals
}
