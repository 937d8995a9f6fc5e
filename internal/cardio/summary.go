package cardio

import (
	"fmt"
	"time"
)

const summaryDateLayout = "2006-01-02"

type Summary struct {
	SessionID      string       `json:"sessionId"`
	Activity       ActivityKind `json:"activity"`
	ElapsedSeconds int64        `json:"elapsedSeconds"`
	DistanceKm     float64      `json:"distanceKm"`
	Date           string       `json:"date"`
	Text           string       `json:"text"`
}

// BuildSummary is a pure function of the final session values; the text
// looks like: "running - 125 s - 2.500 km".
func BuildSummary(sessionID string, activity ActivityKind, elapsedSeconds int64, distanceKm float64, endedAt time.Time) Summary {
	return Summary{
		SessionID:      sessionID,
		Activity:       activity,
		ElapsedSeconds: elapsedSeconds,
		DistanceKm:     distanceKm,
		Date:           endedAt.Format(summaryDateLayout),
		Text:           SummaryText(activity, elapsedSeconds, distanceKm),
	}
}

func SummaryText(activity ActivityKind, elapsedSeconds int64, distanceKm float64) string {
	return fmt.Sprintf("%s - %d s - %.3f km", activity, elapsedSeconds, distanceKm)
}

// FormatDuration formats seconds as MM:SS; minutes never roll over into hours.
func FormatDuration(totalSeconds int64) string {
	if totalSeconds < 0 {
		totalSeconds = 0
	}
	return fmt.Sprintf("%02d:%02d", totalSeconds/60, totalSeconds%60)
}
