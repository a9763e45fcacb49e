package recorder

import (
	"fmt"
	"path/filepath"
	"time"
)

const timestampLayout = "2006_01_02_15_04_05"

// OutputPath builds the recording file path:
//
//	{base}/{mediaType}/{examId}/{batchId}/{candidateId}/{mediaType}_recording_{timestamp}.webm
//
// mediaType is "screen" or "webcam".
func OutputPath(base, mediaType, examID, batchID, candidateID string, at time.Time) string {
	name := fmt.Sprintf("%s_recording_%s.webm", mediaType, at.Format(timestampLayout))
	return filepath.Join(base, mediaType, examID, batchID, candidateID, name)
}
