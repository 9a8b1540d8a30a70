package util

import "strings"

// ToUserError turns ffmpeg and filesystem failure text into something a
// person uploading a file can act on. Unrecognised messages pass through.
func ToUserError(message string) string {
	msg := strings.ToLower(message)

	if strings.Contains(msg, "cancelled") || strings.Contains(msg, "canceled") {
		return "Conversion cancelled"
	}
	if strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timed out") {
		return "Conversion took too long"
	}
	if strings.Contains(msg, "moov atom not found") {
		return "The file is incomplete or damaged"
	}
	if strings.Contains(msg, "invalid data found when processing input") {
		return "The file is not a recognised video format"
	}
	if strings.Contains(msg, "no space left on device") {
		return "Server is out of disk space"
	}
	if strings.Contains(msg, "converter unavailable") {
		return "Video conversion is temporarily unavailable, try again later"
	}
	if strings.Contains(msg, "failed to start ffmpeg") || strings.Contains(msg, "executable file not found") {
		return "Video conversion is not available on this server"
	}
	if strings.Contains(msg, "encoding failed") {
		return "Processing failed"
	}
	return message
}
