package util

import "github.com/rs/zerolog"

type DiskSpaceInfo struct {
	AvailBytes uint64
	AvailGB    float64
	TotalGB    float64
	UsedGB     float64
}

func (d DiskSpaceInfo) Low(minGB int) bool {
	return d.AvailGB < float64(minGB)
}

// LogDiskSpace reports free space for path and warns below minGB.
func LogDiskSpace(log zerolog.Logger, path string, minGB int) {
	ds, err := GetDiskSpace(path)
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("Disk space unavailable")
		return
	}
	ev := log.Info()
	if ds.Low(minGB) {
		ev = log.Warn().Int("thresholdGB", minGB)
	}
	ev.Str("path", path).
		Float64("availGB", ds.AvailGB).
		Float64("totalGB", ds.TotalGB).
		Msg("Disk space")
}
