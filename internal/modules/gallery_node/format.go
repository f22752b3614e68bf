package gallerynode

import "fmt"

// FormatDuration renders milliseconds as mm:ss. Minutes are not wrapped
// into hours.
func FormatDuration(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	total := ms / 1000
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
