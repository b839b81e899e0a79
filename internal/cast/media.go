package cast

import (
	"math"
	"mime"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"go2tv.app/avsession/internal/domain"
)

func mediaTypeFor(desc domain.AVMediaDescription) string {
	if mt := strings.TrimSpace(desc.MimeType); mt != "" {
		return mt
	}
	return detectURLMediaType(desc.MediaURI)
}

// Media extensions missing from minimal mime.types installs.
var mediaTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".wav":  "audio/wav",
	".m3u8": "application/vnd.apple.mpegurl",
}

func detectURLMediaType(sourceURL string) string {
	ext := mediaExt(sourceURL)
	if ext == "" {
		return "application/octet-stream"
	}
	if mt, ok := mediaTypes[ext]; ok {
		return mt
	}
	guessed := mime.TypeByExtension(ext)
	if guessed == "" {
		return "application/octet-stream"
	}
	mediaType, _, _ := strings.Cut(guessed, ";")
	return strings.TrimSpace(mediaType)
}

func mediaExt(source string) string {
	if parsed, err := url.Parse(source); err == nil && parsed.Path != "" {
		ext := strings.ToLower(path.Ext(parsed.Path))
		if isSafeExt(ext) {
			return ext
		}
	}

	ext := strings.ToLower(filepath.Ext(source))
	if isSafeExt(ext) {
		return ext
	}
	return ""
}

func isSafeExt(ext string) bool {
	if ext == "" || len(ext) > 16 || !strings.HasPrefix(ext, ".") {
		return false
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// normalizeRemoteState maps Chromecast player states and DLNA transport
// states onto playback states.
func normalizeRemoteState(s string) domain.PlaybackStateKind {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	switch s {
	case "playing":
		return domain.PlaybackPlay
	case "paused", "paused_playback":
		return domain.PlaybackPause
	case "stopped", "no_media_present":
		return domain.PlaybackStop
	case "buffering", "transitioning", "loading":
		return domain.PlaybackBuffering
	case "idle":
		return domain.PlaybackIdle
	default:
		return ""
	}
}

// parseDLNAPosition converts an "hh:mm:ss[.fff]" position into
// milliseconds.
func parseDLNAPosition(v string) (int64, bool) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 3 {
		return 0, false
	}
	hours, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, false
	}
	minutes, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || seconds < 0 {
		return 0, false
	}
	total := float64(hours*3600+minutes*60) + seconds
	return int64(math.Round(total * 1000)), true
}
