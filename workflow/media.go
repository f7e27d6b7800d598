package workflow

import (
	"encoding/base64"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/types"
)

// convertImages turns accumulated image artifacts into executor input.
// URL wins over inline content; artifacts with neither are skipped.
func convertImages(artifacts []types.ImageArtifact, logger *zap.Logger) []types.Image {
	if len(artifacts) == 0 {
		return nil
	}
	images := make([]types.Image, 0, len(artifacts))
	for i, a := range artifacts {
		switch {
		case a.URL != "":
			images = append(images, types.Image{URL: a.URL})
		case len(a.Content) > 0:
			images = append(images, types.Image{
				Content: decodeMaybeBase64(a.Content),
				Format:  formatFromMime(a.MimeType),
			})
		default:
			logger.Warn("skipping image artifact without url or content",
				zap.Int("index", i), zap.String("id", a.ID))
		}
	}
	return images
}

func convertVideos(artifacts []types.VideoArtifact, logger *zap.Logger) []types.Video {
	if len(artifacts) == 0 {
		return nil
	}
	videos := make([]types.Video, 0, len(artifacts))
	for i, a := range artifacts {
		switch {
		case a.URL != "":
			videos = append(videos, types.Video{URL: a.URL})
		case len(a.Content) > 0:
			videos = append(videos, types.Video{Content: a.Content, Format: formatFromMime(a.MimeType)})
		default:
			logger.Warn("skipping video artifact without url or content",
				zap.Int("index", i), zap.String("id", a.ID))
		}
	}
	return videos
}

func convertAudio(artifacts []types.AudioArtifact, logger *zap.Logger) []types.Audio {
	if len(artifacts) == 0 {
		return nil
	}
	audio := make([]types.Audio, 0, len(artifacts))
	for i, a := range artifacts {
		switch {
		case a.URL != "":
			audio = append(audio, types.Audio{URL: a.URL})
		case a.Base64Audio != "":
			audio = append(audio, types.Audio{
				Content: decodeMaybeBase64([]byte(a.Base64Audio)),
				Format:  formatFromMime(a.MimeType),
			})
		default:
			logger.Warn("skipping audio artifact without url or base64 data",
				zap.Int("index", i), zap.String("id", a.ID))
		}
	}
	return audio
}

// decodeMaybeBase64 decodes content produced by tools that return base64
// text. Content that is not strict base64 is treated as raw bytes.
func decodeMaybeBase64(content []byte) []byte {
	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(content)))
	n, err := base64.StdEncoding.Strict().Decode(decoded, content)
	if err != nil {
		return content
	}
	return decoded[:n]
}

// formatFromMime returns "png" for "image/png".
func formatFromMime(mime string) string {
	if i := strings.LastIndex(mime, "/"); i >= 0 {
		return mime[i+1:]
	}
	return ""
}
