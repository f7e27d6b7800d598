// =============================================================================
// 📦 测试数据工厂 - Agent 响应与媒体测试数据
// =============================================================================
// 提供预定义的 AgentResponse 与媒体产物，用于测试
// =============================================================================
package fixtures

import (
	"encoding/base64"

	"github.com/BaSui01/stepflow/types"
)

// =============================================================================
// 🎯 AgentResponse 工厂
// =============================================================================

// SimpleResponse 返回简单的文本响应
func SimpleResponse(content string) *types.AgentResponse {
	return &types.AgentResponse{
		Content: content,
		Metrics: map[string]any{
			"input_tokens":  10,
			"output_tokens": 20,
		},
	}
}

// ResponseWithState 返回携带会话状态增量的响应
func ResponseWithState(content string, delta map[string]any) *types.AgentResponse {
	resp := SimpleResponse(content)
	resp.SessionState = delta
	return resp
}

// ResponseWithMedia 返回携带图片与视频的响应
func ResponseWithMedia(content string) *types.AgentResponse {
	resp := SimpleResponse(content)
	resp.Images = []types.ImageArtifact{SampleImage()}
	resp.Videos = []types.VideoArtifact{SampleVideo()}
	return resp
}

// =============================================================================
// 🖼️ 媒体产物
// =============================================================================

// SampleImage 返回内联字节的图片
func SampleImage() types.ImageArtifact {
	return types.ImageArtifact{
		ID:       "img-001",
		Content:  []byte("imgdata"),
		MimeType: "image/png",
	}
}

// SampleVideo 返回内联字节的视频
func SampleVideo() types.VideoArtifact {
	return types.VideoArtifact{
		ID:       "vid-001",
		Content:  []byte("viddata"),
		MimeType: "video/mp4",
	}
}

// SampleAudio 返回 base64 内联音频
func SampleAudio() types.AudioArtifact {
	return types.AudioArtifact{
		ID:          "aud-001",
		Base64Audio: base64.StdEncoding.EncodeToString([]byte("auddata")),
		MimeType:    "audio/wav",
	}
}

// URLImage 返回仅有 URL 的图片
func URLImage(url string) types.ImageArtifact {
	return types.ImageArtifact{ID: "img-url", URL: url}
}
