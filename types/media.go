package types

// =============================================================================
// Media
// =============================================================================
// Artifacts are what steps produce and what a run accumulates. The request-side
// Image / Video / Audio are what executors receive.
// =============================================================================

// ImageArtifact is an image produced by, or passed into, a workflow run.
// Content may hold raw bytes or base64 text.
type ImageArtifact struct {
	ID            string `json:"id,omitempty"`
	URL           string `json:"url,omitempty"`
	Content       []byte `json:"content,omitempty"`
	MimeType      string `json:"mime_type,omitempty"`
	Alt           string `json:"alt,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// VideoArtifact is a video produced by, or passed into, a workflow run.
type VideoArtifact struct {
	ID       string  `json:"id,omitempty"`
	URL      string  `json:"url,omitempty"`
	Content  []byte  `json:"content,omitempty"`
	MimeType string  `json:"mime_type,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// AudioArtifact is an audio clip. Inline audio is carried as base64 text.
type AudioArtifact struct {
	ID          string  `json:"id,omitempty"`
	URL         string  `json:"url,omitempty"`
	Base64Audio string  `json:"base64_audio,omitempty"`
	MimeType    string  `json:"mime_type,omitempty"`
	Duration    float64 `json:"duration,omitempty"`
	SampleRate  int     `json:"sample_rate,omitempty"`
}

// HasSource reports whether the artifact carries a URL or inline content.
func (a ImageArtifact) HasSource() bool { return a.URL != "" || len(a.Content) > 0 }

// HasSource reports whether the artifact carries a URL or inline content.
func (a VideoArtifact) HasSource() bool { return a.URL != "" || len(a.Content) > 0 }

// HasSource reports whether the artifact carries a URL or inline content.
func (a AudioArtifact) HasSource() bool { return a.URL != "" || a.Base64Audio != "" }

// Image is executor-facing image input.
type Image struct {
	URL     string `json:"url,omitempty"`
	Content []byte `json:"content,omitempty"`
	Format  string `json:"format,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Video is executor-facing video input.
type Video struct {
	URL     string `json:"url,omitempty"`
	Content []byte `json:"content,omitempty"`
	Format  string `json:"format,omitempty"`
}

// Audio is executor-facing audio input.
type Audio struct {
	URL     string `json:"url,omitempty"`
	Content []byte `json:"content,omitempty"`
	Format  string `json:"format,omitempty"`
}
