package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes text from image outputs.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Artifact is an immutable output of one inference call.
type Artifact struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	Content   string            `json:"content,omitempty"`
	Data      []byte            `json:"data,omitempty"`
	MediaType string            `json:"media_type,omitempty"`
	URL       string            `json:"url,omitempty"`
	Provider  string            `json:"provider"`
	Model     string            `json:"model"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Hash      string            `json:"hash"`
}

// New creates a text artifact with computed hash.
func New(content, provider, model string) *Artifact {
	a := &Artifact{
		ID:        uuid.NewString(),
		Kind:      KindText,
		Content:   content,
		Provider:  provider,
		Model:     model,
		Metadata:  make(map[string]string),
		CreatedAt: time.Now().UTC(),
	}
	a.Hash = a.computeHash()
	return a
}

// NewImage creates an image artifact from raw bytes or a hosted URL.
func NewImage(data []byte, mediaType, url, provider, model string) *Artifact {
	a := &Artifact{
		ID:        uuid.NewString(),
		Kind:      KindImage,
		Data:      data,
		MediaType: mediaType,
		URL:       url,
		Provider:  provider,
		Model:     model,
		Metadata:  make(map[string]string),
		CreatedAt: time.Now().UTC(),
	}
	a.Hash = a.computeHash()
	return a
}

// WithMetadata returns a new artifact with additional metadata.
func (a *Artifact) WithMetadata(key, value string) *Artifact {
	newArtifact := *a
	newArtifact.Metadata = copyMetadata(a.Metadata)
	newArtifact.Metadata[key] = value
	return &newArtifact
}

// Verify reports whether the stored hash matches the content.
func (a *Artifact) Verify() bool {
	return a.Hash == a.computeHash()
}

func (a *Artifact) computeHash() string {
	h := sha256.New()
	h.Write([]byte(a.Kind))
	h.Write([]byte(a.Content))
	h.Write(a.Data)
	h.Write([]byte(a.URL))
	h.Write([]byte(a.Provider))
	h.Write([]byte(a.Model))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func copyMetadata(m map[string]string) map[string]string {
	newM := make(map[string]string, len(m))
	for k, v := range m {
		newM[k] = v
	}
	return newM
}
