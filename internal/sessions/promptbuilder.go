package sessions

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var imageExtensions = map[string]string{
	".png":  "png",
	".jpg":  "jpeg",
	".jpeg": "jpeg",
	".gif":  "gif",
	".webp": "webp",
}

var documentExtensions = map[string]bool{
	".pdf": true, ".csv": true, ".docx": true, ".xlsx": true,
	".html": true, ".htm": true, ".txt": true, ".md": true,
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// BuildPromptBlocks assembles the next-turn prompt from text plus optional
// attachments into a content-block list, per spec §4.6.
func BuildPromptBlocks(text string, attachments []Attachment) []ContentBlock {
	if len(attachments) == 0 {
		return []ContentBlock{{Text: &TextBlock{Text: text}}}
	}

	names := make([]string, 0, len(attachments))
	for _, a := range attachments {
		names = append(names, a.Name)
	}
	audit := fmt.Sprintf("[Attached files: %s]", strings.Join(names, ", "))

	blocks := []ContentBlock{{Text: &TextBlock{Text: text + "\n" + audit}}}
	for _, a := range attachments {
		if b, ok := classifyAttachment(a); ok {
			blocks = append(blocks, b)
		}
		// Attachments with an unrecognized file extension are silently
		// omitted; ClassifyAndCount reports how many were skipped.
	}
	return blocks
}

// ClassifyAndCount is like BuildPromptBlocks but also reports how many
// attachments were skipped because their file extension was not recognized,
// so callers can log a warning without the prompt becoming invalid.
// Attachments are classified by the extension of Name only; ContentType is
// not consulted.
func ClassifyAndCount(text string, attachments []Attachment) ([]ContentBlock, int) {
	blocks := BuildPromptBlocks(text, attachments)
	recognized := len(blocks) - 1
	if len(attachments) == 0 {
		recognized = 0
	}
	return blocks, len(attachments) - recognized
}

func classifyAttachment(a Attachment) (ContentBlock, bool) {
	ext := strings.ToLower(filepath.Ext(a.Name))
	if format, ok := imageExtensions[ext]; ok {
		return ContentBlock{Image: &ImageBlock{Format: format, Bytes: a.Data}}, true
	}
	if documentExtensions[ext] {
		return ContentBlock{Document: &DocumentBlock{
			Format: strings.TrimPrefix(ext, "."),
			Name:   sanitizeFilename(a.Name),
			Bytes:  a.Data,
		}}, true
	}
	return ContentBlock{}, false
}

// sanitizeFilename strips characters most model backends reject in document
// filenames, keeping the extension intact.
func sanitizeFilename(name string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	base = unsafeFilenameChars.ReplaceAllString(base, "_")
	if base == "" {
		base = "file"
	}
	return base + ext
}
