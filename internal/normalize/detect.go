package normalize

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/knd3dayo/ai-chat-util/internal/normalize/office"
)

var imageTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

var textExtensions = map[string]struct{}{
	".txt": {}, ".md": {}, ".markdown": {}, ".csv": {}, ".tsv": {}, ".json": {}, ".jsonl": {},
	".yaml": {}, ".yml": {}, ".toml": {}, ".xml": {}, ".html": {}, ".htm": {}, ".log": {},
	".ini": {}, ".py": {}, ".go": {}, ".js": {}, ".ts": {}, ".java": {}, ".sql": {}, ".sh": {},
}

// officeTypes maps Office media types to the extension LibreOffice needs to
// pick the right import filter.
var officeTypes = map[string]string{
	"application/msword":            ".doc",
	"application/vnd.ms-excel":      ".xls",
	"application/vnd.ms-powerpoint": ".ppt",
	"application/rtf":               ".rtf",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   ".docx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         ".xlsx",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": ".pptx",
	"application/vnd.oasis.opendocument.text":                                   ".odt",
	"application/vnd.oasis.opendocument.spreadsheet":                            ".ods",
	"application/vnd.oasis.opendocument.presentation":                           ".odp",
}

// detection is the outcome of kind detection.
type detection struct {
	hint Hint
	mime string
	ext  string
}

// detect classifies a document from its name, an optional declared media
// type (e.g. an HTTP Content-Type) and its leading bytes. The extension wins
// over the declared type, which wins over content sniffing. An empty hint
// means the document is not supported.
func detect(name, declared string, head []byte) detection {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case office.IsOfficeFile(name):
		return detection{hint: HintOffice, ext: ext}
	case ext == ".pdf":
		return detection{hint: HintPDF, mime: "application/pdf", ext: ext}
	}
	if m, ok := imageTypes[ext]; ok {
		return detection{hint: HintImage, mime: m, ext: ext}
	}
	if _, ok := textExtensions[ext]; ok {
		return detection{hint: HintText, mime: "text/plain", ext: ext}
	}

	if declared != "" {
		if d, ok := fromMediaType(declared); ok {
			return d
		}
	}
	if len(head) > 0 {
		if d, ok := fromMediaType(mimetype.Detect(head).String()); ok {
			return d
		}
	}
	return detection{ext: ext}
}

func fromMediaType(v string) (detection, bool) {
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return detection{}, false
	}
	switch {
	case mt == "application/pdf":
		return detection{hint: HintPDF, mime: mt, ext: ".pdf"}, true
	case strings.HasPrefix(mt, "image/"):
		for ext, m := range imageTypes {
			if m == mt {
				return detection{hint: HintImage, mime: mt, ext: ext}, true
			}
		}
		return detection{}, false
	case strings.HasPrefix(mt, "text/"):
		return detection{hint: HintText, mime: "text/plain", ext: ".txt"}, true
	}
	if ext, ok := officeTypes[mt]; ok {
		return detection{hint: HintOffice, mime: mt, ext: ext}, true
	}
	return detection{}, false
}
