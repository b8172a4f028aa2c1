package types

import (
	"mime"
	"path/filepath"
	"sort"
	"strings"
)

// Format is a supported 3-D model file format, identified by its lowercase extension.
type Format string

const (
	FormatFBX  Format = "fbx"
	FormatOBJ  Format = "obj"
	FormatGLTF Format = "gltf"
	FormatGLB  Format = "glb"
	FormatVRM  Format = "vrm"
	FormatBVH  Format = "bvh"
)

// mimeTypes lists the acceptable MIME types per format. The first entry is the
// type used when serving an artifact of that format.
var mimeTypes = map[Format][]string{
	FormatFBX:  {"application/octet-stream", "application/x-autodesk-fbx"},
	FormatOBJ:  {"application/x-tgif", "text/plain", "application/octet-stream"},
	FormatGLTF: {"model/gltf+json", "application/json"},
	FormatGLB:  {"model/gltf-binary"},
	FormatVRM:  {"application/octet-stream", "model/gltf-binary", "model/vrml"},
	FormatBVH:  {"application/octet-stream"},
}

// ParseFormat normalizes s (case-insensitive, optional leading dot) into a Format.
func ParseFormat(s string) (Format, bool) {
	f := Format(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")))
	if _, ok := mimeTypes[f]; !ok {
		return "", false
	}
	return f, true
}

// FormatFromFilename derives the format from a file name's extension.
func FormatFromFilename(name string) (Format, bool) {
	ext := filepath.Ext(name)
	if ext == "" {
		return "", false
	}
	return ParseFormat(ext)
}

// SupportedFormats returns all formats in stable order.
func SupportedFormats() []Format {
	out := make([]Format, 0, len(mimeTypes))
	for f := range mimeTypes {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// String implements fmt.Stringer.
func (f Format) String() string { return string(f) }

// Valid reports whether f is a known format.
func (f Format) Valid() bool {
	_, ok := mimeTypes[f]
	return ok
}

// MIMEType is the content type used when serving an artifact of this format.
func (f Format) MIMEType() string {
	if types := mimeTypes[f]; len(types) > 0 {
		return types[0]
	}
	return "application/octet-stream"
}

// MIMETypes returns a copy of the acceptable MIME types.
func (f Format) MIMETypes() []string {
	return append([]string(nil), mimeTypes[f]...)
}

// AcceptsMIME reports whether the content type is consistent with the format.
// Parameters such as charset are ignored; an empty type is accepted.
func (f Format) AcceptsMIME(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	for _, allowed := range mimeTypes[f] {
		if mt == allowed {
			return true
		}
	}
	return false
}

// AnimationOnly reports whether the format carries animation data only.
func (f Format) AnimationOnly() bool { return f == FormatBVH }

// Filename returns the download name for an artifact in this format.
func (f Format) Filename() string { return "converted." + string(f) }

// SupportsPair reports whether a conversion from in to out is offered.
// Identical pairs are not conversions and are rejected.
func SupportsPair(in, out Format) bool {
	return in.Valid() && out.Valid() && in != out
}

// GuessMIMEType guesses a content type from a file name, ignoring parameters.
// It returns "" when the platform has no mapping for the extension.
func GuessMIMEType(name string) string {
	ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return mt
}
