// Package workflow holds the graph templates submitted to workers and the
// rewriter that binds one job's inputs into a fresh copy. Templates are
// treated as opaque trees with two semantic hooks: the node titled
// InputImageBase64 receives the image payload, and SaveImage-class nodes get
// a per-submission filename prefix so the worker never serves a stale cached
// result for a new job.
package workflow

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
)

//go:embed templates/*.json
var templateFS embed.FS

// Kind selects one of the processing pipelines.
type Kind string

const (
	KindRemoveBackground Kind = "remove-background"
	KindUpscaleImage     Kind = "upscale-image"
	KindUpscaleRemoveBG  Kind = "upscale-remove-bg"
)

// Kinds lists every supported pipeline.
func Kinds() []Kind {
	return []Kind{KindRemoveBackground, KindUpscaleImage, KindUpscaleRemoveBG}
}

// ParseKind validates a client-supplied kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindRemoveBackground, KindUpscaleImage, KindUpscaleRemoveBG:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

var templateFiles = map[Kind]string{
	KindRemoveBackground: "templates/remove_background.json",
	KindUpscaleImage:     "templates/upscale.json",
	KindUpscaleRemoveBG:  "templates/upscale_remove_bg.json",
}

// Targets maps each kind to the node id whose history outputs carry the final
// image. Callers fall back to the first node with images when the target
// yields none.
var Targets = map[Kind]string{
	KindRemoveBackground: "30",
	KindUpscaleImage:     "40",
	KindUpscaleRemoveBG:  "50",
}

// Format names the container the worker should encode results into.
type Format string

const (
	FormatPNG  Format = "PNG"
	FormatJPEG Format = "JPEG"
	FormatWEBP Format = "WEBP"
)

// ParseFormat normalizes a client-supplied format. Empty input means PNG.
func ParseFormat(s string) (Format, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "PNG":
		return FormatPNG, nil
	case "JPEG", "JPG":
		return FormatJPEG, nil
	case "WEBP":
		return FormatWEBP, nil
	}
	return "", fmt.Errorf("unsupported output format %q", s)
}

const (
	inputSentinel = "InputImageBase64"
	saveClass     = "SaveImage"
)

// Params carries the per-submission values bound into a template copy.
type Params struct {
	// Image is the base64 payload without any data-URL prefix.
	Image string
	// FilenameToken is appended to every save node's filename_prefix.
	FilenameToken string
	Format        Format
	Crop          bool
}

// Build produces an independent graph for one submission. The template is
// decoded fresh on every call, so callers may mutate the result freely and
// concurrent submissions never share state.
func Build(kind Kind, p Params) (map[string]any, error) {
	name, ok := templateFiles[kind]
	if !ok {
		return nil, fmt.Errorf("no template for kind %q", kind)
	}
	raw, err := templateFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", name, err)
	}
	var graph map[string]any
	if err := json.Unmarshal(raw, &graph); err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	for _, n := range graph {
		node, ok := n.(map[string]any)
		if !ok {
			continue
		}
		rewriteNode(node, p)
	}
	return graph, nil
}

// rewriteNode applies the semantic hooks plus the format/crop parameters to
// nodes that declare them. Parameters only overwrite inputs of the matching
// type so graph wiring arrays are never clobbered.
func rewriteNode(node map[string]any, p Params) {
	inputs, _ := node["inputs"].(map[string]any)
	if inputs == nil {
		return
	}
	if nodeTitle(node) == inputSentinel {
		inputs["image"] = p.Image
	}
	if class, _ := node["class_type"].(string); strings.HasPrefix(class, saveClass) {
		if prefix, ok := inputs["filename_prefix"].(string); ok {
			inputs["filename_prefix"] = prefix + "_" + p.FilenameToken
		}
	}
	if _, ok := inputs["format"].(string); ok {
		inputs["format"] = string(p.Format)
	}
	if _, ok := inputs["crop"].(bool); ok {
		inputs["crop"] = p.Crop
	}
}

func nodeTitle(node map[string]any) string {
	meta, _ := node["_meta"].(map[string]any)
	if meta == nil {
		return ""
	}
	title, _ := meta["title"].(string)
	return title
}

// StripDataURL removes a "data:<mime>;base64," prefix when present,
// returning the bare base64 payload.
func StripDataURL(s string) string {
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	if i := strings.Index(s, ";base64,"); i >= 0 {
		return s[i+len(";base64,"):]
	}
	return s
}
