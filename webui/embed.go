// Package webui exposes the embedded dashboard page.
// It lives at the module root to embed the sibling "web/" directory.
package webui

import "embed"

// FS holds web/index.html and its script.
//
//go:embed web
var FS embed.FS
