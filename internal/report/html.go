package report

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const styleCSS = `
body{font-family:-apple-system,"Segoe UI",Roboto,sans-serif;color:#1c1917;max-width:900px;margin:0 auto;padding:1.5rem;line-height:1.5;}
h1{border-bottom:2px solid #0f766e;padding-bottom:0.3rem;}
h2{color:#0f766e;margin-top:2rem;}
table{width:100%;border-collapse:collapse;font-size:0.85rem;margin:0.5rem 0;}
th,td{border:1px solid #a8a29e;padding:0.35rem 0.5rem;text-align:left;vertical-align:top;}
thead th{background:#f1f5f9;font-weight:700;}
a{color:#1d4ed8;}
li{margin:0.15rem 0;}
`

// RenderHTML converts readout markdown into a standalone HTML document.
func RenderHTML(markdown string) (string, error) {
	var content strings.Builder
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := md.Convert([]byte(markdown), &content); err != nil {
		return "", fmt.Errorf("markdown convert: %w", err)
	}
	return "<!doctype html><html><head><meta charset='utf-8'><title>Competitive Readout</title>" +
		"<style>" + styleCSS + "</style></head><body>" +
		content.String() +
		"</body></html>", nil
}
