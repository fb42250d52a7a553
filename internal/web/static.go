package web

import (
	"embed"
)

// staticFiles holds the embedded control page and its assets.
//
//go:embed static/*
var staticFiles embed.FS
