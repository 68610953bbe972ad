package trialchat

import "embed"

// TemplateFS contains the embedded HTML templates of the chat page, organized in a directory structure
// that separates layouts, pages, and partial views.
//
//go:embed templates/*
var TemplateFS embed.FS

// StaticFS contains the script and stylesheet the chat page loads.
//
//go:embed static/*
var StaticFS embed.FS
