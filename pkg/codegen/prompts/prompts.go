// Package prompts embeds the code generation system prompts.
package prompts

import "embed"

//go:embed *.md
var PromptsFS embed.FS
