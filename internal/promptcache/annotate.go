// Package promptcache marks outbound content blocks as cacheable by the
// model backend. Upstream caches key on whole-block boundaries, so large
// system prompts are split into paragraph-bounded chunks that each get an
// independent cache annotation.
package promptcache

import (
	"strings"

	"drover/internal/message"
)

const (
	// MinCacheableSize is the minimum serialized size for a block to be
	// worth caching. Smaller blocks don't benefit.
	MinCacheableSize = 1024

	// MaxChunkSize caps a split chunk. Whole paragraphs accumulate until
	// the next one would exceed this.
	MaxChunkSize = 4096

	// DefaultTTL is the cache TTL for system prompts.
	DefaultTTL = "5m"

	// LongTTL is for long-lived reused content.
	LongTTL = "1h"
)

// Annotate returns a copy of blocks with cache control attached to every
// text and tool_result block whose content is at least MinCacheableSize
// bytes. Blocks of other types and undersized blocks pass through untouched.
func Annotate(blocks []message.ContentBlock, ttl string) []message.ContentBlock {
	if ttl == "" {
		ttl = DefaultTTL
	}

	result := make([]message.ContentBlock, len(blocks))
	for i, block := range blocks {
		result[i] = block

		switch block.Type {
		case message.BlockText:
			if len(block.Text) >= MinCacheableSize {
				result[i].CacheControl = &message.CacheControl{Type: "ephemeral", TTL: ttl}
			}
		case message.BlockToolResult:
			if len(block.Content) >= MinCacheableSize {
				result[i].CacheControl = &message.CacheControl{Type: "ephemeral", TTL: ttl}
			}
		}
	}
	return result
}

// SplitSystemPrompt prepares a system prompt for caching. Small prompts come
// back as a single untagged block. Oversized prompts are split at paragraph
// boundaries into chunks of at most MaxChunkSize characters; every chunk
// that still meets MinCacheableSize is tagged independently. Concatenating
// the trimmed chunk texts reproduces the original content.
func SplitSystemPrompt(prompt string) []message.ContentBlock {
	if len(prompt) < MinCacheableSize {
		return []message.ContentBlock{message.Text(prompt)}
	}

	sections := splitParagraphs(prompt)
	blocks := make([]message.ContentBlock, 0, len(sections))
	for _, section := range sections {
		block := message.Text(section)
		if len(section) >= MinCacheableSize {
			block.CacheControl = &message.CacheControl{Type: "ephemeral", TTL: DefaultTTL}
		}
		blocks = append(blocks, block)
	}
	return blocks
}

// splitParagraphs accumulates whole paragraphs until the next one would push
// the chunk past MaxChunkSize, then starts a new chunk.
func splitParagraphs(prompt string) []string {
	paragraphs := strings.Split(prompt, "\n\n")

	var sections []string
	var current strings.Builder

	for _, para := range paragraphs {
		if current.Len() > 0 && current.Len()+len(para)+2 > MaxChunkSize {
			sections = append(sections, strings.TrimSpace(current.String()))
			current.Reset()
		}
		current.WriteString(para)
		current.WriteString("\n\n")
	}

	if current.Len() > 0 {
		sections = append(sections, strings.TrimSpace(current.String()))
	}
	return sections
}
