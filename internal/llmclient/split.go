package llmclient

import (
	"context"
	"fmt"
	"strings"

	"github.com/knd3dayo/ai-chat-util/pkg/content"
	"github.com/knd3dayo/ai-chat-util/pkg/provider/llm"
)

// DefaultSummarizePrompt is used when [SplitPolicy.Summarize] is set without
// a prompt.
const DefaultSummarizePrompt = "The following are partial answers to the same request. Combine them into one complete answer."

// SplitPolicy divides oversized analyze requests. Zero limits disable the
// corresponding split.
type SplitPolicy struct {
	// MaxChars is the largest amount of text, in characters, sent per request.
	MaxChars int

	// MaxImagesPerRequest is the largest number of image blocks per request.
	MaxImagesPerRequest int

	// Summarize replaces the joined partial replies with one more call that
	// summarizes them.
	Summarize bool

	// SummarizePrompt prefixes the summarize call.
	SummarizePrompt string
}

// Enabled reports whether any split limit is set.
func (p SplitPolicy) Enabled() bool {
	return p.MaxChars > 0 || p.MaxImagesPerRequest > 0
}

// plan returns the block list of every request in send order.
func (p SplitPolicy) plan(blocks []content.Block, prompt string) [][]content.Block {
	var texts []string
	var images, others []content.Block
	for _, b := range blocks {
		switch b.Kind {
		case content.KindText:
			texts = append(texts, b.Text)
		case content.KindImage:
			images = append(images, b)
		default:
			others = append(others, b)
		}
	}

	combined := strings.Join(texts, "\n")
	var heads [][]content.Block
	if p.MaxChars > 0 && len([]rune(combined)) > p.MaxChars {
		for _, chunk := range chunkRunes(combined, p.MaxChars) {
			t := chunk
			if prompt != "" {
				t = prompt + "\n" + chunk
			}
			heads = append(heads, append([]content.Block{content.Text(t)}, others...))
		}
	} else {
		var head []content.Block
		if prompt != "" {
			head = append(head, content.Text(prompt))
		}
		for _, t := range texts {
			head = append(head, content.Text(t))
		}
		heads = append(heads, append(head, others...))
	}

	var groups [][]content.Block
	if p.MaxImagesPerRequest > 0 && len(images) > p.MaxImagesPerRequest {
		for i := 0; i < len(images); i += p.MaxImagesPerRequest {
			groups = append(groups, images[i:min(i+p.MaxImagesPerRequest, len(images))])
		}
	} else {
		groups = [][]content.Block{images}
	}

	var out [][]content.Block
	for _, h := range heads {
		for _, g := range groups {
			req := make([]content.Block, 0, len(h)+len(g))
			req = append(req, h...)
			out = append(out, append(req, g...))
		}
	}
	return out
}

func chunkRunes(s string, n int) []string {
	r := []rune(s)
	var out []string
	for i := 0; i < len(r); i += n {
		out = append(out, string(r[i:min(i+n, len(r))]))
	}
	return out
}

func (c *Client) analyzeSplit(ctx context.Context, blocks []content.Block, prompt string) (string, error) {
	reqs := c.split.plan(blocks, prompt)
	replies := make([]string, 0, len(reqs))
	for i, parts := range reqs {
		reply, err := c.complete(ctx, "llm.analyze", []llm.Message{{Role: llm.RoleUser, Parts: parts}})
		if err != nil {
			return "", fmt.Errorf("llmclient: analyze part %d of %d: %w", i+1, len(reqs), err)
		}
		replies = append(replies, reply)
	}
	if len(replies) == 1 {
		return replies[0], nil
	}

	if c.split.Summarize {
		sp := c.split.SummarizePrompt
		if sp == "" {
			sp = DefaultSummarizePrompt
		}
		var b strings.Builder
		b.WriteString(sp)
		b.WriteString("\n")
		for _, r := range replies {
			b.WriteString(r)
			b.WriteString("\n")
		}
		return c.complete(ctx, "llm.summarize", []llm.Message{llm.TextMessage(llm.RoleUser, b.String())})
	}

	var b strings.Builder
	for i, r := range replies {
		fmt.Fprintf(&b, "[answer_part_%d]\n%s\n", i+1, r)
	}
	return strings.TrimSpace(b.String()), nil
}
