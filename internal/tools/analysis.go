package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fablecraft/fablecraft/internal/agent"
	"github.com/fablecraft/fablecraft/internal/world"
	"github.com/fablecraft/fablecraft/pkg/models"
)

// AnalyzeStoryHandler computes per-document statistics and entity
// mention counts across the project's documents.
type AnalyzeStoryHandler struct {
	Store     world.Store
	ProjectID string
}

type analyzeStoryArgs struct {
	DocumentID string `json:"document_id"`
}

type documentStats struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	WordCount int    `json:"word_count"`
}

type entityMentions struct {
	EntityID string `json:"entity_id"`
	Name     string `json:"name"`
	Mentions int    `json:"mentions"`
}

type storyAnalysis struct {
	Documents      []documentStats  `json:"documents"`
	TotalWords     int              `json:"total_words"`
	EntityMentions []entityMentions `json:"entity_mentions"`
	Orphans        []string         `json:"orphans,omitempty"`
}

func (h *AnalyzeStoryHandler) Name() string { return "analyze_story" }

func (h *AnalyzeStoryHandler) Description() string {
	return "Analyze the project's documents: word counts, entity mention counts, and entities never mentioned. Pass document_id to restrict to one document."
}

func (h *AnalyzeStoryHandler) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"document_id": {"type": "string"}
		},
		"additionalProperties": false
	}`)
}

func (h *AnalyzeStoryHandler) Execute(ctx context.Context, args json.RawMessage) (*agent.HandlerResult, error) {
	var in analyzeStoryArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}

	var docs []*models.Document
	if in.DocumentID != "" {
		doc, err := h.Store.GetDocument(ctx, in.DocumentID)
		if err != nil {
			return nil, err
		}
		docs = []*models.Document{doc}
	} else {
		var err error
		docs, err = h.Store.ListDocuments(ctx, h.ProjectID)
		if err != nil {
			return nil, err
		}
	}

	entities, err := h.Store.ListEntities(ctx, world.EntityFilter{ProjectID: h.ProjectID})
	if err != nil {
		return nil, err
	}

	analysis := storyAnalysis{}
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		words := len(strings.Fields(doc.Content))
		analysis.Documents = append(analysis.Documents, documentStats{
			ID: doc.ID, Title: doc.Title, WordCount: words,
		})
		analysis.TotalWords += words
	}

	for _, entity := range entities {
		mentions := 0
		for _, doc := range docs {
			mentions += countMentions(doc.Content, entity.Name)
		}
		if mentions == 0 {
			analysis.Orphans = append(analysis.Orphans, entity.Name)
			continue
		}
		analysis.EntityMentions = append(analysis.EntityMentions, entityMentions{
			EntityID: entity.ID, Name: entity.Name, Mentions: mentions,
		})
	}

	return &agent.HandlerResult{
		Data: models.RawArgs(analysis),
		Summary: fmt.Sprintf("analyzed %d documents, %d words",
			len(analysis.Documents), analysis.TotalWords),
	}, nil
}

// countMentions counts case-insensitive whole-word occurrences of name.
func countMentions(content, name string) int {
	if name == "" {
		return 0
	}
	lower := strings.ToLower(content)
	target := strings.ToLower(name)

	count := 0
	for idx := 0; ; {
		i := strings.Index(lower[idx:], target)
		if i < 0 {
			return count
		}
		start := idx + i
		end := start + len(target)
		if boundaryAt(lower, start-1) && boundaryAt(lower, end) {
			count++
		}
		idx = end
	}
}

func boundaryAt(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	c := s[i]
	return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_')
}
