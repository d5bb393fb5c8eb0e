package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	defaultSummaryMaxChars = 8000
	defaultChunkWords      = 100
	defaultTopChunks       = 5

	summaryTemperature = 0.3
	summaryMaxTokens   = 1500
	answerTemperature  = 0.2
	answerMaxTokens    = 1000
)

const summarySystemPrompt = `You are a research assistant for life-science papers.
Write a clear summary for a reader who has not seen the paper. Cover the research question,
the methods, the key findings and their significance, and any stated limitations.
Use short paragraphs or bullet points. Do not invent details that are not in the text.`

const answerSystemPrompt = `You are a research assistant answering questions about one paper.
Answer only from the excerpts provided. If the excerpts do not contain the answer, say so plainly.
Keep the answer concise and cite the relevant finding or section when possible.`

// EngineConfig configures PaperEngine.
type EngineConfig struct {
	Generator TextGenerator
	// Embedder is optional. Without one, questions are matched lexically.
	Embedder        Embedder
	SummaryMaxChars int
	ChunkWords      int
	TopChunks       int
}

// Digest is the result of summarizing an uploaded paper.
type Digest struct {
	Summary string
	// Text is the normalized document text kept for later questions.
	Text  string
	Pages int
	// Embeddings holds one vector per ChunkWords chunk of Text, or nil
	// when no embedder is configured.
	Embeddings [][]float32
}

// Document is the stored state a question is answered against.
type Document struct {
	Text       string
	Embeddings [][]float32
}

// PaperEngine summarizes PDFs and answers questions against their text.
type PaperEngine struct {
	generator       TextGenerator
	embedder        Embedder
	summaryMaxChars int
	chunkWords      int
	topChunks       int
}

// NewPaperEngine validates cfg and applies defaults.
func NewPaperEngine(cfg EngineConfig) (*PaperEngine, error) {
	if cfg.Generator == nil {
		return nil, errors.New("paper engine requires a text generator")
	}
	e := &PaperEngine{
		generator:       cfg.Generator,
		embedder:        cfg.Embedder,
		summaryMaxChars: cfg.SummaryMaxChars,
		chunkWords:      cfg.ChunkWords,
		topChunks:       cfg.TopChunks,
	}
	if e.summaryMaxChars <= 0 {
		e.summaryMaxChars = defaultSummaryMaxChars
	}
	if e.chunkWords <= 0 {
		e.chunkWords = defaultChunkWords
	}
	if e.topChunks <= 0 {
		e.topChunks = defaultTopChunks
	}
	return e, nil
}

// Summarize extracts the PDF text and generates a summary of its leading part.
func (e *PaperEngine) Summarize(ctx context.Context, data []byte) (Digest, error) {
	text, pages, err := ExtractPDFText(data)
	if err != nil {
		return Digest{}, err
	}
	summary, err := e.generator.GenerateText(ctx, Prompt{
		System:      summarySystemPrompt,
		User:        "Summarize the following research paper.\n\n" + truncateRunes(text, e.summaryMaxChars),
		Temperature: summaryTemperature,
		MaxTokens:   summaryMaxTokens,
	})
	if err != nil {
		return Digest{}, fmt.Errorf("summarize: %w", err)
	}
	digest := Digest{Summary: summary, Text: text, Pages: pages}
	if e.embedder != nil {
		vectors, err := embedAll(ctx, e.embedder, ChunkWords(text, e.chunkWords), TaskRetrievalDocument)
		if err != nil {
			return Digest{}, fmt.Errorf("embed chunks: %w", err)
		}
		digest.Embeddings = vectors
	}
	return digest, nil
}

// Answer answers question from the chunks of doc closest to it.
func (e *PaperEngine) Answer(ctx context.Context, doc Document, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", errors.New("question required")
	}
	excerpts, err := e.selectChunks(ctx, doc, question)
	if err != nil {
		return "", err
	}
	if len(excerpts) == 0 {
		return "", ErrNoText
	}
	var b strings.Builder
	b.WriteString("Excerpts from the paper:\n\n")
	b.WriteString(strings.Join(excerpts, "\n\n"))
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\n\nAnswer:")
	answer, err := e.generator.GenerateText(ctx, Prompt{
		System:      answerSystemPrompt,
		User:        b.String(),
		Temperature: answerTemperature,
		MaxTokens:   answerMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("answer: %w", err)
	}
	return answer, nil
}

// selectChunks ranks by embedding similarity when the document carries one
// vector per chunk, and lexically otherwise.
func (e *PaperEngine) selectChunks(ctx context.Context, doc Document, question string) ([]string, error) {
	chunks := ChunkWords(doc.Text, e.chunkWords)
	if e.embedder == nil || len(chunks) == 0 || len(doc.Embeddings) != len(chunks) {
		return TopChunks(chunks, question, e.topChunks), nil
	}
	query, err := e.embedder.EmbedText(ctx, question, TaskRetrievalQuery)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	return TopChunksByVector(chunks, doc.Embeddings, query, e.topChunks), nil
}
