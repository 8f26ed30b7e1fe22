package analyzer

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/storyctl/internal/codeindex"
	"github.com/basket/storyctl/internal/llm"
	"github.com/basket/storyctl/internal/model"
)

type fakeLLM struct {
	resp llm.Response
	err  error
	last llm.Request
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	f.last = req
	if f.err != nil {
		return llm.Response{}, f.err
	}
	return f.resp, nil
}

type fakeIndex struct {
	hits []codeindex.Hit
	err  error
}

func (f *fakeIndex) Search(ctx context.Context, repoPath, query string, limit int) ([]codeindex.Hit, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

func TestAnalyzer_AnalyzeSuccess(t *testing.T) {
	client := &fakeLLM{resp: llm.Response{Text: `{
		"summary": "add rate limiting to the API gateway",
		"coreRequirements": ["token bucket per client", "429 on exhaustion"],
		"technicalConstraints": ["must not add external dependencies"],
		"affectedFiles": ["internal/gateway/middleware.go"],
		"suggestedApproach": "wrap the existing handler chain with a limiter middleware"
	}`}}
	index := &fakeIndex{hits: []codeindex.Hit{{Path: "internal/gateway/middleware.go", Snippet: "func Chain(", Score: 3}}}

	a, err := New(client, index)
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}

	story := model.Story{ID: "s1", Title: "Add rate limiting", Description: "Protect the gateway from abuse", RepositoryPath: "/repo"}
	got, err := a.Analyze(context.Background(), story)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if got.Summary == "" || got.SuggestedApproach == "" {
		t.Fatalf("expected populated context, got %+v", got)
	}
	if len(got.CoreRequirements) != 2 {
		t.Fatalf("expected 2 core requirements, got %d", len(got.CoreRequirements))
	}
	if client.last.Prompt == "" {
		t.Fatalf("expected prompt to be built")
	}
}

func TestAnalyzer_AnalyzeDegradesWhenIndexFails(t *testing.T) {
	client := &fakeLLM{resp: llm.Response{Text: `{"summary": "ok", "suggestedApproach": "do it"}`}}
	index := &fakeIndex{err: errors.New("repo path not found")}

	a, err := New(client, index)
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}

	story := model.Story{ID: "s1", Title: "Add rate limiting", RepositoryPath: "/repo"}
	if _, err := a.Analyze(context.Background(), story); err != nil {
		t.Fatalf("expected analysis to succeed despite index failure, got %v", err)
	}
}

func TestAnalyzer_AnalyzeWrapsTransportErrorAsLLMUnavailable(t *testing.T) {
	client := &fakeLLM{err: errors.New("connection refused")}
	a, err := New(client, nil)
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}

	_, err = a.Analyze(context.Background(), model.Story{ID: "s1", Title: "x"})
	var aerr *Error
	if !errors.As(err, &aerr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if aerr.Kind != model.ErrorKindLLMUnavailable {
		t.Fatalf("expected llm_unavailable, got %s", aerr.Kind)
	}
}

func TestAnalyzer_AnalyzeWrapsUnparseableResponseAsParseError(t *testing.T) {
	client := &fakeLLM{resp: llm.Response{Text: "I'm not sure how to help with that."}}
	a, err := New(client, nil)
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}

	_, err = a.Analyze(context.Background(), model.Story{ID: "s1", Title: "x"})
	var aerr *Error
	if !errors.As(err, &aerr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if aerr.Kind != model.ErrorKindLLMParseError {
		t.Fatalf("expected llm_parse_error, got %s", aerr.Kind)
	}
}

func TestAnalyzer_AnalyzeRejectsMissingRequiredField(t *testing.T) {
	client := &fakeLLM{resp: llm.Response{Text: `{"summary": "missing suggestedApproach"}`}}
	a, err := New(client, nil)
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}

	_, err = a.Analyze(context.Background(), model.Story{ID: "s1", Title: "x"})
	var aerr *Error
	if !errors.As(err, &aerr) || aerr.Kind != model.ErrorKindLLMParseError {
		t.Fatalf("expected llm_parse_error, got %v", err)
	}
}
