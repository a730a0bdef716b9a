package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zen-systems/modelgate/pkg/artifact"
)

// MockAdapter returns deterministic responses for local runs and tests.
// Failures and delays can be scripted per backend model.
type MockAdapter struct {
	name            string
	responses       map[string]string
	defaultResponse string
	Usage           *Usage

	mu       sync.Mutex
	failures map[string][]error
	always   map[string]error
	delays   map[string]time.Duration
	calls    []Request
}

// NewMockAdapter creates a mock adapter with a default response.
func NewMockAdapter() *MockAdapter {
	return NewMockAdapterWithResponses(nil, "")
}

// NewMockAdapterWithResponses creates a mock adapter with predefined responses.
func NewMockAdapterWithResponses(responses map[string]string, defaultResponse string) *MockAdapter {
	if defaultResponse == "" {
		defaultResponse = "mock response:"
	}
	if responses == nil {
		responses = make(map[string]string)
	}
	return &MockAdapter{
		name:            KindMock,
		responses:       responses,
		defaultResponse: defaultResponse,
		failures:        make(map[string][]error),
		always:          make(map[string]error),
		delays:          make(map[string]time.Duration),
	}
}

// Named sets the name the adapter reports on artifacts.
func (a *MockAdapter) Named(name string) *MockAdapter {
	a.name = name
	return a
}

// FailNext queues errors returned by the next calls for model, in order.
func (a *MockAdapter) FailNext(model string, errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[model] = append(a.failures[model], errs...)
}

// FailAlways makes every call for model return err. A nil err clears it.
func (a *MockAdapter) FailAlways(model string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.always, model)
		return
	}
	a.always[model] = err
}

// Delay makes calls for model block for d or until the context ends.
func (a *MockAdapter) Delay(model string, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delays[model] = d
}

// Calls returns the requests seen so far.
func (a *MockAdapter) Calls() []Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Request(nil), a.calls...)
}

// Name returns the adapter identifier.
func (a *MockAdapter) Name() string {
	return a.name
}

// Generate returns a deterministic artifact for the prompt.
func (a *MockAdapter) Generate(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = "mock-1"
	}

	a.mu.Lock()
	a.calls = append(a.calls, req)
	delay := a.delays[model]
	var failure error
	if queued := a.failures[model]; len(queued) > 0 {
		failure = queued[0]
		a.failures[model] = queued[1:]
	} else if err, ok := a.always[model]; ok {
		failure = err
	}
	a.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if failure != nil {
		return nil, failure
	}

	if kindOf(req) == artifact.KindImage {
		art := artifact.NewImage([]byte("mock-image:"+req.Prompt), "image/png", "", a.name, model)
		return &Response{Artifact: art, Usage: a.Usage}, nil
	}
	if response, ok := a.responses[req.Prompt]; ok {
		art := artifact.New(response, a.name, model)
		return &Response{Artifact: art, Usage: a.Usage}, nil
	}
	content := fmt.Sprintf("%s\n%s", a.defaultResponse, req.Prompt)
	art := artifact.New(content, a.name, model)
	return &Response{Artifact: art, Usage: a.Usage}, nil
}
