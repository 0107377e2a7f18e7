// Package oracle 决策预言机：把提示词交给 OpenAI 兼容的大模型，取回文本或结构化决策。
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jan-miksik/heppy-market-sub000/internal/decision"
	"github.com/jan-miksik/heppy-market-sub000/internal/logger"
)

var (
	ErrMissingCredentials = errors.New("oracle credentials missing")
	ErrEmptyResponse      = errors.New("oracle returned empty response")
)

const DefaultTimeout = 45 * time.Second

// Completer 单次模型调用。
type Completer interface {
	Complete(ctx context.Context, model, purpose, systemPrompt, userPrompt string) (string, error)
}

// Request 一次预言机请求；AllowFallback 为 true 时才会尝试备用模型。
type Request struct {
	Purpose       string
	Model         string
	SystemPrompt  string
	UserPrompt    string
	AllowFallback bool
}

// Reply 模型原始输出与实际使用的模型。
type Reply struct {
	Text  string
	Model string
}

// DecisionOracle agent 用 RequestDecision，manager 用 RequestFreeformText。
type DecisionOracle interface {
	RequestDecision(ctx context.Context, req Request) (decision.Decision, Reply, error)
	RequestFreeformText(ctx context.Context, req Request) (Reply, error)
}

type Oracle struct {
	completer Completer
	policy    *ModelPolicy
	fallbacks []string
	timeout   time.Duration
}

var _ DecisionOracle = (*Oracle)(nil)

func New(completer Completer, policy *ModelPolicy, fallbacks []string, timeout time.Duration) *Oracle {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if policy == nil {
		policy = NewModelPolicy("", nil)
	}
	return &Oracle{completer: completer, policy: policy, fallbacks: fallbacks, timeout: timeout}
}

func (o *Oracle) Policy() *ModelPolicy { return o.policy }

// RequestFreeformText 整个请求（含备用模型）共享一个硬超时。
func (o *Oracle) RequestFreeformText(ctx context.Context, req Request) (Reply, error) {
	if o.completer == nil {
		return Reply{}, ErrMissingCredentials
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	var errs []error
	for _, model := range o.candidates(req) {
		text, err := o.completer.Complete(ctx, model, req.Purpose, req.SystemPrompt, req.UserPrompt)
		if err == nil && strings.TrimSpace(text) == "" {
			err = ErrEmptyResponse
		}
		if err == nil {
			return Reply{Text: text, Model: model}, nil
		}
		if errors.Is(err, ErrMissingCredentials) {
			return Reply{}, err
		}
		logger.Warnf("oracle %s via %s failed: %v", req.Purpose, model, err)
		errs = append(errs, fmt.Errorf("%s: %w", model, err))
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
	}
	return Reply{}, errors.Join(errs...)
}

func (o *Oracle) RequestDecision(ctx context.Context, req Request) (decision.Decision, Reply, error) {
	reply, err := o.RequestFreeformText(ctx, req)
	if err != nil {
		return decision.Decision{}, reply, err
	}
	d, err := decision.Parse(reply.Text)
	if err != nil {
		return decision.Decision{}, reply, fmt.Errorf("parse %s output: %w", reply.Model, err)
	}
	return d, reply, nil
}

func (o *Oracle) candidates(req Request) []string {
	primary, _ := o.policy.Resolve(req.Model)
	out := []string{primary}
	if !req.AllowFallback {
		return out
	}
	seen := map[string]struct{}{primary: {}}
	for _, m := range o.fallbacks {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
