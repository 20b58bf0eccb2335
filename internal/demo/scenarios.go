package demo

import (
	"context"
	"slices"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/ports"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/pipeline"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/stages"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/storage/memory"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/tokens"
)

const assistantPrompt = "You are a helpful AI assistant."

func execute(ctx context.Context, env Env, res *Result, stageList []ports.Stage, reqs ...*domain.Request) error {
	p, err := pipeline.New(stageList, pipeline.WithLogger(env.Logger))
	if err != nil {
		return err
	}
	rec := &recorder{next: env.Handler}
	for _, req := range reqs {
		res.record(p.Execute(ctx, req, rec.handle))
	}
	res.Stages = p.Stages()
	res.Sent = append(res.Sent, rec.sent()...)
	res.Counters["handler.calls"] += int64(len(rec.sent()))
	return nil
}

func runLogging(ctx context.Context, env Env) (*Result, error) {
	res := newResult(Scenarios()[0])
	logger := stages.NewLogger(stages.LoggerConfig{Counter: env.Counter, Logger: env.Logger})

	err := execute(ctx, env, res, []ports.Stage{logger},
		conversation("", system(assistantPrompt), user("What is the capital of France?")))
	if err != nil {
		return nil, err
	}
	res.Counters["Logger.calls"] = logger.Calls()
	res.notef("logging observes the call without changing the request or the response")
	return res, nil
}

func runTokenBudget(ctx context.Context, env Env) (*Result, error) {
	res := newResult(Scenarios()[1])
	ledger := memory.NewLedger()
	guard, err := stages.NewBudgetGuard(stages.BudgetConfig{
		MaxTokens:   500,
		MaxRequests: 3,
		Ledger:      ledger,
		Counter:     env.Counter,
		Logger:      env.Logger,
	})
	if err != nil {
		return nil, err
	}

	err = execute(ctx, env, res, []ports.Stage{guard},
		conversation("", system(assistantPrompt), user("Explain quantum computing in simple terms.")),
		conversation("", system(assistantPrompt), user("What is machine learning?")),
		conversation("", system(assistantPrompt), user("What is a neural network?")),
		conversation("", system(assistantPrompt), user("And what is deep learning?")),
	)
	if err != nil {
		return nil, err
	}

	usage, err := guard.Usage(ctx, "")
	if err != nil {
		return nil, err
	}
	res.Counters["BudgetGuard.halts"] = guard.Halts()
	res.Counters["budget.tokens_used"] = int64(usage.Tokens)
	res.Counters["budget.requests"] = int64(usage.Requests)
	res.notef("limit of %d tokens and %d requests; the fourth request is refused before the model is called",
		guard.Limit().MaxTokens, guard.Limit().MaxRequests)
	return res, nil
}

func runSummarization(ctx context.Context, env Env) (*Result, error) {
	res := newResult(Scenarios()[2])
	summarizer := stages.NewSummarizer(stages.SummarizerConfig{MaxMessages: 5, Logger: env.Logger})

	req := conversation("",
		system(assistantPrompt),
		user("Tell me about Python"),
		assistant("Python is a programming language..."),
		user("What about JavaScript?"),
		assistant("JavaScript is used for web development..."),
		user("Compare them"),
		assistant("Python is better for data science..."),
		user("What about Go?"),
		assistant("Go is great for concurrent systems..."),
		user("Which should I learn first?"),
	)
	original := len(req.Messages)

	if err := execute(ctx, env, res, []ports.Stage{summarizer}, req); err != nil {
		return nil, err
	}
	res.Counters["messages.original"] = int64(original)
	if len(res.Sent) > 0 {
		res.Counters["messages.sent"] = int64(len(res.Sent[0].Messages))
	}
	res.Counters["Summarizer.events"] = summarizer.Events()
	return res, nil
}

func runPIIFilter(ctx context.Context, env Env) (*Result, error) {
	res := newResult(Scenarios()[3])
	filter, err := stages.NewPIIFilter(stages.PIIConfig{Logger: env.Logger})
	if err != nil {
		return nil, err
	}

	err = execute(ctx, env, res, []ports.Stage{filter},
		conversation("",
			system(assistantPrompt),
			user("My email is john.doe@example.com and my phone is 555-123-4567. Can you help me with my account?"),
		))
	if err != nil {
		return nil, err
	}
	res.Counters["PIIFilter.redactions"] = filter.Redactions()
	if len(res.Sent) > 0 {
		res.notef("model received: %s", res.Sent[0].Messages[1].Content)
	}
	return res, nil
}

func runPersonalization(ctx context.Context, env Env) (*Result, error) {
	res := newResult(Scenarios()[4])
	profiles := memory.NewProfiles(
		domain.UserProfile{UserID: "user_001", Expertise: domain.ExpertiseBeginner},
		domain.UserProfile{UserID: "user_002", Expertise: domain.ExpertiseExpert},
	)
	personalizer := stages.NewPersonalizer(stages.PersonalizerConfig{Profiles: profiles, Logger: env.Logger})

	err := execute(ctx, env, res, []ports.Stage{personalizer},
		conversation("user_001", user("What is a REST API?")),
		conversation("user_002", user("What is a REST API?")),
	)
	if err != nil {
		return nil, err
	}
	for _, sent := range res.Sent {
		res.notef("%s (%s): %s", sent.UserID, personalizer.Expertise(ctx, sent), sent.Messages[0].Content)
	}
	return res, nil
}

func runStack(ctx context.Context, env Env) (*Result, error) {
	res := newResult(Scenarios()[5])
	logger := stages.NewLogger(stages.LoggerConfig{Counter: env.Counter, Logger: env.Logger})
	filter, err := stages.NewPIIFilter(stages.PIIConfig{Logger: env.Logger})
	if err != nil {
		return nil, err
	}
	guard, err := stages.NewBudgetGuard(stages.BudgetConfig{
		MaxTokens: 2000,
		Ledger:    memory.NewLedger(),
		Counter:   env.Counter,
		Logger:    env.Logger,
	})
	if err != nil {
		return nil, err
	}
	personalizer := stages.NewPersonalizer(stages.PersonalizerConfig{
		Profiles: memory.NewProfiles(domain.UserProfile{UserID: "user_003", Expertise: domain.ExpertiseExpert}),
		Logger:   env.Logger,
	})

	err = execute(ctx, env, res, []ports.Stage{logger, filter, guard, personalizer},
		conversation("user_003", user("My email is contact@company.com. Explain microservices architecture.")))
	if err != nil {
		return nil, err
	}

	usage, err := guard.Usage(ctx, "")
	if err != nil {
		return nil, err
	}
	res.Counters["Logger.calls"] = logger.Calls()
	res.Counters["PIIFilter.redactions"] = filter.Redactions()
	res.Counters["budget.tokens_used"] = int64(usage.Tokens)
	return res, nil
}

// Old vs new: the same context management written inline around the model
// call, then as a pipeline. Both must hand the model the same messages.

const (
	comparisonMaxTokens   = 10000
	comparisonMaxMessages = 10
)

func comparisonRequest() *domain.Request {
	msgs := []domain.Message{system(assistantPrompt)}
	for i := 0; i < 6; i++ {
		msgs = append(msgs,
			user("Can you review my deployment? Reach me at ops@example.com"),
			assistant("Sure, here are some thoughts on the deployment..."))
	}
	msgs = append(msgs, user("Summarize the remaining risks."))
	return conversation("user_004", msgs...)
}

// inlineCall is context management tangled into the call site.
func inlineCall(ctx context.Context, env Env, filter *stages.PIIFilter, used *int, req *domain.Request) (*domain.Response, *domain.Request, error) {
	req = req.Clone()

	for i, m := range req.Messages {
		redacted, err := filter.Redact(m.Content)
		if err != nil {
			return nil, nil, err
		}
		req.Messages[i].Content = redacted
	}

	n, err := tokens.CountRequest(ctx, env.Counter, req)
	if err != nil {
		return nil, nil, err
	}
	if *used+n > comparisonMaxTokens {
		return nil, nil, stages.ErrBudgetExceeded
	}
	*used += n

	if len(req.Messages) > comparisonMaxMessages {
		var systems, rest []domain.Message
		for _, m := range req.Messages {
			if m.Role == domain.RoleSystem {
				systems = append(systems, m)
			} else {
				rest = append(rest, m)
			}
		}
		keep := max(comparisonMaxMessages-len(systems)-1, 1)
		older, recent := rest[:len(rest)-keep], rest[len(rest)-keep:]
		summary, err := stages.PlaceholderSummary(ctx, older)
		if err != nil {
			return nil, nil, err
		}
		req.Messages = append(append(systems, system(summary)), recent...)
	}

	at := 0
	for at < len(req.Messages) && req.Messages[at].Role == domain.RoleSystem {
		at++
	}
	req.Messages = slices.Insert(req.Messages, at, system(stages.ExpertPrompt))

	resp, err := env.Handler(ctx, req)
	return resp, req, err
}

func runOldVsNew(ctx context.Context, env Env) (*Result, error) {
	res := newResult(Scenarios()[6])

	filter, err := stages.NewPIIFilter(stages.PIIConfig{Logger: env.Logger})
	if err != nil {
		return nil, err
	}
	used := 0
	_, inlineSent, err := inlineCall(ctx, env, filter, &used, comparisonRequest())
	if err != nil {
		return nil, err
	}

	guard, err := stages.NewBudgetGuard(stages.BudgetConfig{
		MaxTokens: comparisonMaxTokens,
		Ledger:    memory.NewLedger(),
		Counter:   env.Counter,
		Logger:    env.Logger,
	})
	if err != nil {
		return nil, err
	}
	pipelineFilter, err := stages.NewPIIFilter(stages.PIIConfig{Logger: env.Logger})
	if err != nil {
		return nil, err
	}
	stack := []ports.Stage{
		stages.NewLogger(stages.LoggerConfig{Counter: env.Counter, Logger: env.Logger}),
		pipelineFilter,
		guard,
		stages.NewSummarizer(stages.SummarizerConfig{MaxMessages: comparisonMaxMessages, Logger: env.Logger}),
		stages.NewPersonalizer(stages.PersonalizerConfig{DefaultExpertise: domain.ExpertiseExpert, Logger: env.Logger}),
	}
	if err := execute(ctx, env, res, stack, comparisonRequest()); err != nil {
		return nil, err
	}

	res.Counters["inline.messages"] = int64(len(inlineSent.Messages))
	if len(res.Sent) > 0 {
		res.Counters["pipeline.messages"] = int64(len(res.Sent[0].Messages))
		if slices.Equal(inlineSent.Messages, res.Sent[0].Messages) {
			res.Counters["identical"] = 1
		}
	}
	res.notef("inline: every concern edited at the call site, hard to test or reuse")
	res.notef("pipeline: %d independent stages, each testable alone and reorderable in config", len(stack))
	return res, nil
}
