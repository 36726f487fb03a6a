package biz

import (
	"context"
	"errors"
	"strings"

	"KiroGate/internal/conf"
	"KiroGate/internal/kiro"
	"KiroGate/internal/metrics"
	"KiroGate/internal/model"
	pkgerrors "KiroGate/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
)

// Surface identifies which protocol adapter issued the request; each carries
// its own retry budget.
type Surface string

// Protocol surfaces.
const (
	SurfaceOpenAI Surface = "openai"
	SurfaceClaude Surface = "claude"
)

// Default retry budgets per surface.
const (
	defaultOpenAIRetries = 5
	defaultClaudeRetries = 1
)

// tokensPerImage is the flat estimation charge for one image block.
const tokensPerImage = 1600

// ChatRequest is the protocol-neutral chat call handed to the orchestrator.
type ChatRequest struct {
	Messages []model.Message
	Options  *kiro.ChatOptions
	Surface  Surface

	// GroupID scopes selection when the caller authenticated with a
	// group-bound key; nil means the whole pool.
	GroupID *string
	// AccountID pins one account explicitly. Pinning disables retries.
	AccountID string

	RequestID string
}

// ChatResult is a completed non-streaming chat call.
type ChatResult struct {
	Response     *kiro.Response
	Account      *model.Account
	Attempts     int
	InputTokens  int64
	OutputTokens int64
}

// vendorAPI is the slice of the vendor client the orchestrator drives.
type vendorAPI interface {
	CallAPI(ctx context.Context, acc *model.Account, messages []model.Message, opts *kiro.ChatOptions) (*kiro.Response, *model.RefreshedTokens, error)
	StreamAPI(ctx context.Context, acc *model.Account, messages []model.Message, opts *kiro.ChatOptions) (<-chan model.StreamEvent, error)
}

// ChatUsecase 负责一次聊天请求的完整编排：选号、调用上游、
// 按错误类别标记账户并换号重试。OpenAI 面默认最多换 5 个账户,
// Claude 面客户端自带重试，这里只换 1 个。
type ChatUsecase struct {
	pool   *AccountPool
	client vendorAPI
	logger *log.Helper

	openaiRetries int
	claudeRetries int
}

// NewChatUsecase wires the orchestrator.
func NewChatUsecase(pool *AccountPool, client *kiro.Client, pc *conf.Pool, logger log.Logger) *ChatUsecase {
	uc := &ChatUsecase{
		pool:          pool,
		client:        client,
		logger:        log.NewHelper(logger),
		openaiRetries: defaultOpenAIRetries,
		claudeRetries: defaultClaudeRetries,
	}
	if pc != nil {
		if pc.MaxAccountRetries > 0 {
			uc.openaiRetries = int(pc.MaxAccountRetries)
		}
		if pc.MaxClaudeRetries > 0 {
			uc.claudeRetries = int(pc.MaxClaudeRetries)
		}
	}
	return uc
}

func (uc *ChatUsecase) attemptBudget(req *ChatRequest) int {
	if req.AccountID != "" {
		return 1
	}
	if req.Surface == SurfaceClaude {
		return uc.claudeRetries
	}
	return uc.openaiRetries
}

// pickAccount resolves the account for one attempt, honoring the explicit pin
// and skipping accounts already burned this request.
func (uc *ChatUsecase) pickAccount(ctx context.Context, req *ChatRequest, tried map[string]bool) (*model.Account, error) {
	if req.AccountID != "" {
		acc, err := uc.pool.GetAccountByID(ctx, req.AccountID)
		if err != nil {
			return nil, pkgerrors.NewNotFoundError("account %s not found", req.AccountID).WithCause(err)
		}
		// 组级 key 不能越权钉选其它组的账户。
		if req.GroupID != nil {
			if acc.GroupID == nil || *acc.GroupID != *req.GroupID {
				return nil, pkgerrors.NewForbiddenError("account %s is not in your group", req.AccountID)
			}
		}
		return acc, nil
	}

	for i := 0; i < 3; i++ {
		acc, err := uc.pool.GetNextAccount(ctx, req.GroupID)
		if err != nil {
			return nil, err
		}
		if !tried[acc.ID] {
			return acc, nil
		}
	}
	return nil, pkgerrors.NewNoAvailableAccountsError("all candidate accounts failed for this request")
}

// Execute runs a non-streaming chat call, rotating accounts on retryable
// upstream failures.
func (uc *ChatUsecase) Execute(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	budget := uc.attemptBudget(req)
	tried := make(map[string]bool, budget)
	inputTokens := EstimateMessagesTokens(req.Messages, req.Options)

	var lastErr error
	for attempt := 1; attempt <= budget; attempt++ {
		acc, err := uc.pickAccount(ctx, req, tried)
		if err != nil {
			if lastErr != nil {
				return nil, uc.finalError(lastErr)
			}
			return nil, err
		}
		tried[acc.ID] = true

		resp, tokens, err := uc.client.CallAPI(ctx, acc, req.Messages, req.Options)
		if tokens != nil {
			if perr := uc.pool.UpdateAccountToken(ctx, acc.ID, tokens); perr != nil {
				uc.logger.Warnw("msg", "failed to persist rotated tokens",
					"account_id", acc.ID, "error", perr.Error())
			}
		}
		if err == nil {
			outputTokens := EstimateTextTokens(resp.Content)
			uc.pool.MarkAccountSuccess(ctx, acc.ID)
			uc.pool.IncrementAPICall(ctx, acc.ID, inputTokens+outputTokens)
			return &ChatResult{
				Response:     resp,
				Account:      acc,
				Attempts:     attempt,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			}, nil
		}

		lastErr = err
		disposition := uc.settleAccount(ctx, acc, err)
		uc.logger.Warnw("msg", "upstream chat call failed",
			"request_id", req.RequestID, "account_id", acc.ID,
			"attempt", attempt, "disposition", string(disposition), "error", err.Error())
		if disposition == dispositionFatal {
			return nil, uc.finalError(err)
		}
	}
	return nil, uc.finalError(lastErr)
}

// Stream runs a streaming chat call. Rotation applies both before the first
// byte and mid-stream: a non-fatal failure with budget left opens a fresh
// stream on a replacement account, replaying the whole request.
func (uc *ChatUsecase) Stream(ctx context.Context, req *ChatRequest) (<-chan model.StreamEvent, error) {
	budget := uc.attemptBudget(req)
	tried := make(map[string]bool, budget)
	inputTokens := EstimateMessagesTokens(req.Messages, req.Options)

	acc, events, err := uc.openStream(ctx, req, tried, budget, nil)
	if err != nil {
		return nil, err
	}

	out := make(chan model.StreamEvent, 64)
	go uc.pump(ctx, req, acc, events, out, tried, budget, inputTokens)
	return out, nil
}

// openStream picks accounts until one accepts the stream or the budget runs
// out. lastErr seeds the final error when no further account can be tried.
func (uc *ChatUsecase) openStream(ctx context.Context, req *ChatRequest, tried map[string]bool, budget int, lastErr error) (*model.Account, <-chan model.StreamEvent, error) {
	for len(tried) < budget {
		acc, err := uc.pickAccount(ctx, req, tried)
		if err != nil {
			if lastErr != nil {
				return nil, nil, uc.finalError(lastErr)
			}
			return nil, nil, err
		}
		tried[acc.ID] = true

		events, err := uc.client.StreamAPI(ctx, acc, req.Messages, req.Options)
		if err == nil {
			return acc, events, nil
		}
		lastErr = err
		disposition := uc.settleAccount(ctx, acc, err)
		uc.logger.Warnw("msg", "upstream stream open failed",
			"request_id", req.RequestID, "account_id", acc.ID,
			"attempt", len(tried), "disposition", string(disposition), "error", err.Error())
		if disposition == dispositionFatal {
			return nil, nil, uc.finalError(err)
		}
	}
	return nil, nil, uc.finalError(lastErr)
}

// pump forwards vendor events to the caller, persisting rotated tokens along
// the way. A mid-stream failure settles the account and, while the budget
// allows, switches to a replacement account by replaying the full request on
// a fresh stream; the error only reaches the caller once no replacement can
// take over.
func (uc *ChatUsecase) pump(ctx context.Context, req *ChatRequest, acc *model.Account, events <-chan model.StreamEvent, out chan<- model.StreamEvent, tried map[string]bool, budget int, inputTokens int64) {
	defer close(out)

	for {
		var accountTokens int64
		var failure error
		for ev := range events {
			if ev.Type == model.EventTokenRefreshed && ev.Tokens != nil {
				if err := uc.pool.UpdateAccountToken(ctx, acc.ID, ev.Tokens); err != nil {
					uc.logger.Warnw("msg", "failed to persist rotated tokens",
						"account_id", acc.ID, "error", err.Error())
				}
				continue
			}
			if ev.Err != nil {
				failure = ev.Err
				break
			}
			if ev.Type == model.EventContent || ev.Type == model.EventThinking {
				accountTokens += EstimateTextTokens(ev.Text)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		uc.pool.IncrementAPICall(ctx, acc.ID, inputTokens+accountTokens)

		if failure == nil {
			uc.pool.MarkAccountSuccess(ctx, acc.ID)
			return
		}
		// The vendor closes the channel right after an error event.
		for range events {
		}

		disposition := uc.settleAccount(ctx, acc, failure)
		uc.logger.Warnw("msg", "upstream stream failed mid-flight",
			"request_id", req.RequestID, "account_id", acc.ID,
			"disposition", string(disposition), "error", failure.Error())
		if disposition != dispositionFatal && len(tried) < budget {
			next, nextEvents, err := uc.openStream(ctx, req, tried, budget, failure)
			if err == nil {
				acc, events = next, nextEvents
				continue
			}
		}

		select {
		case out <- model.StreamEvent{Err: uc.finalError(failure)}:
		case <-ctx.Done():
		}
		return
	}
}

type accountDisposition string

const (
	dispositionRetryable accountDisposition = "retryable"
	dispositionQuota     accountDisposition = "quota_exhausted"
	dispositionBanned    accountDisposition = "banned"
	dispositionFatal     accountDisposition = "fatal"
)

// Body fragments the vendor uses for terminal account states.
var (
	quotaPatterns = []string{"usage limit", "You have reached", "MONTHLY_REQUEST_COUNT", "quota"}
	banPatterns   = []string{"BANNED", "TEMPORARILY_SUSPENDED", "suspended"}
)

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// settleAccount classifies an upstream failure and marks the account
// accordingly. Returns the disposition so callers can stop on fatal errors.
func (uc *ChatUsecase) settleAccount(ctx context.Context, acc *model.Account, err error) accountDisposition {
	disposition := uc.classifyFailure(ctx, acc, err)
	if disposition != dispositionFatal {
		metrics.VendorRetries.WithLabelValues(string(disposition)).Inc()
	}
	return disposition
}

func (uc *ChatUsecase) classifyFailure(ctx context.Context, acc *model.Account, err error) accountDisposition {
	// Validation errors are the caller's fault; the account is fine.
	if apiErr, ok := pkgerrors.AsAPIError(err); ok {
		switch apiErr.Type {
		case pkgerrors.TypeValidation:
			return dispositionFatal
		case pkgerrors.TypeAuth:
			// TOKEN_EXPIRED after a failed in-flight refresh.
			uc.pool.MarkAccountError(ctx, acc.ID, apiErr.Message)
			return dispositionRetryable
		}
	}

	var upstream *kiro.UpstreamError
	if errors.As(err, &upstream) {
		body := upstream.Body
		switch {
		case containsAny(body, banPatterns):
			uc.pool.BanAccount(ctx, acc.ID, truncateCause(body))
			return dispositionBanned
		case containsAny(body, quotaPatterns), upstream.StatusCode == 402:
			// 402 means quota even when the body carries no known pattern.
			uc.pool.MarkAccountQuotaExhausted(ctx, acc.ID, truncateCause(body))
			return dispositionQuota
		case upstream.IsForbidden():
			uc.pool.MarkAccountError(ctx, acc.ID, truncateCause(body))
			return dispositionRetryable
		case upstream.IsRateLimited():
			uc.pool.MarkAccountError(ctx, acc.ID, "vendor rate limited")
			return dispositionRetryable
		case upstream.StatusCode >= 500:
			// Vendor-side failure; do not punish the account.
			return dispositionRetryable
		default:
			uc.pool.MarkAccountError(ctx, acc.ID, truncateCause(body))
			return dispositionRetryable
		}
	}

	// Transport errors (timeouts, resets): retry on another account.
	uc.pool.MarkAccountError(ctx, acc.ID, err.Error())
	return dispositionRetryable
}

// finalError maps the last upstream failure into the client-facing taxonomy.
func (uc *ChatUsecase) finalError(err error) error {
	if err == nil {
		return pkgerrors.NewNoAvailableAccountsError("no account could serve the request")
	}
	if _, ok := pkgerrors.AsAPIError(err); ok {
		return err
	}

	var upstream *kiro.UpstreamError
	if errors.As(err, &upstream) {
		body := upstream.Body
		switch {
		case containsAny(body, banPatterns):
			return pkgerrors.NewAccountBannedError("upstream account suspended").WithCause(err)
		case containsAny(body, quotaPatterns), upstream.StatusCode == 402:
			return pkgerrors.NewQuotaExhaustedError("upstream usage limit reached").WithCause(err)
		case upstream.IsRateLimited():
			return pkgerrors.NewRateLimitedError("upstream rate limited").WithCause(err)
		default:
			return pkgerrors.NewUpstreamUnavailableError("upstream request failed").WithCause(err)
		}
	}
	return pkgerrors.NewUpstreamUnavailableError("upstream request failed").WithCause(err)
}

func truncateCause(s string) string {
	const max = 500
	if len(s) > max {
		return s[:max]
	}
	return s
}

// EstimateTextTokens approximates token usage as ceil(len/4). The vendor
// reports no usage, so every surface shares this estimate.
func EstimateTextTokens(s string) int64 {
	if s == "" {
		return 0
	}
	return int64((len(s) + 3) / 4)
}

// EstimateMessagesTokens sums the estimate over all message text, system
// prompt and tool definitions, charging a flat rate per image.
func EstimateMessagesTokens(messages []model.Message, opts *kiro.ChatOptions) int64 {
	var total int64
	for _, msg := range messages {
		for _, block := range msg.Content {
			switch block.Type {
			case model.BlockText:
				total += EstimateTextTokens(block.Text)
			case model.BlockThinking:
				total += EstimateTextTokens(block.Thinking)
			case model.BlockImage:
				total += tokensPerImage
			case model.BlockToolUse:
				if block.ToolUse != nil {
					total += EstimateTextTokens(block.ToolUse.Name)
					total += EstimateTextTokens(string(block.ToolUse.Input))
				}
			case model.BlockToolResult:
				if block.ToolResult != nil {
					total += EstimateTextTokens(block.ToolResult.Content)
				}
			}
		}
	}
	if opts != nil {
		total += EstimateTextTokens(opts.System)
		for _, tool := range opts.Tools {
			total += EstimateTextTokens(tool.Name)
			total += EstimateTextTokens(tool.Description)
			total += EstimateTextTokens(string(tool.InputSchema))
		}
	}
	return total
}
