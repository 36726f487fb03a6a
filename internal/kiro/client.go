package kiro

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"KiroGate/internal/conf"
	"KiroGate/internal/model"
	pkgerrors "KiroGate/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	xproxy "golang.org/x/net/proxy"
)

const (
	defaultRequestTimeout = 10 * time.Minute
	streamReadBufferSize  = 8 * 1024
	streamChannelBuffer   = 64

	eventStreamContentType = "application/vnd.amazon.eventstream"
)

// UpstreamError is a non-2xx reply from the vendor chat endpoint. The body
// text rides along so the orchestrator can pattern-match ban and quota
// markers.
type UpstreamError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("vendor API error: status %d, body: %s", e.StatusCode, e.Body)
}

// IsForbidden reports a 403 reply.
func (e *UpstreamError) IsForbidden() bool {
	return e.StatusCode == http.StatusForbidden
}

// IsRateLimited reports a 429 reply.
func (e *UpstreamError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Response is the aggregated result of a non-streaming call.
type Response struct {
	// Content is the visible text, thinking stripped.
	Content string
	// ContentBlocks preserves the ordered thinking / text / tool_use blocks.
	ContentBlocks []model.ContentBlock
	// ContextUsagePercent is the vendor-reported context consumption.
	ContextUsagePercent float64
	StopReason          model.StopReason
}

// Client 为供应商出站客户端。除 (账户, token) 外无状态，可被所有请求共享。
type Client struct {
	httpClient *http.Client
	profileArn string
	logger     *log.Helper
}

// NewClient builds the vendor client, honoring the configured proxy and
// request timeout.
func NewClient(vc *conf.Vendor, logger log.Logger) (*Client, error) {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	timeout := defaultRequestTimeout
	profileArn := ""
	if vc != nil {
		if vc.RequestTimeout != nil && vc.RequestTimeout.AsDuration() > 0 {
			timeout = vc.RequestTimeout.AsDuration()
		}
		profileArn = vc.ProfileArn
		if vc.ProxyUrl != "" {
			if err := configureProxy(transport, vc.ProxyUrl); err != nil {
				return nil, err
			}
		}
	}

	return &Client{
		httpClient: &http.Client{Transport: transport, Timeout: timeout},
		profileArn: profileArn,
		logger:     log.NewHelper(logger),
	}, nil
}

// configureProxy routes outbound traffic through an http(s) or socks5 proxy.
func configureProxy(transport *http.Transport, proxyURL string) error {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy url %q: %w", proxyURL, err)
	}
	switch u.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		dialer, err := xproxy.FromURL(u, xproxy.Direct)
		if err != nil {
			return fmt.Errorf("failed to build socks5 dialer: %w", err)
		}
		contextDialer, ok := dialer.(xproxy.ContextDialer)
		if !ok {
			return fmt.Errorf("socks5 dialer does not support context dialing")
		}
		transport.DialContext = contextDialer.DialContext
	default:
		return fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// CallAPI sends a non-streaming chat request, aggregating the vendor stream
// into one response. A single 403 triggers refresh-and-replay; rotated
// tokens come back for persistence.
func (c *Client) CallAPI(ctx context.Context, acc *model.Account, messages []model.Message, opts *ChatOptions) (*Response, *model.RefreshedTokens, error) {
	payload, err := BuildPayload(messages, opts, c.profileArnFor(acc))
	if err != nil {
		return nil, nil, pkgerrors.NewValidationError("failed to build vendor payload: %v", err)
	}

	resp, newTokens, err := c.sendWithRefresh(ctx, acc, payload)
	if err != nil {
		return nil, newTokens, err
	}
	defer resp.Body.Close()

	result, err := c.aggregate(resp)
	if err != nil {
		return nil, newTokens, err
	}
	return result, newTokens, nil
}

// StreamAPI sends a streaming chat request and emits events on a bounded
// channel. The channel closes at end of stream; a terminal failure arrives
// as an event with Err set. One pre-stream 403 is absorbed by refreshing;
// the rotated tokens surface as a token_refreshed event.
func (c *Client) StreamAPI(ctx context.Context, acc *model.Account, messages []model.Message, opts *ChatOptions) (<-chan model.StreamEvent, error) {
	payload, err := BuildPayload(messages, opts, c.profileArnFor(acc))
	if err != nil {
		return nil, pkgerrors.NewValidationError("failed to build vendor payload: %v", err)
	}

	resp, newTokens, err := c.sendWithRefresh(ctx, acc, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan model.StreamEvent, streamChannelBuffer)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		emit := func(ev model.StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if newTokens != nil {
			if !emit(model.StreamEvent{Type: model.EventTokenRefreshed, Tokens: newTokens}) {
				return
			}
		}

		framed := isEventStream(resp)
		frames := NewFrameParser()
		scanner := NewPayloadScanner()
		converter := newEventConverter()

		buf := make([]byte, streamReadBufferSize)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				chunks, err := c.decode(framed, frames, scanner, buf[:n])
				if err != nil {
					emit(model.StreamEvent{Err: err})
					return
				}
				for _, chunk := range chunks {
					for _, ev := range converter.convert(chunk) {
						if !emit(ev) {
							return
						}
					}
				}
			}
			if readErr == io.EOF {
				for _, ev := range converter.finish() {
					if !emit(ev) {
						return
					}
				}
				return
			}
			if readErr != nil {
				if ctx.Err() != nil {
					return
				}
				emit(model.StreamEvent{Err: fmt.Errorf("vendor stream read failed: %w", readErr)})
				return
			}
		}
	}()

	return ch, nil
}

// decode turns raw bytes into vendor chunks, unwrapping event-stream frames
// when the transport uses them.
func (c *Client) decode(framed bool, frames *FrameParser, scanner *PayloadScanner, data []byte) ([]*Chunk, error) {
	if !framed {
		return scanner.Feed(data), nil
	}

	messages, err := frames.Feed(data)
	if err != nil {
		return nil, fmt.Errorf("vendor stream framing error: %w", err)
	}
	var chunks []*Chunk
	for _, msg := range messages {
		if msg.IsException() {
			return chunks, &UpstreamError{StatusCode: http.StatusBadGateway, Body: string(msg.Payload)}
		}
		if !msg.IsEvent() {
			continue
		}
		chunks = append(chunks, scanner.Feed(msg.Payload)...)
	}
	return chunks, nil
}

// sendWithRefresh performs the request, absorbing one 403 by refreshing the
// token and replaying. A second 403 is terminal TOKEN_EXPIRED.
func (c *Client) sendWithRefresh(ctx context.Context, acc *model.Account, payload []byte) (*http.Response, *model.RefreshedTokens, error) {
	resp, err := c.send(ctx, acc, acc.Credentials.AccessToken, payload)
	if err != nil {
		return nil, nil, err
	}

	if resp.StatusCode == http.StatusForbidden {
		drainClose(resp)
		c.logger.Infow("msg", "vendor returned 403, refreshing token", "account_id", acc.ID)

		tokens, refreshErr := c.RefreshTokens(ctx, acc)
		if refreshErr != nil {
			return nil, nil, pkgerrors.NewAuthError("token_expired", "TOKEN_EXPIRED: upstream rejected credentials and refresh failed")
		}

		resp, err = c.send(ctx, acc, tokens.AccessToken, payload)
		if err != nil {
			return nil, tokens, err
		}
		if resp.StatusCode == http.StatusForbidden {
			drainClose(resp)
			return nil, tokens, pkgerrors.NewAuthError("token_expired", "TOKEN_EXPIRED: upstream rejected refreshed credentials")
		}
		if resp.StatusCode >= 400 {
			return nil, tokens, readUpstreamError(resp)
		}
		return resp, tokens, nil
	}

	if resp.StatusCode >= 400 {
		return nil, nil, readUpstreamError(resp)
	}
	return resp, nil, nil
}

func (c *Client) send(ctx context.Context, acc *model.Account, token string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, EndpointURL(acc), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create vendor request: %w", err)
	}
	applyHeaders(req.Header, acc, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, pkgerrors.NewUpstreamUnavailableError(fmt.Sprintf("vendor request failed: %v", err))
	}
	return resp, nil
}

// profileArnFor returns the profile ARN for the body. Social accounts
// require it; IdC accounts authenticate through their own client.
func (c *Client) profileArnFor(acc *model.Account) string {
	if acc.Credentials.AuthMethod == model.AuthMethodOIDC || acc.Credentials.AuthMethod == model.AuthMethodIdC {
		return ""
	}
	return c.profileArn
}

// aggregate drains a response stream into a single Response.
func (c *Client) aggregate(resp *http.Response) (*Response, error) {
	framed := isEventStream(resp)
	frames := NewFrameParser()
	scanner := NewPayloadScanner()

	var content strings.Builder
	var toolBlocks []model.ContentBlock
	var currentTool *model.ToolUseBlock
	var currentInput strings.Builder
	contextUsage := 0.0

	finishTool := func() {
		if currentTool == nil {
			return
		}
		if input := currentInput.String(); input != "" {
			currentTool.Input = []byte(input)
		}
		toolBlocks = append(toolBlocks, model.ContentBlock{Type: model.BlockToolUse, ToolUse: currentTool})
		currentTool = nil
		currentInput.Reset()
	}

	buf := make([]byte, streamReadBufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunks, err := c.decode(framed, frames, scanner, buf[:n])
			if err != nil {
				return nil, err
			}
			for _, chunk := range chunks {
				switch {
				case chunk.Name != "" && chunk.ToolUseID != "":
					finishTool()
					currentTool = &model.ToolUseBlock{ID: chunk.ToolUseID, Name: chunk.Name}
					currentInput.WriteString(chunk.Input)
					if chunk.Stop {
						finishTool()
					}
				case chunk.Input != "":
					currentInput.WriteString(chunk.Input)
					if chunk.Stop {
						finishTool()
					}
				case chunk.Stop:
					finishTool()
				case chunk.ContextUsagePercentage != nil:
					contextUsage = *chunk.ContextUsagePercentage
				case chunk.Content != "":
					content.WriteString(chunk.Content)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("vendor stream read failed: %w", readErr)
		}
	}
	finishTool()

	blocks := ExtractThinkingFromContent(content.String())
	blocks = append(blocks, toolBlocks...)

	var visible strings.Builder
	for _, b := range blocks {
		if b.Type == model.BlockText {
			visible.WriteString(b.Text)
		}
	}

	stopReason := model.StopEndTurn
	if len(toolBlocks) > 0 {
		stopReason = model.StopToolUse
	}

	return &Response{
		Content:             visible.String(),
		ContentBlocks:       blocks,
		ContextUsagePercent: contextUsage,
		StopReason:          stopReason,
	}, nil
}

// eventConverter turns vendor chunks into stream events, running content
// through the thinking splitter and tracking the tool lifecycle.
type eventConverter struct {
	splitter *ThinkingSplitter
}

func newEventConverter() *eventConverter {
	return &eventConverter{splitter: NewThinkingSplitter()}
}

func (ec *eventConverter) convert(chunk *Chunk) []model.StreamEvent {
	switch {
	case chunk.Name != "" && chunk.ToolUseID != "":
		events := ec.splitter.Flush()
		events = append(events, model.StreamEvent{
			Type:      model.EventToolUse,
			ToolUseID: chunk.ToolUseID,
			ToolName:  chunk.Name,
			Input:     chunk.Input,
		})
		if chunk.Stop {
			events = append(events, model.StreamEvent{Type: model.EventToolUseStop, Stop: true})
		}
		return events

	case chunk.Input != "":
		events := []model.StreamEvent{{Type: model.EventToolUseInput, Input: chunk.Input}}
		if chunk.Stop {
			events = append(events, model.StreamEvent{Type: model.EventToolUseStop, Stop: true})
		}
		return events

	case chunk.Stop:
		return []model.StreamEvent{{Type: model.EventToolUseStop, Stop: true}}

	case chunk.ContextUsagePercentage != nil:
		return []model.StreamEvent{{Type: model.EventContextUsage, ContextUsagePercent: *chunk.ContextUsagePercentage}}

	case chunk.Content != "":
		return ec.splitter.Split(chunk.Content)
	}
	return nil
}

func (ec *eventConverter) finish() []model.StreamEvent {
	return ec.splitter.Flush()
}

func isEventStream(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get("Content-Type"), eventStreamContentType)
}

func readUpstreamError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
	return &UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
}

func drainClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
}
