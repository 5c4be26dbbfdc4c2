package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"line-rpc/jsonrpc"
)

func okResponse(req *jsonrpc.Message) *jsonrpc.Message {
	return &jsonrpc.Message{
		JSONRPC: jsonrpc.Version,
		ID:      json.RawMessage("1"),
		Result:  json.RawMessage(`"ok"`),
	}
}

// 模拟一个简单的 call：直接返回成功响应
func echoCall(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
	return okResponse(req), nil
}

// 模拟一个慢 call：等 200ms，或者 ctx 先到期
func slowCall(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
	select {
	case <-time.After(200 * time.Millisecond):
		return okResponse(req), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func listRequest(t *testing.T) *jsonrpc.Message {
	t.Helper()
	req, err := jsonrpc.NewNotification("tools/list", struct{}{})
	if err != nil {
		t.Fatalf("build request template: %v", err)
	}
	return req
}

func TestLogging(t *testing.T) {
	call := LoggingMiddleware(nil)(echoCall)

	resp, err := call(context.Background(), listRequest(t))
	if err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
	if resp == nil {
		t.Fatal("expect non-nil response")
	}
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，call 很快，应该正常返回
	call := TimeOutMiddleware(500 * time.Millisecond)(echoCall)

	if _, err := call(context.Background(), listRequest(t)); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	// 超时 50ms，call 需要 200ms，应该超时
	call := TimeOutMiddleware(50 * time.Millisecond)(slowCall)

	_, err := call(context.Background(), listRequest(t))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded, got %v", err)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	call := RateLimitMiddleware(1, 2)(echoCall)
	req := listRequest(t)

	// 前 2 个应该通过（burst=2）
	for i := 0; i < 2; i++ {
		if _, err := call(context.Background(), req); err != nil {
			t.Fatalf("request %d should pass, got error: %v", i, err)
		}
	}

	// 第 3 个应该被限流
	if _, err := call(context.Background(), req); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("request 3 should be rate limited, got: %v", err)
	}
}

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	attempts := 0
	flaky := func(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
		attempts++
		if attempts < 3 {
			return nil, context.DeadlineExceeded // 前两次超时
		}
		return okResponse(req), nil
	}

	call := RetryMiddleware(3, time.Millisecond, nil)(flaky)
	_, err := call(context.Background(), listRequest(t))
	if err != nil {
		t.Fatalf("expect recovery after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expect 3 attempts, got %d", attempts)
	}
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	attempts := 0
	failing := func(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
		attempts++
		return nil, jsonrpc.Errorf(jsonrpc.CodeInternalError, "deterministic failure")
	}

	call := RetryMiddleware(3, time.Millisecond, nil)(failing)
	_, err := call(context.Background(), listRequest(t))

	var pe *jsonrpc.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expect the protocol error back, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("protocol errors must not be retried, got %d attempts", attempts)
	}
}

func TestRetryHonorsCustomPredicate(t *testing.T) {
	attempts := 0
	sentinel := errors.New("flaky widget")
	failing := func(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
		attempts++
		return nil, sentinel
	}

	call := RetryMiddleware(2, time.Millisecond, func(err error) bool {
		return errors.Is(err, sentinel)
	})(failing)

	if _, err := call(context.Background(), listRequest(t)); !errors.Is(err, sentinel) {
		t.Fatalf("expect the sentinel after exhausting retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expect 1 attempt + 2 retries, got %d", attempts)
	}
}

func TestChainOrder(t *testing.T) {
	// 用 Chain 组合两个中间件，确认第一个在最外层
	var order []string
	tag := func(name string) Middleware {
		return func(next CallFunc) CallFunc {
			return func(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
				order = append(order, name+"-before")
				resp, err := next(ctx, req)
				order = append(order, name+"-after")
				return resp, err
			}
		}
	}

	call := Chain(tag("outer"), tag("inner"))(echoCall)
	if _, err := call(context.Background(), listRequest(t)); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}

	want := []string{"outer-before", "inner-before", "inner-after", "outer-after"}
	if len(order) != len(want) {
		t.Fatalf("expect %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expect %v, got %v", want, order)
		}
	}
}
