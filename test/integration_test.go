package test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"line-rpc/client"
	"line-rpc/loadbalance"
	"line-rpc/middleware"
	"line-rpc/registry"
	"line-rpc/server"
	"line-rpc/transport"
)

// ---- 测试用的工具与辅助函数 ----

// startServer 启动一个完整的工具服务器（内建工具 + 日志中间件），
// 通过 WithRegistry 自注册到 reg，返回实际监听地址。
func startServer(t *testing.T, reg registry.Registry, name string, extra ...server.Tool) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	srv := server.New(
		server.WithLogger(log.New(io.Discard, "", 0)),
		server.WithInfo(name, "1.0"),
		server.WithRegistry(reg, name, ""),
	)
	srv.Use(middleware.LoggingMiddleware(log.New(io.Discard, "", 0)))
	if err := server.RegisterBuiltins(srv); err != nil {
		t.Fatal(err)
	}
	for _, tool := range extra {
		if err := srv.Register(tool); err != nil {
			t.Fatal(err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- srv.ServeListener(l) }()
	t.Cleanup(func() {
		if err := srv.Shutdown(3 * time.Second); err != nil {
			t.Errorf("shutdown %s: %v", name, err)
		}
		if err := <-done; err != nil {
			t.Errorf("serve %s: %v", name, err)
		}
	})
	return l.Addr().String()
}

// dialConn 建立并初始化一条到 addr 的连接
func dialConn(t *testing.T, addr string, opts ...client.ConnOption) *client.Conn {
	t.Helper()
	tr, err := transport.DialTCP(addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	conn := client.NewConn(tr, opts...)
	if _, err := conn.Initialize(context.Background(), client.ClientInfo{Name: "integration", Version: "1.0"}); err != nil {
		conn.Close()
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// sleepTool 一个故意拖延的工具，用来制造超时
func sleepTool(d time.Duration) server.Tool {
	return server.Tool{
		Name: "sleep",
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			select {
			case <-time.After(d):
				return "awake", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
}

// whoamiTool 报告是哪台实例在应答，用于验证负载均衡
func whoamiTool(id string) server.Tool {
	return server.Tool{
		Name: "whoami",
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			return id, nil
		},
	}
}

// TestFullIntegration 完整端到端测试（不依赖 etcd）
// 链路: Client → StaticRegistry → RoundRobin → 连接池 → Framing → Server → 工具执行
func TestFullIntegration(t *testing.T) {
	reg := registry.NewStaticRegistry()
	startServer(t, reg, "toolbox")

	cli := client.New(reg, &loadbalance.RoundRobinBalancer{},
		client.WithPoolSize(4),
		client.WithClientInfo(client.ClientInfo{Name: "integration", Version: "1.0"}),
	)
	defer cli.Close()
	ctx := context.Background()

	// 1. 服务器应当报告全部内建工具
	tools, err := cli.ListTools(ctx, "toolbox")
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(tools) != 4 {
		t.Fatalf("expect 4 builtin tools, got %d", len(tools))
	}

	// 2. 计算器: add(2, 8) = "10"
	res, err := cli.CallTool(ctx, "toolbox", "calculator", map[string]string{"operation": "add", "a": "2", "b": "8"})
	if err != nil {
		t.Fatalf("Call calculator failed: %v", err)
	}
	if res.Text != "10" {
		t.Fatalf("add(2, 8): expect \"10\", got %q", res.Text)
	}

	// 3. echo 工具原样返回消息
	res, err = cli.CallTool(ctx, "toolbox", "echo", map[string]string{"message": "Hello from echo!"})
	if err != nil {
		t.Fatalf("Call echo failed: %v", err)
	}
	if res.Text != "Hello from echo!" {
		t.Fatalf("echo: expect the message back, got %q", res.Text)
	}

	// 4. cli 工具执行真实命令
	if runtime.GOOS != "windows" {
		res, err = cli.CallTool(ctx, "toolbox", "cli", map[string]string{"command": "echo", "args": "CLI tool working!"})
		if err != nil {
			t.Fatalf("Call cli failed: %v", err)
		}
		if got := res.Text; got != "CLI tool working!\n" {
			t.Fatalf("cli echo: got %q", got)
		}
	}
}

// TestMultiServerRoundRobin 多实例 + 轮询负载均衡
func TestMultiServerRoundRobin(t *testing.T) {
	reg := registry.NewStaticRegistry()
	startServer(t, reg, "toolbox", whoamiTool("server-1"))
	startServer(t, reg, "toolbox", whoamiTool("server-2"))

	cli := client.New(reg, &loadbalance.RoundRobinBalancer{}, client.WithPoolSize(2))
	defer cli.Close()

	// 发 8 个请求，轮询应当 4/4 均匀分配到两台实例
	seen := map[string]int{}
	for i := 0; i < 8; i++ {
		res, err := cli.CallTool(context.Background(), "toolbox", "whoami", nil)
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		seen[res.Text]++
	}
	if seen["server-1"] != 4 || seen["server-2"] != 4 {
		t.Fatalf("expect a 4/4 split across instances, got %v", seen)
	}
}

// TestConcurrentCallsOneConnection 单连接多路复用：并发请求各自拿到自己的应答
func TestConcurrentCallsOneConnection(t *testing.T) {
	reg := registry.NewStaticRegistry()
	addr := startServer(t, reg, "toolbox")
	conn := dialConn(t, addr)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			args := map[string]string{
				"operation": "add",
				"a":         strconv.Itoa(i),
				"b":         strconv.Itoa(i * 10),
			}
			res, err := conn.CallTool(context.Background(), "calculator", args)
			if err != nil {
				errs <- fmt.Errorf("request %d failed: %w", i, err)
				return
			}
			if want := strconv.Itoa(i + i*10); res.Text != want {
				errs <- fmt.Errorf("request %d: expect %s, got %s", i, want, res.Text)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

// TestTimeoutLeavesConnectionUsable 超时只烧掉一个 id，连接本身必须还能用
func TestTimeoutLeavesConnectionUsable(t *testing.T) {
	reg := registry.NewStaticRegistry()
	addr := startServer(t, reg, "toolbox", sleepTool(500*time.Millisecond))
	conn := dialConn(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := conn.CallTool(ctx, "sleep", nil)
	var te *client.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expect TimeoutError, got %v", err)
	}

	// 迟到的应答会被丢弃；新请求用新 id 照常工作
	res, err := conn.CallTool(context.Background(), "echo", map[string]string{"message": "still usable"})
	if err != nil {
		t.Fatalf("call after timeout failed: %v", err)
	}
	if res.Text != "still usable" {
		t.Fatalf("expect echo after timeout, got %q", res.Text)
	}
}

// TestCloseWithPendingCall 挂着未完成请求时关连接：请求必须立刻失败而不是悬死
func TestCloseWithPendingCall(t *testing.T) {
	reg := registry.NewStaticRegistry()
	addr := startServer(t, reg, "toolbox", sleepTool(time.Second))

	tr, err := transport.DialTCP(addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	conn := client.NewConn(tr)
	if _, err := conn.Initialize(context.Background(), client.ClientInfo{Name: "integration", Version: "1.0"}); err != nil {
		conn.Close()
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.CallTool(context.Background(), "sleep", nil)
		errCh <- err
	}()

	time.Sleep(100 * time.Millisecond) // 等请求发出
	conn.Close()

	select {
	case err := <-errCh:
		var ce *client.ClosedError
		if !errors.As(err, &ce) || !errors.Is(err, client.ErrClosed) {
			t.Fatalf("expect ClosedError, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending call hung after Close")
	}
}

// TestStdioProcess 进程模式：把测试二进制作为子进程重新执行，
// 子进程里 TestHelperProcess 用 server.Run 接管 stdin/stdout。
func TestStdioProcess(t *testing.T) {
	t.Setenv("LINE_RPC_STDIO_HELPER", "1")

	tr, err := transport.SpawnProcess(transport.ProcessConfig{
		Path:        os.Args[0],
		Args:        []string{"-test.run=^TestHelperProcess$"},
		GracePeriod: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}

	conn := client.NewConn(tr)
	init, err := conn.Initialize(context.Background(), client.ClientInfo{Name: "stdio-test", Version: "1.0"})
	if err != nil {
		conn.Close()
		t.Fatalf("initialize over stdio failed: %v", err)
	}
	if init.ProtocolVersion != "2024-11-05" {
		t.Fatalf("expect protocolVersion 2024-11-05, got %s", init.ProtocolVersion)
	}

	tools, err := conn.ListTools(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 4 {
		t.Fatalf("expect 4 tools over stdio, got %d", len(tools))
	}

	res, err := conn.CallTool(context.Background(), "calculator", map[string]string{"operation": "add", "a": "2", "b": "8"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "10" {
		t.Fatalf("add(2, 8) over stdio: expect \"10\", got %q", res.Text)
	}

	// 关闭 stdin 后子进程应在宽限期内自行退出（Close 返回 nil 即未动用 Kill）
	if err := conn.Close(); err != nil {
		t.Fatalf("graceful close failed: %v", err)
	}
}

// TestHelperProcess 不是真正的测试：TestStdioProcess 把测试二进制
// 作为工具服务器子进程运行时才会走到 Run。
func TestHelperProcess(t *testing.T) {
	if os.Getenv("LINE_RPC_STDIO_HELPER") != "1" {
		t.Skip("helper for TestStdioProcess")
	}
	srv := server.New(
		server.WithLogger(log.New(os.Stderr, "[helper] ", log.LstdFlags)),
		server.WithInfo("stdio-helper", "1.0"),
	)
	if err := server.RegisterBuiltins(srv); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := srv.Run(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func etcdReachable() bool {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{"127.0.0.1:2379"},
		DialTimeout: time.Second,
	})
	if err != nil {
		return false
	}
	defer cli.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = cli.Status(ctx, "127.0.0.1:2379")
	return err == nil
}

// TestFullIntegrationWithEtcd 完整端到端测试
// 链路: Client → Registry(etcd) → LB → 连接池 → Framing → Middleware → Server → 工具执行
func TestFullIntegrationWithEtcd(t *testing.T) {
	if !etcdReachable() {
		t.Skip("etcd not reachable at 127.0.0.1:2379")
	}

	reg, err := registry.NewEtcdRegistry([]string{"127.0.0.1:2379"})
	if err != nil {
		t.Fatalf("failed to connect etcd: %v", err)
	}
	defer reg.Close()

	startServer(t, reg, "toolbox-etcd")

	cli := client.New(reg, &loadbalance.RoundRobinBalancer{},
		client.WithMiddleware(middleware.LoggingMiddleware(log.New(io.Discard, "", 0))),
	)
	defer cli.Close()
	ctx := context.Background()

	res, err := cli.CallTool(ctx, "toolbox-etcd", "calculator", map[string]string{"operation": "add", "a": "3", "b": "5"})
	if err != nil {
		t.Fatalf("Call add failed: %v", err)
	}
	if res.Text != "8" {
		t.Fatalf("add(3, 5): expect 8, got %s", res.Text)
	}

	res, err = cli.CallTool(ctx, "toolbox-etcd", "calculator", map[string]string{"operation": "multiply", "a": "4", "b": "6"})
	if err != nil {
		t.Fatalf("Call multiply failed: %v", err)
	}
	if res.Text != "24" {
		t.Fatalf("multiply(4, 6): expect 24, got %s", res.Text)
	}

	t.Log("Full integration test with etcd passed!")
}
