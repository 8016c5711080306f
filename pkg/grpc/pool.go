package grpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
)

// Pool 帳本 API 客戶端連線池，每個目標地址只保留一條連線
//
// 建立的連線預設使用 JSON codec，並依設定在每次呼叫附上操作者 metadata。
type Pool struct {
	mu    sync.RWMutex
	conns map[string]*grpc.ClientConn

	interceptors []grpc.UnaryClientInterceptor
	keepalive    time.Duration
}

// PoolOption Pool 的設定
type PoolOption func(*Pool)

// WithInterceptor 加入一個 UnaryClientInterceptor，依加入順序串接
func WithInterceptor(interceptor grpc.UnaryClientInterceptor) PoolOption {
	return func(p *Pool) {
		p.interceptors = append(p.interceptors, interceptor)
	}
}

// WithActor 每次呼叫附上操作者名稱 (header 為 metadata key)
//
// actor 為空時不做任何事。
func WithActor(header, actor string) PoolOption {
	return func(p *Pool) {
		if actor == "" {
			return
		}
		p.interceptors = append(p.interceptors, ActorInterceptor(header, actor))
	}
}

// WithKeepalive 設定 keepalive ping 間隔
func WithKeepalive(interval time.Duration) PoolOption {
	return func(p *Pool) {
		p.keepalive = interval
	}
}

// ActorInterceptor 在 outgoing metadata 沒有 header 時補上 actor
func ActorInterceptor(header, actor string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		md, _ := metadata.FromOutgoingContext(ctx)
		if len(md.Get(header)) == 0 {
			ctx = metadata.AppendToOutgoingContext(ctx, header, actor)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		conns:     make(map[string]*grpc.ClientConn),
		keepalive: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetConnection 取得 target 的連線，已關閉的連線會重建
//
// opts 附加在預設選項之後，可覆寫預設值 (例如測試用的 dialer)。
func (p *Pool) GetConnection(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	p.mu.RLock()
	conn, ok := p.conns[target]
	p.mu.RUnlock()
	if ok && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[target]; ok {
		if conn.GetState() != connectivity.Shutdown {
			return conn, nil
		}
		delete(p.conns, target)
	}

	dialOpts := []grpc.DialOption{
		// 叢集內部通訊，不走 TLS
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                p.keepalive,
			Timeout:             time.Second,
			PermitWithoutStream: true,
		}),
		WithJSONCodec(),
	}
	if len(p.interceptors) > 0 {
		dialOpts = append(dialOpts, grpc.WithChainUnaryInterceptor(p.interceptors...))
	}
	dialOpts = append(dialOpts, opts...)

	// NewClient 不會立即連線，第一次呼叫時才建立
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("create ledger client for %s: %w", target, err)
	}
	p.conns[target] = conn
	return conn, nil
}

// Close 關閉所有連線，回傳第一個錯誤
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for target, conn := range p.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.conns, target)
	}
	return firstErr
}
