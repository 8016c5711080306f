// ledgerctl 帳本管理 API 的命令列客戶端
//
// 用法:
//
//	ledgerctl [-addr host:port] [-actor name] <command> [args]
//
//	receipt <kind> <id>                    顯示擁有者收據
//	create-receipt <kind> <id>             建立收據
//	add-item <receipt_id> <cents> <desc>   新增自訂項目
//	pay <receipt_id> <cash|manual> <cents> 記錄現金/人工付款
//	refund <txn_id> <cents> [workstation]  退款
//	refund-all <receipt_id>                全部退款
//	poll <workstation>                     查詢終端機狀態
//	close-out <workstation>                終端機結帳
//	load <receipt_id> [total] [concurrency] 壓測 GetReceipt
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	grpc_adapter "github.com/JoeShih716/go-receipt-ledger/internal/app/core/adapter/in/grpc"
	grpcpkg "github.com/JoeShih716/go-receipt-ledger/pkg/grpc"
)

func main() {
	addr := flag.String("addr", "localhost:50051", "ledger gRPC address")
	actor := flag.String("actor", os.Getenv("USER"), "operator name recorded on changes")
	timeout := flag.Duration("timeout", 3*time.Minute, "request timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	pool := grpcpkg.NewPool(grpcpkg.WithActor(grpc_adapter.ActorHeader, *actor))
	defer pool.Close()
	conn, err := pool.GetConnection(*addr)
	if err != nil {
		log.Fatalf("did not connect: %v", err)
	}
	c := grpc_adapter.NewClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	out, err := run(ctx, c, args[0], args[1:])
	if err != nil {
		log.Fatalf("%s: %v", args[0], err)
	}
	if out != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
	}
}

func run(ctx context.Context, c *grpc_adapter.Client, cmd string, args []string) (any, error) {
	switch cmd {
	case "receipt":
		if err := need(args, 2); err != nil {
			return nil, err
		}
		return c.GetReceipt(ctx, &grpc_adapter.GetReceiptRequest{Owner: grpc_adapter.OwnerRef{Kind: args[0], ID: args[1]}})
	case "create-receipt":
		if err := need(args, 2); err != nil {
			return nil, err
		}
		return c.CreateReceipt(ctx, &grpc_adapter.CreateReceiptRequest{Owner: grpc_adapter.OwnerRef{Kind: args[0], ID: args[1]}, Create: true})
	case "add-item":
		if err := need(args, 3); err != nil {
			return nil, err
		}
		nums, err := ints(args[:2])
		if err != nil {
			return nil, err
		}
		return c.AddCustomItem(ctx, &grpc_adapter.AddItemRequest{ReceiptID: nums[0], Amount: nums[1], Desc: strings.Join(args[2:], " ")})
	case "pay":
		if err := need(args, 3); err != nil {
			return nil, err
		}
		nums, err := ints([]string{args[0], args[2]})
		if err != nil {
			return nil, err
		}
		return c.RecordManualPayment(ctx, &grpc_adapter.ManualPaymentRequest{ReceiptID: nums[0], Method: args[1], Amount: nums[1]})
	case "refund":
		if err := need(args, 2); err != nil {
			return nil, err
		}
		nums, err := ints(args[:2])
		if err != nil {
			return nil, err
		}
		req := &grpc_adapter.RefundRequest{TxnID: nums[0], Amount: nums[1]}
		if len(args) > 2 {
			req.Workstation = args[2]
		}
		return c.Refund(ctx, req)
	case "refund-all":
		if err := need(args, 1); err != nil {
			return nil, err
		}
		nums, err := ints(args[:1])
		if err != nil {
			return nil, err
		}
		return c.RefundAll(ctx, &grpc_adapter.ReceiptIDRequest{ReceiptID: nums[0]})
	case "poll":
		if err := need(args, 1); err != nil {
			return nil, err
		}
		return c.PollTerminal(ctx, &grpc_adapter.WorkstationRequest{Workstation: args[0]})
	case "close-out":
		if err := need(args, 1); err != nil {
			return nil, err
		}
		return c.CloseOutTerminal(ctx, &grpc_adapter.WorkstationRequest{Workstation: args[0]})
	case "load":
		if err := need(args, 1); err != nil {
			return nil, err
		}
		return nil, load(ctx, c, args)
	default:
		return nil, fmt.Errorf("unknown command %q", cmd)
	}
}

// load 以固定併發量重複讀取同一張收據
func load(ctx context.Context, c *grpc_adapter.Client, args []string) error {
	params := []string{args[0], "10000", "100"}
	copy(params, args)
	nums, err := ints(params)
	if err != nil {
		return err
	}
	receiptID, totalCount, concurrency := nums[0], int(nums[1]), int(nums[2])

	var (
		wg     sync.WaitGroup
		failed atomic.Int64
	)
	wg.Add(totalCount)
	sem := make(chan struct{}, concurrency)
	startTime := time.Now()

	for i := 0; i < totalCount; i++ {
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := c.GetReceipt(ctx, &grpc_adapter.GetReceiptRequest{ReceiptID: receiptID}); err != nil {
				if failed.Add(1) == 1 {
					log.Printf("GetReceipt %d failed: %v", idx, err)
				}
			}
		}(i)
	}
	wg.Wait()

	elapsed := time.Since(startTime)
	fmt.Printf("Completed %d requests in %v (%d failed)\n", totalCount, elapsed, failed.Load())
	fmt.Printf("RPS: %.2f\n", float64(totalCount)/elapsed.Seconds())
	return nil
}

func need(args []string, n int) error {
	if len(args) < n {
		return fmt.Errorf("expected %d arguments, got %d", n, len(args))
	}
	return nil
}

func ints(args []string) ([]int64, error) {
	out := make([]int64, len(args))
	for i, a := range args {
		v, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", a)
		}
		out[i] = v
	}
	return out, nil
}
