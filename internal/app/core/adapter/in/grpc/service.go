package grpc

import (
	"context"

	"google.golang.org/grpc"

	grpcpkg "github.com/JoeShih716/go-receipt-ledger/pkg/grpc"
)

// ServiceName gRPC 服務全名
const ServiceName = "receiptledger.v1.LedgerService"

// LedgerServiceServer 帳本管理 API
type LedgerServiceServer interface {
	GetReceipt(context.Context, *GetReceiptRequest) (*Receipt, error)
	CreateReceipt(context.Context, *CreateReceiptRequest) (*CreateReceiptResponse, error)
	ComputeAttributeChange(context.Context, *AttributeChangeRequest) (*AttributeChangeResponse, error)
	ApplyParamChanges(context.Context, *ApplyParamsRequest) (*ItemsResponse, error)
	AddCustomItem(context.Context, *AddItemRequest) (*Item, error)
	RemoveItem(context.Context, *RemoveItemRequest) (*Empty, error)
	RecordManualPayment(context.Context, *ManualPaymentRequest) (*TransactionResponse, error)
	PreparePayment(context.Context, *PreparePaymentRequest) (*PreparePaymentResponse, error)
	ChargeDirect(context.Context, *ChargeDirectRequest) (*TransactionsResponse, error)
	CompleteHostedPayment(context.Context, *IntentRequest) (*TransactionsResponse, error)
	Refund(context.Context, *RefundRequest) (*TransactionResponse, error)
	RefundAll(context.Context, *ReceiptIDRequest) (*RefundAllResponse, error)
	StartTerminalSale(context.Context, *TerminalSaleRequest) (*TerminalSaleResponse, error)
	PollTerminal(context.Context, *WorkstationRequest) (*TerminalStatus, error)
	CloseOutTerminal(context.Context, *WorkstationRequest) (*TerminalResult, error)
	SaveOwner(context.Context, *SaveOwnerRequest) (*Empty, error)
}

// unary 產生單一 RPC 的 MethodDesc
func unary[Req, Resp any](name string, call func(LedgerServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(LedgerServiceServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// LedgerServiceDesc 手寫的 service descriptor，搭配 JSON codec 使用
var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetReceipt", LedgerServiceServer.GetReceipt),
		unary("CreateReceipt", LedgerServiceServer.CreateReceipt),
		unary("ComputeAttributeChange", LedgerServiceServer.ComputeAttributeChange),
		unary("ApplyParamChanges", LedgerServiceServer.ApplyParamChanges),
		unary("AddCustomItem", LedgerServiceServer.AddCustomItem),
		unary("RemoveItem", LedgerServiceServer.RemoveItem),
		unary("RecordManualPayment", LedgerServiceServer.RecordManualPayment),
		unary("PreparePayment", LedgerServiceServer.PreparePayment),
		unary("ChargeDirect", LedgerServiceServer.ChargeDirect),
		unary("CompleteHostedPayment", LedgerServiceServer.CompleteHostedPayment),
		unary("Refund", LedgerServiceServer.Refund),
		unary("RefundAll", LedgerServiceServer.RefundAll),
		unary("StartTerminalSale", LedgerServiceServer.StartTerminalSale),
		unary("PollTerminal", LedgerServiceServer.PollTerminal),
		unary("CloseOutTerminal", LedgerServiceServer.CloseOutTerminal),
		unary("SaveOwner", LedgerServiceServer.SaveOwner),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "receiptledger/v1/ledger.json",
}

// RegisterLedgerServiceServer 註冊到 grpc.Server
func RegisterLedgerServiceServer(s grpc.ServiceRegistrar, srv LedgerServiceServer) {
	s.RegisterService(&LedgerServiceDesc, srv)
}

// Client LedgerService 的客戶端
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, req any, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(grpcpkg.CodecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetReceipt(ctx context.Context, in *GetReceiptRequest, opts ...grpc.CallOption) (*Receipt, error) {
	return invoke[Receipt](ctx, c.cc, "GetReceipt", in, opts...)
}

func (c *Client) CreateReceipt(ctx context.Context, in *CreateReceiptRequest, opts ...grpc.CallOption) (*CreateReceiptResponse, error) {
	return invoke[CreateReceiptResponse](ctx, c.cc, "CreateReceipt", in, opts...)
}

func (c *Client) ComputeAttributeChange(ctx context.Context, in *AttributeChangeRequest, opts ...grpc.CallOption) (*AttributeChangeResponse, error) {
	return invoke[AttributeChangeResponse](ctx, c.cc, "ComputeAttributeChange", in, opts...)
}

func (c *Client) ApplyParamChanges(ctx context.Context, in *ApplyParamsRequest, opts ...grpc.CallOption) (*ItemsResponse, error) {
	return invoke[ItemsResponse](ctx, c.cc, "ApplyParamChanges", in, opts...)
}

func (c *Client) AddCustomItem(ctx context.Context, in *AddItemRequest, opts ...grpc.CallOption) (*Item, error) {
	return invoke[Item](ctx, c.cc, "AddCustomItem", in, opts...)
}

func (c *Client) RemoveItem(ctx context.Context, in *RemoveItemRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "RemoveItem", in, opts...)
}

func (c *Client) RecordManualPayment(ctx context.Context, in *ManualPaymentRequest, opts ...grpc.CallOption) (*TransactionResponse, error) {
	return invoke[TransactionResponse](ctx, c.cc, "RecordManualPayment", in, opts...)
}

func (c *Client) PreparePayment(ctx context.Context, in *PreparePaymentRequest, opts ...grpc.CallOption) (*PreparePaymentResponse, error) {
	return invoke[PreparePaymentResponse](ctx, c.cc, "PreparePayment", in, opts...)
}

func (c *Client) ChargeDirect(ctx context.Context, in *ChargeDirectRequest, opts ...grpc.CallOption) (*TransactionsResponse, error) {
	return invoke[TransactionsResponse](ctx, c.cc, "ChargeDirect", in, opts...)
}

func (c *Client) CompleteHostedPayment(ctx context.Context, in *IntentRequest, opts ...grpc.CallOption) (*TransactionsResponse, error) {
	return invoke[TransactionsResponse](ctx, c.cc, "CompleteHostedPayment", in, opts...)
}

func (c *Client) Refund(ctx context.Context, in *RefundRequest, opts ...grpc.CallOption) (*TransactionResponse, error) {
	return invoke[TransactionResponse](ctx, c.cc, "Refund", in, opts...)
}

func (c *Client) RefundAll(ctx context.Context, in *ReceiptIDRequest, opts ...grpc.CallOption) (*RefundAllResponse, error) {
	return invoke[RefundAllResponse](ctx, c.cc, "RefundAll", in, opts...)
}

func (c *Client) StartTerminalSale(ctx context.Context, in *TerminalSaleRequest, opts ...grpc.CallOption) (*TerminalSaleResponse, error) {
	return invoke[TerminalSaleResponse](ctx, c.cc, "StartTerminalSale", in, opts...)
}

func (c *Client) PollTerminal(ctx context.Context, in *WorkstationRequest, opts ...grpc.CallOption) (*TerminalStatus, error) {
	return invoke[TerminalStatus](ctx, c.cc, "PollTerminal", in, opts...)
}

func (c *Client) CloseOutTerminal(ctx context.Context, in *WorkstationRequest, opts ...grpc.CallOption) (*TerminalResult, error) {
	return invoke[TerminalResult](ctx, c.cc, "CloseOutTerminal", in, opts...)
}

func (c *Client) SaveOwner(ctx context.Context, in *SaveOwnerRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "SaveOwner", in, opts...)
}
