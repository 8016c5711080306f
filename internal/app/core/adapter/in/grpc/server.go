package grpc

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/usecase"
)

// ActorHeader 操作者名稱的 metadata key
const ActorHeader = "x-ledger-actor"

type GrpcServer struct {
	core   *usecase.CoreUseCase
	logger *zap.Logger
}

func NewGrpcServer(core *usecase.CoreUseCase, logger *zap.Logger) *GrpcServer {
	return &GrpcServer{
		core:   core,
		logger: logger,
	}
}

var _ LedgerServiceServer = (*GrpcServer)(nil)

func (s *GrpcServer) GetReceipt(ctx context.Context, req *GetReceiptRequest) (*Receipt, error) {
	var (
		receipt *domain.Receipt
		err     error
	)
	if req.ReceiptID != 0 {
		receipt, err = s.core.ReceiptByID(ctx, req.ReceiptID)
	} else {
		receipt, err = s.core.Receipt(ctx, req.Owner.toDomain())
	}
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toReceipt(receipt), nil
}

func (s *GrpcServer) CreateReceipt(ctx context.Context, req *CreateReceiptRequest) (*CreateReceiptResponse, error) {
	owner, err := s.core.Owner(ctx, req.Owner.toDomain())
	if err != nil {
		return nil, s.toStatus(err)
	}
	receipt, preview, err := s.core.CreateReceipt(ctx, owner, req.Create)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &CreateReceiptResponse{Receipt: toReceipt(receipt), Preview: preview}, nil
}

func (s *GrpcServer) ComputeAttributeChange(ctx context.Context, req *AttributeChangeRequest) (*AttributeChangeResponse, error) {
	owner, err := s.core.Owner(ctx, req.Owner.toDomain())
	if err != nil {
		return nil, s.toStatus(err)
	}
	change, err := s.core.ComputeAttributeChange(owner, req.Field, req.Value)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toChange(change), nil
}

func (s *GrpcServer) ApplyParamChanges(ctx context.Context, req *ApplyParamsRequest) (*ItemsResponse, error) {
	items, err := s.core.ApplyParamChanges(ctx, req.Owner.toDomain(), req.Params, req.Persist)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &ItemsResponse{Items: toItems(items)}, nil
}

func (s *GrpcServer) AddCustomItem(ctx context.Context, req *AddItemRequest) (*Item, error) {
	item, err := s.core.AddCustomItem(ctx, req.ReceiptID, req.Desc, req.Amount)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toItem(item), nil
}

func (s *GrpcServer) RemoveItem(ctx context.Context, req *RemoveItemRequest) (*Empty, error) {
	if err := s.core.RemoveItem(ctx, req.ReceiptID, req.ItemID); err != nil {
		return nil, s.toStatus(err)
	}
	return &Empty{}, nil
}

func (s *GrpcServer) RecordManualPayment(ctx context.Context, req *ManualPaymentRequest) (*TransactionResponse, error) {
	txn, err := s.core.RecordManualPayment(ctx, req.ReceiptID, domain.PaymentMethod(req.Method), req.Amount, req.Desc)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &TransactionResponse{Transaction: toTransaction(txn)}, nil
}

func (s *GrpcServer) PreparePayment(ctx context.Context, req *PreparePaymentRequest) (*PreparePaymentResponse, error) {
	prepared, err := s.core.PreparePayment(ctx, usecase.ChargeRequest{
		ReceiptID:    req.ReceiptID,
		Amount:       req.Amount,
		Description:  req.Description,
		ReceiptEmail: req.ReceiptEmail,
		Customer: usecase.CustomerRef{
			ID:    req.Customer.ID,
			Email: req.Customer.Email,
			Name:  req.Customer.Name,
		},
	})
	if err != nil {
		return nil, s.toStatus(err)
	}
	resp := &PreparePaymentResponse{
		IntentID:     prepared.Intent.ID,
		Amount:       prepared.Intent.Amount,
		ClientSecret: prepared.Intent.ClientSecret,
		CustomerID:   prepared.Intent.CustomerID,
		Transaction:  toTransaction(prepared.Txn),
	}
	if prepared.Attempt != nil {
		resp.State = string(prepared.Attempt.State)
	}
	return resp, nil
}

func (s *GrpcServer) ChargeDirect(ctx context.Context, req *ChargeDirectRequest) (*TransactionsResponse, error) {
	txns, err := s.core.ChargeDirect(ctx, req.IntentID, req.details())
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &TransactionsResponse{Transactions: toTransactions(txns)}, nil
}

func (s *GrpcServer) CompleteHostedPayment(ctx context.Context, req *IntentRequest) (*TransactionsResponse, error) {
	txns, err := s.core.CompleteHostedPayment(ctx, req.IntentID)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &TransactionsResponse{Transactions: toTransactions(txns)}, nil
}

func (s *GrpcServer) Refund(ctx context.Context, req *RefundRequest) (*TransactionResponse, error) {
	txn, err := s.core.Refund(ctx, req.TxnID, req.Amount, req.Workstation)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &TransactionResponse{Transaction: toTransaction(txn)}, nil
}

func (s *GrpcServer) RefundAll(ctx context.Context, req *ReceiptIDRequest) (*RefundAllResponse, error) {
	summary, err := s.core.RefundAll(ctx, req.ReceiptID)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &RefundAllResponse{Refunds: toTransactions(summary.Refunds), Skipped: summary.Skipped}, nil
}

func (s *GrpcServer) StartTerminalSale(ctx context.Context, req *TerminalSaleRequest) (*TerminalSaleResponse, error) {
	result, err := s.core.StartTerminalSale(ctx, req.toUseCase())
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toSaleResponse(result), nil
}

func (s *GrpcServer) PollTerminal(ctx context.Context, req *WorkstationRequest) (*TerminalStatus, error) {
	st, err := s.core.PollTerminal(ctx, req.Workstation)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return st, nil
}

func (s *GrpcServer) CloseOutTerminal(ctx context.Context, req *WorkstationRequest) (*TerminalResult, error) {
	resp, err := s.core.CloseOutTerminal(ctx, req.Workstation)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &TerminalResult{
		Approved:       resp.Approved,
		Message:        resp.Message,
		ApprovedAmount: resp.ApprovedAmount,
		ReferenceID:    resp.ReferenceID,
		Raw:            resp.Raw,
	}, nil
}

func (s *GrpcServer) SaveOwner(ctx context.Context, req *SaveOwnerRequest) (*Empty, error) {
	owner, err := req.toDomain()
	if err != nil {
		return nil, s.toStatus(err)
	}
	if err := s.core.SaveOwner(ctx, owner); err != nil {
		return nil, s.toStatus(err)
	}
	return &Empty{}, nil
}

// toStatus 依錯誤分類轉成 gRPC status
// 訊息一律使用 PaymentError.Message，integrity 細節只寫 log
func (s *GrpcServer) toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrReceiptNotFound),
		errors.Is(err, domain.ErrItemNotFound),
		errors.Is(err, domain.ErrTransactionNotFound),
		errors.Is(err, domain.ErrOwnerNotFound),
		errors.Is(err, domain.ErrTrackingNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}

	var pe *domain.PaymentError
	if !errors.As(err, &pe) {
		s.logger.Error("unclassified error", zap.Error(err))
		return status.Error(codes.Internal, err.Error())
	}
	switch pe.Kind {
	case domain.KindValidation:
		if errors.Is(err, domain.ErrItemLocked) || errors.Is(err, domain.ErrProviderNotConfigured) {
			return status.Error(codes.FailedPrecondition, pe.Message)
		}
		return status.Error(codes.InvalidArgument, pe.Message)
	case domain.KindProviderRejection:
		return status.Error(codes.FailedPrecondition, pe.Message)
	case domain.KindConnectivity:
		return status.Error(codes.Unavailable, pe.Message)
	case domain.KindIntegrity:
		s.logger.Error("ledger integrity error", zap.String("detail", pe.Detail()))
		return status.Error(codes.Internal, pe.Message)
	default:
		return status.Error(codes.Internal, pe.Message)
	}
}

// UnaryInterceptor 從 metadata 取得操作者並記錄每次呼叫
func UnaryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if actors := md.Get(ActorHeader); len(actors) > 0 {
				ctx = usecase.WithActor(ctx, actors[0])
			}
		}
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("elapsed", time.Since(start)),
		}
		if err != nil {
			logger.Warn("rpc failed", append(fields, zap.String("code", status.Code(err).String()), zap.Error(err))...)
		} else {
			logger.Debug("rpc ok", fields...)
		}
		return resp, err
	}
}
