package ocpp16

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/charging-platform/ocpp-gateway/internal/business/transaction"
	"github.com/charging-platform/ocpp-gateway/internal/domain/events"
	"github.com/charging-platform/ocpp-gateway/internal/domain/ocpp16"
)

// registerCoreProfile 注册充电桩发起的六个核心动作
func registerCoreProfile(r *Router) {
	routes := map[ocpp16.Action]Route{
		ocpp16.ActionBootNotification: {
			NewRequest: func() interface{} { return &ocpp16.BootNotificationRequest{} },
			Handle:     handleBootNotification,
		},
		ocpp16.ActionHeartbeat: {
			NewRequest: func() interface{} { return &ocpp16.HeartbeatRequest{} },
			Handle:     handleHeartbeat,
		},
		ocpp16.ActionStatusNotification: {
			NewRequest: func() interface{} { return &ocpp16.StatusNotificationRequest{} },
			Handle:     handleStatusNotification,
		},
		ocpp16.ActionAuthorize: {
			NewRequest: func() interface{} { return &ocpp16.AuthorizeRequest{} },
			Handle:     handleAuthorize,
		},
		ocpp16.ActionStartTransaction: {
			NewRequest: func() interface{} { return &ocpp16.StartTransactionRequest{} },
			Handle:     handleStartTransaction,
		},
		ocpp16.ActionStopTransaction: {
			NewRequest: func() interface{} { return &ocpp16.StopTransactionRequest{} },
			Handle:     handleStopTransaction,
		},
	}
	for action, route := range routes {
		if err := r.Register(action, route); err != nil {
			panic(err)
		}
	}
}

// handleBootNotification 无条件接受启动，启动响应发出后再异步下发启动配置
func handleBootNotification(_ context.Context, s *Session, request interface{}) (interface{}, error) {
	req := request.(*ocpp16.BootNotificationRequest)
	p := s.processor

	s.onBooted()

	interval := int(p.config.HeartbeatInterval.Seconds())
	p.logger.Infof("BootNotification from %s: vendor=%s, model=%s", s.identity, req.ChargePointVendor, req.ChargePointModel)
	p.publish(p.eventFactory.CreateChargePointRegisteredEvent(s.identity, events.ChargePointInfo{
		Vendor:          req.ChargePointVendor,
		Model:           req.ChargePointModel,
		SerialNumber:    req.ChargePointSerialNumber,
		FirmwareVersion: req.FirmwareVersion,
	}, interval))

	if len(p.config.BootConfiguration) > 0 {
		s.deferUntilReplied(func() { go s.pushBootConfiguration() })
	}

	return &ocpp16.BootNotificationResponse{
		CurrentTime: ocpp16.DateTime{Time: p.now()},
		Interval:    interval,
		Status:      ocpp16.RegistrationStatusAccepted,
	}, nil
}

func handleHeartbeat(_ context.Context, s *Session, _ interface{}) (interface{}, error) {
	s.onAlive()
	return &ocpp16.HeartbeatResponse{CurrentTime: ocpp16.DateTime{Time: s.processor.now()}}, nil
}

func handleStatusNotification(_ context.Context, s *Session, request interface{}) (interface{}, error) {
	req := request.(*ocpp16.StatusNotificationRequest)
	s.onAlive()
	s.logger.Debugf("StatusNotification from %s: connector=%d, status=%s, error=%s", s.identity, *req.ConnectorId, req.Status, req.ErrorCode)
	return &ocpp16.StatusNotificationResponse{}, nil
}

// handleAuthorize 只查询策略，不改变会话状态
func handleAuthorize(ctx context.Context, s *Session, request interface{}) (interface{}, error) {
	req := request.(*ocpp16.AuthorizeRequest)
	if s.processor.policy == nil {
		return nil, errors.New("no authorization policy configured")
	}
	result := s.processor.policy.Authorize(ctx, req.IdTag)
	s.logger.Infof("Authorize %s on %s: %s", req.IdTag, s.identity, result.Status)
	return &ocpp16.AuthorizeResponse{IdTagInfo: result.IdTagInfo()}, nil
}

// handleStartTransaction 授权被拒时回复Blocked且不分配交易ID
func handleStartTransaction(ctx context.Context, s *Session, request interface{}) (interface{}, error) {
	req := request.(*ocpp16.StartTransactionRequest)
	if s.processor.transactions == nil {
		return nil, errors.New("no transaction service configured")
	}

	tx, err := s.processor.transactions.Start(ctx, s.identity, *req.ConnectorId, req.IdTag, *req.MeterStart, req.Timestamp.Time)
	if err != nil {
		if errors.Is(err, transaction.ErrAuthorizationRejected) {
			return &ocpp16.StartTransactionResponse{
				IdTagInfo: ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusBlocked},
			}, nil
		}
		return nil, fmt.Errorf("start transaction: %w", err)
	}

	s.onTransactionStarted(tx.ID, tx.ConnectorID)
	return &ocpp16.StartTransactionResponse{
		IdTagInfo:     ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted},
		TransactionId: tx.ID,
	}, nil
}

// handleStopTransaction 未知、已停止或属于其他充电桩的交易回复Invalid，连接保持
func handleStopTransaction(ctx context.Context, s *Session, request interface{}) (interface{}, error) {
	req := request.(*ocpp16.StopTransactionRequest)
	if s.processor.transactions == nil {
		return nil, errors.New("no transaction service configured")
	}

	if _, err := s.processor.transactions.StopOwned(ctx, s.identity, *req.TransactionId, *req.MeterStop, req.Timestamp.Time); err != nil {
		s.logger.Warnf("StopTransaction %d from %s rejected: %v", *req.TransactionId, s.identity, err)
		return &ocpp16.StopTransactionResponse{
			IdTagInfo: &ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusInvalid},
		}, nil
	}

	s.onTransactionStopped(*req.TransactionId)
	return &ocpp16.StopTransactionResponse{
		IdTagInfo: &ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted},
	}, nil
}

// pushBootConfiguration 依次下发启动配置，结果只记录日志
func (s *Session) pushBootConfiguration() {
	p := s.processor
	ctx, cancel := context.WithTimeout(context.Background(), p.config.BootConfigurationTimeout)
	defer cancel()

	for _, item := range p.config.BootConfiguration {
		payload, err := s.Call(ctx, ocpp16.ActionChangeConfiguration, ocpp16.ChangeConfigurationRequest{
			Key:   item.Key,
			Value: item.Value,
		})
		if err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				return
			}
			s.logger.Warnf("ChangeConfiguration %s=%s on %s failed: %v", item.Key, item.Value, s.identity, err)
			continue
		}

		var resp ocpp16.ChangeConfigurationResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			s.logger.Warnf("Invalid ChangeConfiguration response from %s: %v", s.identity, err)
			continue
		}
		s.logger.Infof("ChangeConfiguration %s=%s on %s: %s", item.Key, item.Value, s.identity, resp.Status)
	}
}
