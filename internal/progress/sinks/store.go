package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/progress"
)

// DeliveryWriter is the write side of the delivery log.
type DeliveryWriter interface {
	RecordDelivery(ctx context.Context, record monitor.DeliveryRecord) error
}

// DeliveryLog persists notification outcomes as DeliveryRecords so owners can
// review failed deliveries. Unlike the hub sinks it is called synchronously by
// the router, so records are never dropped under backpressure.
type DeliveryLog struct {
	repo   DeliveryWriter
	ids    monitor.IDGenerator
	logger *zap.Logger
}

// NewDeliveryLog constructs a DeliveryLog for the provided repository.
func NewDeliveryLog(repo DeliveryWriter, ids monitor.IDGenerator, logger *zap.Logger) *DeliveryLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeliveryLog{repo: repo, ids: ids, logger: logger}
}

// Record writes one record for a sent or failed notification event. Other
// stages are ignored. Repository errors are returned wrapped.
func (l *DeliveryLog) Record(ctx context.Context, evt progress.Event) error {
	if l == nil || l.repo == nil {
		return nil
	}
	if evt.Stage != progress.StageNotifySent && evt.Stage != progress.StageNotifyFailed {
		return nil
	}
	id, err := l.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate delivery id: %w", err)
	}
	record := monitor.DeliveryRecord{
		ID:             id,
		TargetID:       evt.TargetID,
		OwnerID:        evt.OwnerID,
		ChangeRecordID: evt.RecordID,
		Channel:        evt.Channel,
		Success:        evt.Stage == progress.StageNotifySent,
		Proxied:        evt.Proxied,
		StatusCode:     evt.StatusCode,
		At:             evt.TS,
	}
	if !record.Success {
		record.Error = evt.Note
	}
	if err := l.repo.RecordDelivery(ctx, record); err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	l.logger.Debug("delivery recorded",
		zap.String("record_id", record.ChangeRecordID),
		zap.String("channel", string(record.Channel)),
		zap.Bool("success", record.Success),
	)
	return nil
}
