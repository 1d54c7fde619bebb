package service

import (
	"context"
	"time"

	"github.com/unclebandit/campaign-mailer/internal/cache"
	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/mailer"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/observability"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

// Processor drains the message queue through one transport.
type Processor struct {
	QueueRepo    repository.QueueRepositoryInterface
	CampaignRepo repository.CampaignRepositoryInterface
	DeliveryLog  repository.DeliveryLogRepositoryInterface
	TrackingRepo repository.TrackingRepositoryInterface
	Transport    mailer.Transport
	Runs         cache.RunRecorder
	BatchSize    int
	RetryBackoff time.Duration
	Logger       *observability.Logger
	Now          func() time.Time
}

// RunResult summarizes one processor pass.
type RunResult struct {
	Pulled    int     `json:"pulled"`
	Sent      int     `json:"sent"`
	Failed    int     `json:"failed"`
	Retrying  int     `json:"retrying"`
	Skipped   int     `json:"skipped"`
	Completed []int64 `json:"completed_campaigns"`
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Processor) logger() *observability.Logger {
	if p.Logger == nil {
		return observability.NewNopLogger()
	}
	return p.Logger
}

// Process runs one pass and discards the summary.
func (p *Processor) Process(ctx context.Context) error {
	_, err := p.Run(ctx)
	return err
}

// Run pulls one batch and sends it message by message. Cancelling ctx does not
// abort a pulled batch; every claimed message is driven to an outcome.
func (p *Processor) Run(ctx context.Context) (*RunResult, error) {
	start := p.now()
	res := &RunResult{}
	ctx = observability.WithFields(ctx, observability.Field{Key: "run_id", Value: start.UnixNano()})

	if p.Runs != nil {
		if err := p.Runs.RecordRun(ctx, start); err != nil {
			p.logger().WarnWithError(ctx, "could not record processor run", err)
		}
	}

	if p.Transport == nil {
		metrics.IncProcessorRun("disabled")
		p.logger().Debug(ctx, "no transport configured, skipping run")
		return res, nil
	}

	batch, err := p.QueueRepo.NextBatch(ctx, config.ClampBatchSize(p.BatchSize))
	if err != nil {
		metrics.IncProcessorRun("error")
		return nil, err
	}
	res.Pulled = len(batch)

	runCtx := context.WithoutCancel(ctx)
	for _, msg := range batch {
		p.deliver(runCtx, msg, res)
	}

	p.completeCampaigns(runCtx, res)

	if counts, err := p.QueueRepo.CountByStatus(runCtx); err == nil {
		metrics.SetQueueDepth(counts)
	}

	metrics.IncProcessorRun("ok")
	metrics.ObserveProcessorRun(time.Since(start))
	if res.Pulled > 0 {
		p.logger().Info(observability.WithFields(ctx,
			observability.Field{Key: "pulled", Value: res.Pulled},
			observability.Field{Key: "sent", Value: res.Sent},
			observability.Field{Key: "failed", Value: res.Failed},
			observability.Field{Key: "retrying", Value: res.Retrying},
			observability.Field{Key: "skipped", Value: res.Skipped},
		), "processor run finished")
	}
	return res, nil
}

// deliver never returns an error; every outcome is recorded on the row and the log.
func (p *Processor) deliver(ctx context.Context, msg *model.QueuedMessage, res *RunResult) {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "message_id", Value: msg.ID},
		observability.Field{Key: "source", Value: msg.Source},
	)

	claimed, err := p.QueueRepo.MarkProcessing(ctx, msg.ID)
	if err != nil {
		p.logger().Error(ctx, "claim failed", err)
		res.Skipped++
		return
	}
	if !claimed {
		res.Skipped++
		return
	}
	metrics.ObserveQueueLag(p.now().Sub(msg.CreatedAt))

	transport := p.Transport.Name()
	sendStart := time.Now()
	sendErr := p.Transport.Send(ctx, mailer.FromQueued(msg))
	metrics.ObserveSend(transport, time.Since(sendStart))

	if sendErr == nil {
		p.onSent(ctx, msg, transport)
		res.Sent++
		return
	}

	status, err := p.QueueRepo.MarkFailed(ctx, msg.ID, sendErr.Error(), p.retryAt(msg.Attempts+1))
	if err != nil {
		p.logger().Error(ctx, "could not record send failure", err)
	}
	final := status == model.MessageFailed
	if final {
		res.Failed++
	} else {
		res.Retrying++
	}
	metrics.IncMessageFailed(transport, final)
	p.appendLog(ctx, msg, model.MessageFailed, transport, msg.Attempts+1, sendErr.Error())
	p.logger().WarnWithError(observability.WithFields(ctx,
		observability.Field{Key: "attempt", Value: msg.Attempts + 1},
		observability.Field{Key: "final", Value: final},
	), "send failed", sendErr)
}

func (p *Processor) onSent(ctx context.Context, msg *model.QueuedMessage, transport string) {
	if err := p.QueueRepo.MarkSent(ctx, msg.ID); err != nil {
		p.logger().Error(ctx, "sent message could not be marked sent", err)
	}
	metrics.IncMessageSent(transport)
	p.appendLog(ctx, msg, model.MessageSent, transport, msg.Attempts+1, "")

	if msg.CampaignID == nil {
		return
	}
	if _, err := p.CampaignRepo.IncrementSentCount(ctx, *msg.CampaignID); err != nil {
		p.logger().Error(ctx, "could not increment campaign sent count", err)
	}
	if msg.SubscriberID != nil {
		err := p.TrackingRepo.Record(ctx, &model.TrackingEvent{
			CampaignID:   *msg.CampaignID,
			SubscriberID: *msg.SubscriberID,
			EventType:    model.EventSent,
		})
		if err != nil {
			p.logger().Error(ctx, "could not record sent event", err)
		}
	}
}

// retryAt defers the next attempt by RetryBackoff * 2^(attempt-1).
func (p *Processor) retryAt(attempt int) *time.Time {
	if p.RetryBackoff <= 0 || attempt < 1 {
		return nil
	}
	shift := attempt - 1
	if shift > 16 {
		shift = 16
	}
	at := p.now().Add(p.RetryBackoff * time.Duration(1<<shift))
	return &at
}

func (p *Processor) appendLog(ctx context.Context, msg *model.QueuedMessage, status, transport string, attempts int, errText string) {
	if p.DeliveryLog == nil {
		return
	}
	subject, htmlBody, textBody := msg.Subject, msg.HTMLBody, msg.TextBody
	headers := msg.Headers
	entry := &model.DeliveryLogEntry{
		MessageID:    msg.ID,
		Status:       status,
		ToEmail:      msg.ToEmail,
		FromEmail:    msg.FromEmail,
		Subject:      &subject,
		HTMLBody:     &htmlBody,
		TextBody:     &textBody,
		Headers:      &headers,
		Source:       msg.Source,
		Transport:    transport,
		Attempts:     attempts,
		Error:        errText,
		CampaignID:   msg.CampaignID,
		SubscriberID: msg.SubscriberID,
	}
	if err := p.DeliveryLog.Append(ctx, entry); err != nil {
		p.logger().Error(ctx, "could not append delivery log", err)
	}
}

// completeCampaigns marks sending campaigns sent once nothing of theirs is pending or processing.
func (p *Processor) completeCampaigns(ctx context.Context, res *RunResult) {
	sending, err := p.CampaignRepo.ListByStatus(ctx, model.CampaignSending)
	if err != nil {
		p.logger().Error(ctx, "could not list sending campaigns", err)
		return
	}
	for _, c := range sending {
		done, err := p.CampaignRepo.CompleteIfDrained(ctx, c.ID)
		if err != nil {
			p.logger().Error(observability.WithFields(ctx, observability.Field{Key: "campaign_id", Value: c.ID}), "completion check failed", err)
			continue
		}
		if done {
			res.Completed = append(res.Completed, c.ID)
			metrics.IncCampaignCompleted()
			p.logger().Info(observability.WithFields(ctx, observability.Field{Key: "campaign_id", Value: c.ID}), "campaign sent")
		}
	}
}
