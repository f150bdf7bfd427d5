package credit

import (
	"context"
	"errors"
	"fmt"

	"creditcore/authz"
	"creditcore/es"
	"creditcore/governance"
	"creditcore/job"
	"creditcore/outbox"
)

type approvalListenerState struct {
	Sequence outbox.Sequence `json:"sequence"`
}

// approvalCodec decodes the outbox messages this listener reacts to and skips everything else.
func approvalCodec() *es.Codec[es.Event] {
	c := es.NewCodec[es.Event]().ForwardCompatible()
	es.Register[es.Event, governance.ProcessConcluded](c)
	return c
}

// listenApprovals applies concluded approval processes to their facility or disbursal. The
// cursor is checkpointed after each event so a restarted listener resumes where it stopped.
func (s *Service) listenApprovals(ctx context.Context, current *job.CurrentJob, src outbox.Source) error {
	var state approvalListenerState
	if _, err := current.ExecutionState(&state); err != nil {
		return err
	}
	return s.consumeApprovals(ctx, current.ShutdownRequested(), src, state.Sequence,
		func(ctx context.Context, seq outbox.Sequence) error {
			return current.UpdateExecutionState(ctx, nil, approvalListenerState{Sequence: seq})
		})
}

func (s *Service) consumeApprovals(ctx context.Context, stop <-chan struct{}, src outbox.Source, from outbox.Sequence, checkpoint func(context.Context, outbox.Sequence) error) error {
	codec := approvalCodec()
	l := outbox.NewListener(src, from)
	for {
		ev, err := l.NextUntil(ctx, stop)
		if err != nil {
			return err
		}
		if !ev.IsPlaceholder() {
			if err := s.handleApprovalMessage(ctx, codec, *ev.Message); err != nil {
				return fmt.Errorf("credit: approval event %d: %w", ev.Sequence, err)
			}
		}
		if err := checkpoint(ctx, ev.Sequence); err != nil {
			return err
		}
	}
}

func (s *Service) handleApprovalMessage(ctx context.Context, codec *es.Codec[es.Event], msg outbox.Message) error {
	decoded, ok, err := codec.Decode(msg.Type, msg.Payload)
	if err != nil || !ok {
		return err
	}
	pc, ok := decoded.(governance.ProcessConcluded)
	if !ok {
		return nil
	}

	sub := authz.System("governance")
	var res es.Idempotent[bool]
	switch pc.ProcessType {
	case governance.CreditFacilityApproval:
		res, err = s.ApprovalProcessConcluded(ctx, sub, pc.TargetID, pc.Approved)
	case governance.DisbursalApproval:
		res, err = s.DisbursalApprovalConcluded(ctx, sub, pc.TargetID, pc.Approved)
	default:
		// Other process types share the governance stream.
		s.logger.Debug("approval for another process type skipped", "process_type", string(pc.ProcessType), "process_id", pc.ProcessID)
		return nil
	}
	if errors.Is(err, es.ErrNotFound) {
		s.logger.Warn("approval for unknown target", "process_id", pc.ProcessID, "target_id", pc.TargetID)
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Info("approval applied", "process_type", string(pc.ProcessType), "target_id", pc.TargetID,
		"approved", pc.Approved, "executed", res.DidExecute())
	return nil
}
