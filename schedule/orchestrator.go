// Package schedule manages the recurring triggers (processor, merger,
// archive) that drive a pipeline's micro-batch workers on a cadence.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/scheduler"
	"github.com/aws/aws-sdk-go-v2/service/scheduler/types"
	"go.uber.org/zap"
)

// MaxFlexWindowMinutes caps the flexible invocation window.
const MaxFlexWindowMinutes = 30

// API is the subset of the EventBridge Scheduler client the orchestrator
// calls.
type API interface {
	CreateSchedule(ctx context.Context, params *scheduler.CreateScheduleInput, optFns ...func(*scheduler.Options)) (*scheduler.CreateScheduleOutput, error)
	UpdateSchedule(ctx context.Context, params *scheduler.UpdateScheduleInput, optFns ...func(*scheduler.Options)) (*scheduler.UpdateScheduleOutput, error)
	DeleteSchedule(ctx context.Context, params *scheduler.DeleteScheduleInput, optFns ...func(*scheduler.Options)) (*scheduler.DeleteScheduleOutput, error)
}

// Orchestrator provisions schedules idempotently: create-or-update on the
// way up, swallow-not-found on the way down, so redelivered provisioning
// events are safe.
type Orchestrator struct {
	client API
	log    *zap.SugaredLogger
}

func NewOrchestrator(client API, log *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{client: client, log: log}
}

// CreateOrUpdate updates the schedule in place when it exists and creates
// it otherwise. Callers never branch on existence. flexWindowMinutes == 0
// pins the invocation to the exact schedule time.
func (o *Orchestrator) CreateOrUpdate(ctx context.Context, name, group, expression string, flexWindowMinutes int32, targetArn, roleArn string, payload any) error {
	input, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode schedule payload for %q: %w", name, err)
	}

	window := &types.FlexibleTimeWindow{Mode: types.FlexibleTimeWindowModeOff}
	if flexWindowMinutes > 0 {
		if flexWindowMinutes > MaxFlexWindowMinutes {
			flexWindowMinutes = MaxFlexWindowMinutes
		}
		window = &types.FlexibleTimeWindow{
			Mode:                   types.FlexibleTimeWindowModeFlexible,
			MaximumWindowInMinutes: aws.Int32(flexWindowMinutes),
		}
	}
	target := &types.Target{
		Arn:     aws.String(targetArn),
		RoleArn: aws.String(roleArn),
		Input:   aws.String(string(input)),
	}

	_, err = o.client.UpdateSchedule(ctx, &scheduler.UpdateScheduleInput{
		Name:               aws.String(name),
		GroupName:          aws.String(group),
		ScheduleExpression: aws.String(expression),
		FlexibleTimeWindow: window,
		Target:             target,
	})
	if err == nil {
		o.log.Infow("updated schedule", "name", name, "group", group)
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to update schedule %q: %w", name, err)
	}

	_, err = o.client.CreateSchedule(ctx, &scheduler.CreateScheduleInput{
		Name:               aws.String(name),
		GroupName:          aws.String(group),
		ScheduleExpression: aws.String(expression),
		FlexibleTimeWindow: window,
		Target:             target,
	})
	if err != nil {
		return fmt.Errorf("failed to create schedule %q: %w", name, err)
	}
	o.log.Infow("created schedule", "name", name, "group", group)
	return nil
}

// Delete removes the schedule, best-effort: a schedule that is already gone
// is success, not an error, so teardown is idempotent.
func (o *Orchestrator) Delete(ctx context.Context, name, group string) error {
	_, err := o.client.DeleteSchedule(ctx, &scheduler.DeleteScheduleInput{
		Name:      aws.String(name),
		GroupName: aws.String(group),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			o.log.Infow("schedule already deleted", "name", name, "group", group)
			return nil
		}
		return fmt.Errorf("failed to delete schedule %q: %w", name, err)
	}
	o.log.Infow("deleted schedule", "name", name, "group", group)
	return nil
}
