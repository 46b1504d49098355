package etllog

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
)

// CallbackMode selects what the callback reports to the state machine.
type CallbackMode string

const (
	// CallbackHeartbeat keeps the waiting activity alive.
	CallbackHeartbeat CallbackMode = "heartbeat"
	// CallbackComplete ends the waiting activity, as success or failure
	// depending on the record status.
	CallbackComplete CallbackMode = "complete"
)

// SFNAPI is the subset of the Step Functions client used for task-token
// callbacks.
type SFNAPI interface {
	SendTaskHeartbeat(ctx context.Context, params *sfn.SendTaskHeartbeatInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskHeartbeatOutput, error)
	SendTaskSuccess(ctx context.Context, params *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error)
	SendTaskFailure(ctx context.Context, params *sfn.SendTaskFailureInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskFailureOutput, error)
}

// SendCallback forwards the task outcome to the state machine behind the
// token. Success is signaled only for exactly StatusSucceeded; any other
// terminal status is reported as task failure so the orchestrator runs its
// own retry and alerting policy.
func (l *Logger) SendCallback(ctx context.Context, taskToken string, status Status, output string, mode CallbackMode) error {
	if taskToken == "" {
		return nil
	}

	if mode == CallbackHeartbeat {
		_, err := l.sfn.SendTaskHeartbeat(ctx, &sfn.SendTaskHeartbeatInput{
			TaskToken: aws.String(taskToken),
		})
		if err != nil {
			return fmt.Errorf("failed to send task heartbeat: %w", err)
		}
		return nil
	}

	if status == StatusSucceeded {
		if output == "" {
			output = "{}"
		}
		_, err := l.sfn.SendTaskSuccess(ctx, &sfn.SendTaskSuccessInput{
			TaskToken: aws.String(taskToken),
			Output:    aws.String(output),
		})
		if err != nil {
			return fmt.Errorf("failed to send task success: %w", err)
		}
		l.log.Infow("sent task success callback")
		return nil
	}

	_, err := l.sfn.SendTaskFailure(ctx, &sfn.SendTaskFailureInput{
		TaskToken: aws.String(taskToken),
		Error:     aws.String(string(status)),
		Cause:     aws.String(output),
	})
	if err != nil {
		return fmt.Errorf("failed to send task failure: %w", err)
	}
	l.log.Infow("sent task failure callback", "status", status)
	return nil
}
