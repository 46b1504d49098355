// Package notify renders and delivers the failure/completion summaries of
// an execution-log chain over SES or SNS. Delivery is a side channel: a
// failed notification never re-fails the underlying pipeline task.
package notify

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/etllog"
	"github.com/aws-solutions/centralized-logging-with-opensearch-sub005/schedule"
)

// SESAPI is the subset of the SES v2 client the dispatcher calls.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SNSAPI is the subset of the SNS client the dispatcher calls.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Summary carries everything a notification renders: pipeline identity, a
// pointer at the archive bucket and the task chain of the failed execution.
type Summary struct {
	PipelineID       string
	StateMachineName string
	ExecutionName    string
	Status           etllog.Status
	ArchiveURL       string
	Tasks            []etllog.Record
}

var textBody = template.Must(template.New("notification").Parse(
	`Pipeline {{.PipelineID}} ({{.StateMachineName}}) execution {{.ExecutionName}} finished with status {{.Status}}.

{{printf "%-32s %-36s %-28s %-28s %s" "State" "API" "Start Time" "End Time" "Status"}}
{{- range .Tasks}}
{{printf "%-32s %-36s %-28s %-28s %s" .StateName .API .StartTime .EndTime .Status}}
{{- end}}

Raw data archive: {{.ArchiveURL}}
`))

// Dispatcher delivers summaries to the pipeline's notification target.
type Dispatcher struct {
	ses    SESAPI
	sns    SNSAPI
	sender string
	log    *zap.SugaredLogger
}

func NewDispatcher(sesClient SESAPI, snsClient SNSAPI, sender string, log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{ses: sesClient, sns: snsClient, sender: sender, log: log}
}

// Send renders the summary and delivers it per the target service. Errors
// are returned for logging but callers must treat them as best-effort.
func (d *Dispatcher) Send(ctx context.Context, target schedule.Notification, summary Summary) error {
	body, err := Render(summary)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("[%s] pipeline %s execution %s", summary.Status, summary.PipelineID, summary.ExecutionName)

	switch strings.ToUpper(target.Service) {
	case "SES":
		return d.sendEmail(ctx, target.Recipients, subject, body)
	case "SNS":
		return d.publish(ctx, target.Recipients, subject, body)
	}
	return fmt.Errorf("unknown notification service %q", target.Service)
}

// Render produces the plain-text notification body.
func Render(summary Summary) (string, error) {
	var b strings.Builder
	if err := textBody.Execute(&b, summary); err != nil {
		return "", fmt.Errorf("failed to render notification: %w", err)
	}
	return b.String(), nil
}

func (d *Dispatcher) sendEmail(ctx context.Context, recipients []string, subject, body string) error {
	_, err := d.ses.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(d.sender),
		Destination: &sestypes.Destination{
			ToAddresses: recipients,
		},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(subject)},
				Body: &sestypes.Body{
					Text: &sestypes.Content{Data: aws.String(body)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send notification email: %w", err)
	}
	d.log.Infow("sent notification email", "recipients", len(recipients))
	return nil
}

// publish sends to each recipient topic ARN.
func (d *Dispatcher) publish(ctx context.Context, topicArns []string, subject, body string) error {
	for _, arn := range topicArns {
		_, err := d.sns.Publish(ctx, &sns.PublishInput{
			TopicArn: aws.String(arn),
			Subject:  aws.String(subject),
			Message:  aws.String(body),
		})
		if err != nil {
			return fmt.Errorf("failed to publish notification to %s: %w", arn, err)
		}
	}
	d.log.Infow("published notification", "topics", len(topicArns))
	return nil
}
