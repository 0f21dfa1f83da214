package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/LeventeLantos/notification-pipeline/internal/errs"
)

// Validate checks required fields and the payload fields the channel
// needs. All problems are reported at once.
func (m QueuedMessage) Validate() error {
	var result *multierror.Error

	if strings.TrimSpace(m.ID) == "" {
		result = multierror.Append(result, errors.New("id is required"))
	}
	if strings.TrimSpace(m.UserID) == "" {
		result = multierror.Append(result, errors.New("userId is required"))
	}
	if !m.Priority.Valid() {
		result = multierror.Append(result, fmt.Errorf("priority %q is not one of high, medium, low", m.Priority))
	}
	if m.MaxRetries < 0 {
		result = multierror.Append(result, fmt.Errorf("maxRetries must be >= 0, got %d", m.MaxRetries))
	}
	if m.RetryCount < 0 || (m.MaxRetries > 0 && m.RetryCount > m.MaxRetries) {
		result = multierror.Append(result, fmt.Errorf("retryCount %d out of range", m.RetryCount))
	}

	switch m.Channel {
	case WhatsApp:
		if strings.TrimSpace(m.Payload.Destination) == "" {
			result = multierror.Append(result, errors.New("payload.destination is required"))
		}
		if strings.TrimSpace(m.Payload.TemplateName) == "" {
			result = multierror.Append(result, errors.New("payload.templateName is required for whatsapp"))
		}
	case SMS:
		if strings.TrimSpace(m.Payload.Destination) == "" {
			result = multierror.Append(result, errors.New("payload.destination is required"))
		}
		if strings.TrimSpace(m.Payload.Body) == "" {
			result = multierror.Append(result, errors.New("payload.body is required for sms"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("channel %q is not one of whatsapp, sms", m.Channel))
	}

	if err := result.ErrorOrNil(); err != nil {
		return &errs.ValidationError{MessageID: m.ID, Err: err}
	}
	return nil
}
