package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/adgo-io/deployer/pkg/model"
)

var validate = newValidator()

// newValidator returns a validator that reports fields by their environment
// variable name, so errors point at what the operator has to change.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("env"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks that the Config contains valid values.
// Returns an error describing the first invalid field found.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("config: %s", formatFieldError(verrs[0]))
		}
		return fmt.Errorf("config: %w", err)
	}

	if c.RolloutTimeout < c.PollInterval {
		return fmt.Errorf("config: ROLLOUT_TIMEOUT (%v) must be >= POLL_INTERVAL (%v)", c.RolloutTimeout, c.PollInterval)
	}

	names := lo.Map(c.Tiers, func(t model.Tier, _ int) string { return t.Name })
	if dup := lo.FindDuplicates(names); len(dup) > 0 {
		return fmt.Errorf("config: duplicate tier %q", dup[0])
	}
	for _, t := range c.Tiers {
		if t.Name == "" || t.Selector == "" {
			return fmt.Errorf("config: tier %q must have a name and a selector", t.Name)
		}
	}

	if c.TrelloSendNotification && (c.TrelloKey == "" || c.TrelloToken == "" || c.TrelloListID == "") {
		return fmt.Errorf("config: TRELLO_KEY, TRELLO_TOKEN and TRELLO_LIST_ID are required when TRELLO_SEND_NOTIFICATION=true")
	}

	if c.MailgunDomain != "" && (c.MailgunKey == "" || c.MailgunTo == "") {
		return fmt.Errorf("config: MAILGUN_KEY and MAILGUN_TO are required when MAILGUN_DOMAIN is set")
	}

	return nil
}

func formatFieldError(e validator.FieldError) string {
	field := e.Field()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		if e.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must list at least %s entries", field, e.Param())
		}
		return fmt.Sprintf("%s must be >= %s, got %v", field, e.Param(), e.Value())
	case "max":
		return fmt.Sprintf("%s must be <= %s, got %v", field, e.Param(), e.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s, got %q", field, e.Param(), e.Value())
	case "email":
		return fmt.Sprintf("%s must be a valid email address, got %q", field, e.Value())
	case "url":
		return fmt.Sprintf("%s must be a valid URL, got %q", field, e.Value())
	default:
		return fmt.Sprintf("%s failed validation on %q", field, e.Tag())
	}
}
