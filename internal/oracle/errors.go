package oracle

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownProvider   = errors.New("unknown oracle provider")
	ErrMalformedResponse = errors.New("malformed oracle response")
)

// CapabilityError reports a tool-choice policy the backend cannot enforce.
type CapabilityError struct {
	Provider string
	Choice   ToolChoice
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("provider %s cannot force tool choice %s", e.Provider, e.Choice)
}
